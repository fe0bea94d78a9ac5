package durable

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/flemzord/tiermem/internal/memory"
)

// LatestSchemaVersion is the record format written by this build once
// DefaultMigrations have been applied.
const LatestSchemaVersion = 2

const migrationMaxTries = 3

// Migration upgrades records to Version. Apply mutates the payload in
// place and reports whether it changed anything. It must be idempotent.
type Migration struct {
	Version int
	Name    string
	Apply   func(p *Payload) bool
}

// DefaultMigrations returns the record-format history.
func DefaultMigrations() []Migration {
	return []Migration{
		{
			Version: 2,
			Name:    "normalize-line-endings",
			Apply: func(p *Payload) bool {
				in, content := p.UserInput, p.Content
				p.UserInput = strings.ReplaceAll(p.UserInput, "\r\n", "\n")
				p.Content = strings.ReplaceAll(p.Content, "\r\n", "\n")
				return in != p.UserInput || content != p.Content
			},
		},
	}
}

// MigrateSchema applies migration steps one version at a time up to
// target. Each step is retried with exponential backoff; a step that
// still fails halts the run and the returned *memory.MigrationError
// names the last version fully applied.
func (s *Store) MigrateSchema(ctx context.Context, target int) (int, error) {
	current := s.SchemaVersion()
	if target <= current {
		return 0, nil
	}

	steps := slices.Clone(s.opts.Migrations)
	slices.SortFunc(steps, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })

	migrated := 0
	for v := current + 1; v <= target; v++ {
		idx := slices.IndexFunc(steps, func(m Migration) bool { return m.Version == v })
		if idx < 0 {
			return migrated, &memory.MigrationError{
				LastVersion: v - 1,
				Step:        v,
				Err:         fmt.Errorf("no migration registered for version %d", v),
			}
		}
		step := steps[idx]

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 50 * time.Millisecond
		bo.MaxInterval = time.Second

		n, err := backoff.Retry(ctx, func() (int, error) {
			return s.applyMigration(ctx, step)
		}, backoff.WithBackOff(bo), backoff.WithMaxTries(migrationMaxTries))
		if err != nil {
			s.logger.Error("durable: migration step failed",
				"version", v,
				"step", step.Name,
				"error", err,
			)
			return migrated, &memory.MigrationError{LastVersion: v - 1, Step: v, Err: err}
		}

		if err := s.backend.SetSchemaVersion(ctx, v); err != nil {
			return migrated, &memory.MigrationError{LastVersion: v - 1, Step: v, Err: err}
		}
		s.mu.Lock()
		s.version = v
		s.mu.Unlock()

		migrated += n
		s.logger.Info("durable: migration step applied", "version", v, "step", step.Name, "records", n)
	}
	return migrated, nil
}

// applyMigration rewrites every verified record below the step's version.
// Records already at the version are skipped, so a retried step resumes
// where the failed attempt stopped.
func (s *Store) applyMigration(ctx context.Context, m Migration) (int, error) {
	var pending []Record
	err := s.ScanAll(ctx, func(rec Record) error {
		if rec.SchemaVersion < m.Version {
			pending = append(pending, rec)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, rec := range pending {
		m.Apply(&rec.Payload)
		rec.SchemaVersion = m.Version
		rec.UpdatedAt = s.opts.Now()
		enc, err := s.encode(rec, rec.IsCompressed)
		if err != nil {
			return 0, backoff.Permanent(err)
		}
		if err := s.write(ctx, enc); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}
