// Package sqlite implements a persistent durable.Backend on SQLite using
// modernc.org/sqlite (pure Go, no CGO) in WAL mode.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/flemzord/tiermem/internal/durable"
)

// Compile-time interface guard.
var _ durable.Backend = (*Backend)(nil)

// Backend stores context records in a single SQLite table indexed by
// (conversation_id, timestamp).
type Backend struct {
	db   *sql.DB
	path string
}

const recordColumns = `conversation_id, id, user_input, content, is_compressed,
	timestamp, updated_at, access_count, last_accessed, size_bytes, checksum, schema_version`

const upsertRecord = `INSERT OR REPLACE INTO context_records (` + recordColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Path returns the database file path.
func (b *Backend) Path() string { return b.path }

// Write implements durable.Backend.
func (b *Backend) Write(ctx context.Context, rec durable.Record, tx bool) error {
	args := recordArgs(rec)
	if !tx {
		if _, err := b.db.ExecContext(ctx, upsertRecord, args...); err != nil {
			return fmt.Errorf("sqlite: write record: %w", err)
		}
		return nil
	}

	t, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if _, err := t.ExecContext(ctx, upsertRecord, args...); err != nil {
		_ = t.Rollback()
		return fmt.Errorf("sqlite: write record: %w", err)
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func recordArgs(rec durable.Record) []any {
	content := rec.Serialized
	if rec.IsCompressed {
		content = rec.Compressed
	}
	return []any{
		rec.ConversationID, rec.ID, rec.UserInput, content, boolToInt(rec.IsCompressed),
		rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(), rec.AccessCount,
		rec.LastAccessed.UnixNano(), rec.SizeBytes, rec.Checksum, rec.SchemaVersion,
	}
}

// Read implements durable.Backend.
func (b *Backend) Read(ctx context.Context, conversationID, id string) (durable.Record, bool, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM context_records WHERE conversation_id = ? AND id = ?`,
		conversationID, id,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.Record{}, false, nil
	}
	if err != nil {
		return durable.Record{}, false, err
	}
	return rec, true, nil
}

// ListConversation implements durable.Backend.
func (b *Backend) ListConversation(ctx context.Context, conversationID string, limit int) ([]durable.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM context_records
		WHERE conversation_id = ?
		ORDER BY timestamp DESC, id ASC
		LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversation: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanRecords(rows)
}

// ScanAll implements durable.Backend. Rows are buffered before fn runs
// because the pool has a single connection that fn may need for writes.
func (b *Backend) ScanAll(ctx context.Context, fn func(durable.Record) error) error {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM context_records ORDER BY conversation_id, id`)
	if err != nil {
		return fmt.Errorf("sqlite: scan records: %w", err)
	}
	recs, err := scanRecords(rows)
	_ = rows.Close()
	if err != nil {
		return err
	}

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Conversations implements durable.Backend.
func (b *Backend) Conversations(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT DISTINCT conversation_id FROM context_records ORDER BY conversation_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: scan conversation: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete implements durable.Backend.
func (b *Backend) Delete(ctx context.Context, conversationID, id string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM context_records WHERE conversation_id = ? AND id = ?`,
		conversationID, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: delete record: %w", err)
	}
	return nil
}

// DeleteConversation implements durable.Backend.
func (b *Backend) DeleteConversation(ctx context.Context, conversationID string) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM context_records WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: rows affected: %w", err)
	}
	return int(n), nil
}

// Touch implements durable.Backend.
func (b *Backend) Touch(ctx context.Context, conversationID, id string, at time.Time) error {
	_, err := b.db.ExecContext(ctx,
		`UPDATE context_records
		SET access_count = access_count + 1, last_accessed = ?
		WHERE conversation_id = ? AND id = ?`,
		at.UnixNano(), conversationID, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: touch record: %w", err)
	}
	return nil
}

// Vacuum implements durable.Backend. SQLite rebuilds the file into a new
// copy and swaps it in, so concurrent readers never see a torn page.
func (b *Backend) Vacuum(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("sqlite: vacuum: %w", err)
	}
	return nil
}

// SchemaVersion implements durable.Backend.
func (b *Backend) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := b.db.QueryRowContext(ctx, `SELECT version FROM record_schema WHERE id = 1`).Scan(&v); err != nil {
		return 0, fmt.Errorf("sqlite: read record schema: %w", err)
	}
	return v, nil
}

// SetSchemaVersion implements durable.Backend.
func (b *Backend) SetSchemaVersion(ctx context.Context, v int) error {
	if _, err := b.db.ExecContext(ctx, `UPDATE record_schema SET version = ? WHERE id = 1`, v); err != nil {
		return fmt.Errorf("sqlite: write record schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: ping failed: %w", err)
	}
	return nil
}

// Close implements durable.Backend.
func (b *Backend) Close() error {
	return b.db.Close()
}

// scanner abstracts *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (durable.Record, error) {
	var (
		rec                                durable.Record
		content                            []byte
		compressed                         int
		createdAt, updatedAt, lastAccessed int64
	)
	err := s.Scan(
		&rec.ConversationID, &rec.ID, &rec.UserInput, &content, &compressed,
		&createdAt, &updatedAt, &rec.AccessCount, &lastAccessed,
		&rec.SizeBytes, &rec.Checksum, &rec.SchemaVersion,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return durable.Record{}, err
	}
	if err != nil {
		return durable.Record{}, fmt.Errorf("sqlite: scan record: %w", err)
	}

	rec.IsCompressed = compressed != 0
	if rec.IsCompressed {
		rec.Compressed = content
	} else {
		rec.Serialized = content
	}
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	rec.LastAccessed = time.Unix(0, lastAccessed).UTC()
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]durable.Record, error) {
	var out []durable.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate records: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
