package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/flemzord/tiermem/internal/cron"
	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/memory"
	"github.com/flemzord/tiermem/internal/optimizer"
)

const (
	// autoBackupMax bounds how many conversations one auto backup covers.
	autoBackupMax = 20
	// autoBackupWindow is how far back accesses count toward auto backup.
	autoBackupWindow = cron.DefaultAutoBackupInterval
)

// Compile-time interface checks.
var (
	_ cron.Maintainer = (*Engine)(nil)
	_ cron.Backupper  = (*Engine)(nil)
)

// OptimizeStatus reports what OptimizeMemory did.
type OptimizeStatus struct {
	Report           optimizer.Report     `json:"report"`
	RecordsSwept     int                  `json:"records_swept"`
	SummariesCleared int                  `json:"summaries_cleared"`
	Degradations     []memory.Degradation `json:"degradations,omitempty"`
}

// OptimizeMemory runs an optimization cycle, the durable retention sweep
// and the summary cleanup.
func (e *Engine) OptimizeMemory(ctx context.Context) (status OptimizeStatus, err error) {
	release, err := e.enter()
	if err != nil {
		return OptimizeStatus{}, err
	}
	defer release()

	start := time.Now()
	ctx, span := e.span(ctx, "OptimizeMemory", "")
	defer func() { e.finish(span, "optimize", start, err) }()

	return e.optimize(ctx), nil
}

func (e *Engine) optimize(ctx context.Context) OptimizeStatus {
	var st OptimizeStatus
	st.Report = e.opt.OptimizeNow(ctx)
	e.metrics.SetPressure(st.Report.Pressure)

	if e.store != nil {
		policy := e.cfg.Retention
		n, err := e.store.RetentionSweep(ctx, policy)
		if err != nil {
			e.degrade(&st.Degradations, memory.Degrade("durable", "sweep_skipped", err))
		}
		st.RecordsSwept = n
		if n > 0 {
			if err := e.store.Defragment(ctx); err != nil {
				e.degrade(&st.Degradations, memory.Degrade("durable", "defragment_skipped", err))
			}
		}
	}

	st.SummariesCleared = e.layer.ClearOld(e.cfg.Retention.SummaryMaxAgeDays)

	e.cache.clear()
	e.metrics.ObserveOptimization(st.Report.Cleaned(), st.Report.Compressed(), st.RecordsSwept)
	e.metrics.SetWorkingSet(e.ws.Len())
	return st
}

// task records a background task failure and passes err through.
func (e *Engine) task(name string, err error) error {
	if err != nil {
		e.metrics.ObserveTaskFailure(name)
	}
	return err
}

// CleanupCheck implements cron.Maintainer. It runs an LRU pass when the
// working set is over its cap.
func (e *Engine) CleanupCheck(ctx context.Context) (int, error) {
	release, err := e.enter()
	if err != nil {
		return 0, e.task("cleanup_check", err)
	}
	defer release()

	if e.ws.Len() <= e.ws.MaxEntries() {
		return 0, nil
	}
	rep := e.opt.LRUCleanup(ctx, false)
	e.cache.clear()
	e.metrics.SetWorkingSet(e.ws.Len())
	return rep.Cleaned(), nil
}

// Maintain implements cron.Maintainer. It compresses eligible working-set
// entries and stale durable records.
func (e *Engine) Maintain(ctx context.Context) (int, error) {
	release, err := e.enter()
	if err != nil {
		return 0, e.task("maintenance", err)
	}
	defer release()

	n := e.ws.CompressAll()
	if e.store != nil {
		m, err := e.store.CompressStale(ctx, e.cfg.Retention)
		n += m
		if err != nil {
			return n, e.task("maintenance", err)
		}
	}
	if n > 0 {
		e.cache.clear()
	}
	return n, nil
}

// CheckPressure implements cron.Maintainer. Above the critical threshold it
// runs an emergency optimization cycle.
func (e *Engine) CheckPressure(ctx context.Context) (float64, bool, error) {
	release, err := e.enter()
	if err != nil {
		return 0, false, e.task("pressure_monitor", err)
	}
	defer release()

	p, err := e.opt.Pressure(ctx)
	if err != nil {
		return 0, false, e.task("pressure_monitor", fmt.Errorf("engine: read pressure: %w", err))
	}
	e.metrics.SetPressure(p)
	if p <= e.opt.CriticalThreshold() {
		return p, false, nil
	}

	e.logger.Warn("engine: memory pressure critical, running emergency optimization",
		"pressure", p,
		"critical", e.opt.CriticalThreshold(),
	)
	e.optimize(ctx)
	return p, true, nil
}

// Optimize implements cron.Maintainer.
func (e *Engine) Optimize(ctx context.Context) error {
	_, err := e.OptimizeMemory(ctx)
	return e.task("optimization", err)
}

// FullBackup implements cron.Backupper.
func (e *Engine) FullBackup(ctx context.Context) (string, error) {
	h, err := e.Backup(ctx)
	return string(h), e.task("full_backup", err)
}

// AutoBackup implements cron.Backupper. It backs up conversations holding
// important entries, most recently accessed first.
func (e *Engine) AutoBackup(ctx context.Context) (int, error) {
	release, err := e.enter()
	if err != nil {
		return 0, e.task("auto_backup", err)
	}
	defer release()

	ids := e.importantConversations()
	if len(ids) == 0 {
		return 0, nil
	}
	if e.store == nil {
		return 0, e.task("auto_backup", ErrPersistenceDisabled)
	}

	h, err := e.store.Backup(ctx, ids...)
	e.metrics.ObserveBackup(durable.BackupFull, err)
	if err != nil {
		return 0, e.task("auto_backup", err)
	}
	e.logger.Debug("engine: auto backup written", "handle", h, "conversations", len(ids))
	return len(ids), nil
}

// importantConversations lists conversations with at least one important
// entry and a recent access, weighted by access count.
func (e *Engine) importantConversations() []string {
	type candidate struct {
		id       string
		accesses int
	}
	var cands []candidate
	for _, conv := range e.ws.ConversationIDs() {
		important := false
		for _, en := range e.ws.ConversationEntries(conv) {
			if en.Retention == memory.RetentionImportant {
				important = true
				break
			}
		}
		if !important {
			continue
		}
		if n := e.ws.RecentAccesses(conv, autoBackupWindow); n > 0 {
			cands = append(cands, candidate{id: conv, accesses: n})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].accesses > cands[j].accesses })
	if len(cands) > autoBackupMax {
		cands = cands[:autoBackupMax]
	}

	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.id
	}
	return ids
}

// Backup writes a full backup of the named conversations, or of all of them.
func (e *Engine) Backup(ctx context.Context, conversationIDs ...string) (h durable.Handle, err error) {
	release, err := e.enter()
	if err != nil {
		return "", err
	}
	defer release()
	if e.store == nil {
		return "", ErrPersistenceDisabled
	}

	start := time.Now()
	ctx, span := e.span(ctx, "Backup", "")
	defer func() { e.finish(span, "backup", start, err) }()

	h, err = e.store.Backup(ctx, conversationIDs...)
	e.metrics.ObserveBackup(durable.BackupFull, err)
	return h, err
}

// IncrementalBackup writes a backup of records modified after since.
func (e *Engine) IncrementalBackup(ctx context.Context, since time.Time) (h durable.Handle, err error) {
	release, err := e.enter()
	if err != nil {
		return "", err
	}
	defer release()
	if e.store == nil {
		return "", ErrPersistenceDisabled
	}

	start := time.Now()
	ctx, span := e.span(ctx, "IncrementalBackup", "")
	defer func() { e.finish(span, "backup", start, err) }()

	h, err = e.store.IncrementalBackup(ctx, since)
	e.metrics.ObserveBackup(durable.BackupIncremental, err)
	return h, err
}

// ListBackups returns backup handles, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]durable.Handle, error) {
	release, err := e.enter()
	if err != nil {
		return nil, err
	}
	defer release()
	if e.store == nil {
		return nil, ErrPersistenceDisabled
	}
	return e.store.ListBackups(ctx)
}

// Restore writes a backup back into the durable tier. Persisted entries of
// the conversations it touches are dropped from the working set so they
// reload on next access; entries not yet persisted are kept.
func (e *Engine) Restore(ctx context.Context, h durable.Handle, verify bool) (res durable.RestoreResult, err error) {
	release, err := e.enter()
	if err != nil {
		return durable.RestoreResult{}, err
	}
	defer release()
	if e.store == nil {
		return durable.RestoreResult{}, ErrPersistenceDisabled
	}

	start := time.Now()
	ctx, span := e.span(ctx, "Restore", "")
	defer func() { e.finish(span, "restore", start, err) }()

	a, err := e.store.LoadArchive(ctx, h)
	if err != nil {
		return durable.RestoreResult{}, err
	}
	res, err = e.store.Restore(ctx, h, verify)
	if err != nil {
		return res, err
	}
	for conv := range a.Conversations {
		e.ws.RemovePersisted(conv)
		e.cache.invalidate(conv)
	}
	return res, nil
}

// MigrateSchema upgrades stored records to target. It returns how many
// records were rewritten; on failure the error is a *memory.MigrationError.
func (e *Engine) MigrateSchema(ctx context.Context, target int) (n int, err error) {
	release, err := e.enter()
	if err != nil {
		return 0, err
	}
	defer release()
	if e.store == nil {
		return 0, ErrPersistenceDisabled
	}

	start := time.Now()
	ctx, span := e.span(ctx, "MigrateSchema", "")
	defer func() { e.finish(span, "migrate", start, err) }()

	n, err = e.store.MigrateSchema(ctx, target)
	e.cache.clear()
	return n, err
}

// DeleteStatus reports what DeleteConversation removed from each tier.
type DeleteStatus struct {
	Entries   int `json:"entries"`
	Records   int `json:"records"`
	Summaries int `json:"summaries"`
}

// DeleteConversation removes a conversation from every tier.
func (e *Engine) DeleteConversation(ctx context.Context, conversationID string) (st DeleteStatus, err error) {
	release, err := e.enter()
	if err != nil {
		return DeleteStatus{}, err
	}
	defer release()

	start := time.Now()
	ctx, span := e.span(ctx, "DeleteConversation", conversationID)
	defer func() { e.finish(span, "delete", start, err) }()

	st.Entries = e.ws.RemoveConversation(conversationID)
	st.Summaries = e.layer.DeleteConversation(conversationID)
	e.bufMu.Lock()
	delete(e.buffers, conversationID)
	e.bufMu.Unlock()
	e.cache.invalidate(conversationID)

	if e.store != nil {
		dctx, cancel := e.opContext(ctx)
		defer cancel()
		st.Records, err = e.store.DeleteConversation(dctx, conversationID)
		if err != nil {
			return st, fmt.Errorf("engine: delete %s: %w", conversationID, err)
		}
	}
	return st, nil
}
