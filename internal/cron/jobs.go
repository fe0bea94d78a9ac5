package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Default task intervals.
const (
	DefaultCleanupInterval      = 5 * time.Minute
	DefaultMaintenanceInterval  = 10 * time.Minute
	DefaultPressureInterval     = 60 * time.Second
	DefaultOptimizationInterval = 300 * time.Second
	DefaultFullBackupInterval   = 24 * time.Hour
	DefaultAutoBackupInterval   = time.Hour
)

// Maintainer is the subset of the memory engine driven by the cleanup,
// maintenance, pressure and optimization jobs. Defined here to avoid a
// circular dependency on the engine package.
type Maintainer interface {
	// CleanupCheck runs an LRU pass when the working set is over its cap.
	CleanupCheck(ctx context.Context) (int, error)

	// Maintain compresses stale entries and records and defragments storage.
	Maintain(ctx context.Context) (int, error)

	// CheckPressure samples memory pressure and runs an emergency
	// optimization above the critical threshold.
	CheckPressure(ctx context.Context) (float64, bool, error)

	// Optimize runs a full optimization cycle.
	Optimize(ctx context.Context) error
}

// Backupper is the subset of the memory engine driven by the backup jobs.
type Backupper interface {
	FullBackup(ctx context.Context) (string, error)
	AutoBackup(ctx context.Context) (int, error)
}

func schedule(expr string, def time.Duration) string {
	if expr != "" {
		return expr
	}
	return Every(def)
}

func cancelled(ctx context.Context, job string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("cron: %s cancelled: %w", job, ctx.Err())
	}
	return nil
}

// CleanupCheckJob trims the working set when it grows past its cap.
type CleanupCheckJob struct {
	Target       Maintainer
	Logger       *slog.Logger
	ScheduleExpr string // empty = every 5m
}

// Compile-time interface check.
var _ Job = (*CleanupCheckJob)(nil)

// Name implements Job.
func (j *CleanupCheckJob) Name() string { return "cleanup_check" }

// Schedule implements Job.
func (j *CleanupCheckJob) Schedule() string {
	return schedule(j.ScheduleExpr, DefaultCleanupInterval)
}

// Run implements Job.
func (j *CleanupCheckJob) Run(ctx context.Context) error {
	if err := cancelled(ctx, j.Name()); err != nil {
		return err
	}
	n, err := j.Target.CleanupCheck(ctx)
	if err != nil {
		return fmt.Errorf("cron: cleanup check: %w", err)
	}
	if n > 0 {
		j.Logger.Info("cron: working set trimmed", "removed", n)
	}
	return nil
}

// MaintenanceJob runs the compression and defragmentation sweep.
type MaintenanceJob struct {
	Target       Maintainer
	Logger       *slog.Logger
	ScheduleExpr string // empty = every 10m
}

// Compile-time interface check.
var _ Job = (*MaintenanceJob)(nil)

// Name implements Job.
func (j *MaintenanceJob) Name() string { return "maintenance" }

// Schedule implements Job.
func (j *MaintenanceJob) Schedule() string {
	return schedule(j.ScheduleExpr, DefaultMaintenanceInterval)
}

// Run implements Job.
func (j *MaintenanceJob) Run(ctx context.Context) error {
	if err := cancelled(ctx, j.Name()); err != nil {
		return err
	}
	n, err := j.Target.Maintain(ctx)
	if err != nil {
		return fmt.Errorf("cron: maintenance: %w", err)
	}
	j.Logger.Debug("cron: maintenance sweep finished", "compressed", n)
	return nil
}

// PressureMonitorJob watches memory pressure.
type PressureMonitorJob struct {
	Target       Maintainer
	Logger       *slog.Logger
	ScheduleExpr string // empty = every 60s
}

// Compile-time interface check.
var _ Job = (*PressureMonitorJob)(nil)

// Name implements Job.
func (j *PressureMonitorJob) Name() string { return "pressure_monitor" }

// Schedule implements Job.
func (j *PressureMonitorJob) Schedule() string {
	return schedule(j.ScheduleExpr, DefaultPressureInterval)
}

// Run implements Job.
func (j *PressureMonitorJob) Run(ctx context.Context) error {
	if err := cancelled(ctx, j.Name()); err != nil {
		return err
	}
	pressure, emergency, err := j.Target.CheckPressure(ctx)
	if err != nil {
		return fmt.Errorf("cron: pressure monitor: %w", err)
	}
	if emergency {
		j.Logger.Warn("cron: emergency optimization ran", "pressure", pressure)
	}
	return nil
}

// OptimizationJob runs the full optimization cycle.
type OptimizationJob struct {
	Target       Maintainer
	Logger       *slog.Logger
	ScheduleExpr string // empty = every 300s
}

// Compile-time interface check.
var _ Job = (*OptimizationJob)(nil)

// Name implements Job.
func (j *OptimizationJob) Name() string { return "optimization" }

// Schedule implements Job.
func (j *OptimizationJob) Schedule() string {
	return schedule(j.ScheduleExpr, DefaultOptimizationInterval)
}

// Run implements Job.
func (j *OptimizationJob) Run(ctx context.Context) error {
	if err := cancelled(ctx, j.Name()); err != nil {
		return err
	}
	if err := j.Target.Optimize(ctx); err != nil {
		return fmt.Errorf("cron: optimization: %w", err)
	}
	return nil
}

// FullBackupJob writes a full backup of every conversation.
type FullBackupJob struct {
	Target       Backupper
	Logger       *slog.Logger
	ScheduleExpr string // empty = every 24h
}

// Compile-time interface check.
var _ Job = (*FullBackupJob)(nil)

// Name implements Job.
func (j *FullBackupJob) Name() string { return "full_backup" }

// Schedule implements Job.
func (j *FullBackupJob) Schedule() string {
	return schedule(j.ScheduleExpr, DefaultFullBackupInterval)
}

// Run implements Job.
func (j *FullBackupJob) Run(ctx context.Context) error {
	if err := cancelled(ctx, j.Name()); err != nil {
		return err
	}
	handle, err := j.Target.FullBackup(ctx)
	if err != nil {
		return fmt.Errorf("cron: full backup: %w", err)
	}
	j.Logger.Info("cron: full backup written", "handle", handle)
	return nil
}

// AutoBackupJob backs up important, recently used conversations.
type AutoBackupJob struct {
	Target       Backupper
	Logger       *slog.Logger
	ScheduleExpr string // empty = every 1h
}

// Compile-time interface check.
var _ Job = (*AutoBackupJob)(nil)

// Name implements Job.
func (j *AutoBackupJob) Name() string { return "auto_backup" }

// Schedule implements Job.
func (j *AutoBackupJob) Schedule() string {
	return schedule(j.ScheduleExpr, DefaultAutoBackupInterval)
}

// Run implements Job.
func (j *AutoBackupJob) Run(ctx context.Context) error {
	if err := cancelled(ctx, j.Name()); err != nil {
		return err
	}
	n, err := j.Target.AutoBackup(ctx)
	if err != nil {
		return fmt.Errorf("cron: auto backup: %w", err)
	}
	if n > 0 {
		j.Logger.Info("cron: important conversations backed up", "conversations", n)
	}
	return nil
}
