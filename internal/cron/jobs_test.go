package cron_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/flemzord/tiermem/internal/cron"
	"github.com/flemzord/tiermem/internal/cron/crontest"
)

func TestJobs_NamesAndSchedules(t *testing.T) {
	t.Parallel()

	m := &crontest.MockMaintainer{}
	tests := []struct {
		job      cron.Job
		name     string
		schedule string
	}{
		{&cron.CleanupCheckJob{Target: m}, "cleanup_check", "@every 5m0s"},
		{&cron.MaintenanceJob{Target: m}, "maintenance", "@every 10m0s"},
		{&cron.PressureMonitorJob{Target: m}, "pressure_monitor", "@every 1m0s"},
		{&cron.OptimizationJob{Target: m}, "optimization", "@every 5m0s"},
		{&cron.FullBackupJob{Target: m}, "full_backup", "@every 24h0m0s"},
		{&cron.AutoBackupJob{Target: m}, "auto_backup", "@every 1h0m0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.job.Name(); got != tt.name {
				t.Errorf("name = %q, want %q", got, tt.name)
			}
			if got := tt.job.Schedule(); got != tt.schedule {
				t.Errorf("schedule = %q, want %q", got, tt.schedule)
			}
			if err := cron.ParseSchedule(tt.job.Schedule()); err != nil {
				t.Errorf("default schedule does not parse: %v", err)
			}
		})
	}
}

func TestJobs_ScheduleOverride(t *testing.T) {
	t.Parallel()

	j := &cron.OptimizationJob{ScheduleExpr: cron.Every(30 * time.Second)}
	if j.Schedule() != "@every 30s" {
		t.Errorf("schedule = %q, want @every 30s", j.Schedule())
	}
}

func TestJobs_RunDelegates(t *testing.T) {
	t.Parallel()

	m := &crontest.MockMaintainer{
		CleanupFunc:  func(context.Context) (int, error) { return 3, nil },
		PressureFunc: func(context.Context) (float64, bool, error) { return 0.97, true, nil },
		FullFunc:     func(context.Context) (string, error) { return "backups/1-full.json.zst", nil },
		AutoFunc:     func(context.Context) (int, error) { return 2, nil },
	}
	logger := slog.Default()
	jobs := []cron.Job{
		&cron.CleanupCheckJob{Target: m, Logger: logger},
		&cron.MaintenanceJob{Target: m, Logger: logger},
		&cron.PressureMonitorJob{Target: m, Logger: logger},
		&cron.OptimizationJob{Target: m, Logger: logger},
		&cron.FullBackupJob{Target: m, Logger: logger},
		&cron.AutoBackupJob{Target: m, Logger: logger},
	}
	for _, j := range jobs {
		if err := j.Run(context.Background()); err != nil {
			t.Fatalf("%s: unexpected error: %v", j.Name(), err)
		}
	}

	counts := map[string]int32{
		"cleanup":  m.CleanupCalls.Load(),
		"maintain": m.MaintainCalls.Load(),
		"pressure": m.PressureCalls.Load(),
		"optimize": m.OptimizeCalls.Load(),
		"full":     m.FullCalls.Load(),
		"auto":     m.AutoCalls.Load(),
	}
	for k, v := range counts {
		if v != 1 {
			t.Errorf("%s calls = %d, want 1", k, v)
		}
	}
}

func TestJobs_RunWrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("disk full")
	m := &crontest.MockMaintainer{
		MaintainFunc: func(context.Context) (int, error) { return 0, boom },
		FullFunc:     func(context.Context) (string, error) { return "", boom },
	}

	for _, j := range []cron.Job{
		&cron.MaintenanceJob{Target: m, Logger: slog.Default()},
		&cron.FullBackupJob{Target: m, Logger: slog.Default()},
	} {
		err := j.Run(context.Background())
		if !errors.Is(err, boom) {
			t.Errorf("%s: error = %v, want wrapped %v", j.Name(), err, boom)
		}
	}
}

func TestJobs_CancelledContext(t *testing.T) {
	t.Parallel()

	m := &crontest.MockMaintainer{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j := &cron.OptimizationJob{Target: m, Logger: slog.Default()}
	err := j.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if m.OptimizeCalls.Load() != 0 {
		t.Error("optimize should not run on a cancelled context")
	}
}

func TestScheduler_RunsRegisteredJob(t *testing.T) {
	t.Parallel()

	ran := make(chan struct{}, 1)
	job := &crontest.MockJob{
		NameVal:     "tick",
		ScheduleVal: "@every 1s",
		RunFunc: func(context.Context) error {
			select {
			case ran <- struct{}{}:
			default:
			}
			return nil
		},
	}

	s := cron.NewScheduler(slog.Default())
	if err := s.RegisterJob(job); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run within 5s")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if job.CallCount() < 1 {
		t.Fatalf("call count = %d", job.CallCount())
	}
}
