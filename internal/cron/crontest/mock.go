// Package crontest provides test doubles for the cron package.
package crontest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flemzord/tiermem/internal/cron"
)

// MockJob is a configurable test double for cron.Job.
type MockJob struct {
	NameVal     string
	ScheduleVal string
	RunFunc     func(ctx context.Context) error

	mu       sync.Mutex
	calls    int
	lastCall time.Time
}

// Compile-time interface check.
var _ cron.Job = (*MockJob)(nil)

// Name implements cron.Job.
func (m *MockJob) Name() string { return m.NameVal }

// Schedule implements cron.Job.
func (m *MockJob) Schedule() string { return m.ScheduleVal }

// Run implements cron.Job and increments the call counter.
func (m *MockJob) Run(ctx context.Context) error {
	m.mu.Lock()
	m.calls++
	m.lastCall = time.Now()
	m.mu.Unlock()

	if m.RunFunc != nil {
		return m.RunFunc(ctx)
	}
	return nil
}

// CallCount returns the number of times Run was called.
func (m *MockJob) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastCall returns the time of the last Run call.
func (m *MockJob) LastCall() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCall
}

// MockMaintainer is a test double for cron.Maintainer and cron.Backupper.
type MockMaintainer struct {
	CleanupFunc  func(ctx context.Context) (int, error)
	MaintainFunc func(ctx context.Context) (int, error)
	PressureFunc func(ctx context.Context) (float64, bool, error)
	OptimizeFunc func(ctx context.Context) error
	FullFunc     func(ctx context.Context) (string, error)
	AutoFunc     func(ctx context.Context) (int, error)

	CleanupCalls  atomic.Int32
	MaintainCalls atomic.Int32
	PressureCalls atomic.Int32
	OptimizeCalls atomic.Int32
	FullCalls     atomic.Int32
	AutoCalls     atomic.Int32
}

// Compile-time interface checks.
var (
	_ cron.Maintainer = (*MockMaintainer)(nil)
	_ cron.Backupper  = (*MockMaintainer)(nil)
)

// CleanupCheck implements cron.Maintainer.
func (m *MockMaintainer) CleanupCheck(ctx context.Context) (int, error) {
	m.CleanupCalls.Add(1)
	if m.CleanupFunc != nil {
		return m.CleanupFunc(ctx)
	}
	return 0, nil
}

// Maintain implements cron.Maintainer.
func (m *MockMaintainer) Maintain(ctx context.Context) (int, error) {
	m.MaintainCalls.Add(1)
	if m.MaintainFunc != nil {
		return m.MaintainFunc(ctx)
	}
	return 0, nil
}

// CheckPressure implements cron.Maintainer.
func (m *MockMaintainer) CheckPressure(ctx context.Context) (float64, bool, error) {
	m.PressureCalls.Add(1)
	if m.PressureFunc != nil {
		return m.PressureFunc(ctx)
	}
	return 0, false, nil
}

// Optimize implements cron.Maintainer.
func (m *MockMaintainer) Optimize(ctx context.Context) error {
	m.OptimizeCalls.Add(1)
	if m.OptimizeFunc != nil {
		return m.OptimizeFunc(ctx)
	}
	return nil
}

// FullBackup implements cron.Backupper.
func (m *MockMaintainer) FullBackup(ctx context.Context) (string, error) {
	m.FullCalls.Add(1)
	if m.FullFunc != nil {
		return m.FullFunc(ctx)
	}
	return "", nil
}

// AutoBackup implements cron.Backupper.
func (m *MockMaintainer) AutoBackup(ctx context.Context) (int, error) {
	m.AutoCalls.Add(1)
	if m.AutoFunc != nil {
		return m.AutoFunc(ctx)
	}
	return 0, nil
}
