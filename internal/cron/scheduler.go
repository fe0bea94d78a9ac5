package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/robfig/cron/v3"
)

// scheduleParser accepts standard 5-field expressions and @descriptors.
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a schedule expression.
func ParseSchedule(expr string) error {
	_, err := scheduleParser.Parse(expr)
	return err
}

// Every returns the descriptor for a fixed interval.
func Every(d time.Duration) string {
	return "@every " + d.String()
}

// JobStatus reports the health of a registered job.
type JobStatus struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	Runs      int       `json:"runs"`
	Failures  int       `json:"failures"`
	Skipped   int       `json:"skipped"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	NextRetry time.Time `json:"next_retry,omitzero"`
}

// supervised wraps a job with its run lock and failure backoff.
type supervised struct {
	job  Job
	lock sync.Mutex

	mu       sync.Mutex
	backoff  *backoff.ExponentialBackOff
	status   JobStatus
	failures int // consecutive
}

// Scheduler manages periodic job execution using cron expressions.
// Each job is protected by a per-job mutex to prevent parallel execution
// of the same job (uses TryLock, atomic, no race). After a failure, ticks
// are skipped until an exponential backoff delay has passed.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   []*supervised
	names  map[string]*supervised
	logger *slog.Logger
	cancel context.CancelFunc
	now    func() time.Time
}

// NewScheduler creates a scheduler. Jobs must be registered before Start().
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		names:  make(map[string]*supervised),
		logger: logger,
		now:    time.Now,
	}
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 30 * time.Second
	b.MaxInterval = 30 * time.Minute
	return b
}

// RegisterJob adds a job to the scheduler. Must be called before Start().
// Returns an error if a job with the same name is already registered.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, exists := s.names[name]; exists {
		return fmt.Errorf("cron: duplicate job name %q", name)
	}

	sj := &supervised{
		job:     j,
		backoff: newBackoff(),
		status:  JobStatus{Name: name, Schedule: j.Schedule()},
	}
	s.names[name] = sj
	s.jobs = append(s.jobs, sj)
	return nil
}

// Start initializes the cron scheduler and begins executing registered jobs.
// Returns an error if any job has an invalid schedule expression.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.cron = cron.New(cron.WithParser(scheduleParser))

	for _, sj := range s.jobs {
		if _, err := s.cron.AddFunc(sj.job.Schedule(), func() { s.tick(ctx, sj) }); err != nil {
			cancel()
			return fmt.Errorf("cron: invalid schedule for job %q: %w", sj.job.Name(), err)
		}
	}

	s.cron.Start()
	s.logger.Info("cron: scheduler started", "jobs", len(s.jobs))
	return nil
}

// tick runs a job unless it is still running or backing off.
func (s *Scheduler) tick(ctx context.Context, sj *supervised) {
	name := sj.job.Name()

	// TryLock is atomic: no race between check and acquire.
	// If the previous tick is still running, skip this one.
	if !sj.lock.TryLock() {
		s.logger.Warn("cron: job still running, skipping tick", "job", name)
		sj.mu.Lock()
		sj.status.Skipped++
		sj.mu.Unlock()
		return
	}
	defer sj.lock.Unlock()

	now := s.now()
	sj.mu.Lock()
	retry := sj.status.NextRetry
	sj.mu.Unlock()
	if now.Before(retry) {
		s.logger.Debug("cron: job backing off, skipping tick", "job", name, "retry_at", retry)
		sj.mu.Lock()
		sj.status.Skipped++
		sj.mu.Unlock()
		return
	}

	s.logger.Debug("cron: job started", "job", name)
	err := sj.job.Run(ctx)
	s.record(sj, now, err)
}

func (s *Scheduler) record(sj *supervised, at time.Time, err error) {
	name := sj.job.Name()

	sj.mu.Lock()
	defer sj.mu.Unlock()

	sj.status.Runs++
	sj.status.LastRun = at

	switch {
	case err == nil:
		sj.failures = 0
		sj.backoff.Reset()
		sj.status.LastError = ""
		sj.status.NextRetry = time.Time{}
		s.logger.Debug("cron: job completed", "job", name)
	case errors.Is(err, context.Canceled):
		// Shutdown in progress; cancellation is a clean stop.
		s.logger.Debug("cron: job cancelled", "job", name)
	default:
		sj.failures++
		sj.status.Failures++
		sj.status.LastError = err.Error()
		delay := sj.backoff.NextBackOff()
		sj.status.NextRetry = at.Add(delay)
		s.logger.Error("cron: job failed",
			"job", name,
			"error", err,
			"consecutive_failures", sj.failures,
			"retry_in", delay,
		)
	}
}

// RunNow executes a registered job immediately, honoring the same run lock
// as scheduled ticks but not the failure backoff.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	sj, ok := s.names[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("cron: unknown job %q", name)
	}

	if !sj.lock.TryLock() {
		return fmt.Errorf("cron: job %q already running", name)
	}
	defer sj.lock.Unlock()

	now := s.now()
	err := sj.job.Run(ctx)
	s.record(sj, now, err)
	return err
}

// Status returns the state of every registered job, sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	jobs := append([]*supervised(nil), s.jobs...)
	s.mu.Unlock()

	out := make([]JobStatus, 0, len(jobs))
	for _, sj := range jobs {
		sj.mu.Lock()
		out = append(out, sj.status)
		sj.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stop cancels running jobs and waits for them to return, or for ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	if s.cron == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		// Stop's context is done once in-flight jobs have returned.
		<-s.cron.Stop().Done()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("cron: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: stop: %w", ctx.Err())
	}
}
