// Package engine is the facade over the memory tiers. It wires the working
// set, the durable store, the optimizer and the synthesis layer, owns the
// retention policy, and supervises the background tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/flemzord/tiermem/internal/blob"
	"github.com/flemzord/tiermem/internal/cron"
	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/memory"
	"github.com/flemzord/tiermem/internal/optimizer"
	"github.com/flemzord/tiermem/internal/scoring"
	"github.com/flemzord/tiermem/internal/synth"
	"github.com/flemzord/tiermem/internal/synthesis"
	"github.com/flemzord/tiermem/internal/telemetry"
	"github.com/flemzord/tiermem/internal/workingset"
)

const finalBackupTimeout = 30 * time.Second

// Errors returned by the facade in addition to the memory taxonomy.
var (
	ErrPersistenceDisabled = errors.New("engine: persistence disabled")
	ErrAlreadyInitialized  = errors.New("engine: already initialized")
	ErrInvalidArgument     = errors.New("engine: invalid argument")

	errEmptyConversation = fmt.Errorf("%w: conversation id must not be empty", ErrInvalidArgument)
)

type state int32

const (
	stateNew state = iota
	stateReady
	stateClosing
	stateClosed
)

// Deps are the capabilities the engine is built from. Every field is
// optional.
type Deps struct {
	// Backend persists durable records. Defaults to an in-memory backend.
	Backend durable.Backend

	// Blobs holds backup archives. Nil disables backups and recovery.
	Blobs blob.Store

	// Scorer defaults to scoring.Heuristic.
	Scorer memory.Scorer

	// Synth defaults to synth.Extractive.
	Synth memory.Synthesizer

	// Gauge defaults to a process RSS gauge sized by MaxMemorySizeMB.
	Gauge optimizer.PressureGauge

	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *slog.Logger
	Now     func() time.Time

	// NoSchedule disables the background tasks. One-shot commands set it.
	NoSchedule bool
}

// Engine is the memory facade. It must be initialized before use and
// rejects every call once shut down.
type Engine struct {
	deps    Deps
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *telemetry.Metrics

	state atomic.Int32

	// life is held shared by every operation and exclusively by Shutdown
	// while it closes the tiers.
	life   sync.RWMutex
	initMu sync.Mutex

	cfg       Config
	store     *durable.Store
	ws        *workingset.Manager
	opt       *optimizer.Optimizer
	layer     *synthesis.Layer
	cache     *resultCache
	scheduler *cron.Scheduler
	started   time.Time

	bufMu   sync.Mutex
	buffers map[string]*chunkBuffer
}

// New returns an engine that still needs Initialize.
func New(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if deps.Scorer == nil {
		deps.Scorer = scoring.Heuristic{}
	}
	if deps.Synth == nil {
		deps.Synth = synth.Extractive{}
	}
	return &Engine{
		deps:    deps,
		logger:  deps.Logger.With("component", "engine"),
		tracer:  deps.Tracer,
		metrics: deps.Metrics,
		buffers: make(map[string]*chunkBuffer),
	}
}

// Initialize builds the tiers from cfg and starts the background tasks.
func (e *Engine) Initialize(ctx context.Context, cfg Config) error {
	e.initMu.Lock()
	defer e.initMu.Unlock()

	switch state(e.state.Load()) {
	case stateNew:
	case stateReady:
		return ErrAlreadyInitialized
	default:
		return memory.ErrShutdown
	}

	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := e.build(ctx, cfg); err != nil {
		e.closeTiers()
		return err
	}

	e.cfg = cfg
	e.started = e.deps.Now()
	e.state.Store(int32(stateReady))

	if e.scheduler != nil {
		if err := e.scheduler.Start(); err != nil {
			e.state.Store(int32(stateNew))
			e.closeTiers()
			return fmt.Errorf("engine: start background tasks: %w", err)
		}
	}

	e.logger.Info("engine initialized",
		"persistence", cfg.EnablePersistence,
		"optimization", cfg.EnableOptimization,
		"summarization", cfg.EnableSummarization,
		"max_entries", cfg.MaxMemoryEntries,
	)
	return nil
}

func (e *Engine) build(ctx context.Context, cfg Config) error {
	logger := e.deps.Logger

	wsOpts := workingset.Options{
		MaxEntries: cfg.MaxMemoryEntries,
		Scorer:     e.deps.Scorer,
		Policy:     cfg.Retention,
		Logger:     logger,
		Now:        e.deps.Now,
	}
	if cfg.EnableSummarization {
		wsOpts.Synth = e.deps.Synth
	}

	optOpts := optimizer.Options{
		Policy:            cfg.Retention,
		Gauge:             e.deps.Gauge,
		PressureThreshold: cfg.PressureThreshold,
		CriticalThreshold: cfg.CriticalThreshold,
		Logger:            logger,
		Now:               e.deps.Now,
	}
	if optOpts.Gauge == nil {
		optOpts.Gauge = optimizer.NewProcessGauge(cfg.MaxMemorySizeMB)
	}

	if cfg.EnablePersistence {
		backend := e.deps.Backend
		if backend == nil {
			backend = durable.NewMemBackend()
		}
		store, err := durable.New(ctx, backend, e.deps.Blobs, durable.Options{
			Logger: logger,
			Now:    e.deps.Now,
		})
		if err != nil {
			return fmt.Errorf("engine: open durable store: %w", err)
		}
		// New records are stamped with the store's version, so bring it to
		// the format this build writes before accepting traffic.
		if n, err := store.MigrateSchema(ctx, durable.LatestSchemaVersion); err != nil {
			logger.Warn("engine: record schema not upgraded",
				"version", store.SchemaVersion(),
				"error", err,
			)
		} else if n > 0 {
			logger.Info("engine: record schema upgraded", "version", store.SchemaVersion(), "records", n)
		}
		e.store = store
		wsOpts.Source = store
		optOpts.Durable = store
	}

	ws, err := workingset.New(wsOpts)
	if err != nil {
		return fmt.Errorf("engine: create working set: %w", err)
	}
	e.ws = ws
	e.opt = optimizer.New(ws, optOpts)
	e.layer = synthesis.New(synthesis.Options{
		Threshold: cfg.AutoSummarizeThreshold,
		Synth:     e.deps.Synth,
		Logger:    logger,
		Now:       e.deps.Now,
	})

	cache, err := newResultCache()
	if err != nil {
		return err
	}
	e.cache = cache

	if !e.deps.NoSchedule {
		e.scheduler, err = e.newScheduler(cfg)
		if err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) newScheduler(cfg Config) (*cron.Scheduler, error) {
	s := cron.NewScheduler(e.deps.Logger.With("component", "tasks"))
	logger := e.deps.Logger

	var jobs []cron.Job
	if cfg.EnableOptimization {
		jobs = append(jobs,
			&cron.CleanupCheckJob{Target: e, Logger: logger},
			&cron.MaintenanceJob{Target: e, Logger: logger},
			&cron.PressureMonitorJob{Target: e, Logger: logger},
			&cron.OptimizationJob{Target: e, Logger: logger, ScheduleExpr: cron.Every(cfg.optimizationInterval())},
		)
	}
	if cfg.EnablePersistence && e.deps.Blobs != nil {
		jobs = append(jobs,
			&cron.FullBackupJob{Target: e, Logger: logger, ScheduleExpr: cron.Every(cfg.backupInterval())},
			&cron.AutoBackupJob{Target: e, Logger: logger},
		)
	}
	for _, j := range jobs {
		if err := s.RegisterJob(j); err != nil {
			return nil, fmt.Errorf("engine: register task: %w", err)
		}
	}
	return s, nil
}

// enter admits an operation. The returned func must be called when it ends.
func (e *Engine) enter() (func(), error) {
	e.life.RLock()
	switch state(e.state.Load()) {
	case stateReady:
		return e.life.RUnlock, nil
	case stateNew:
		e.life.RUnlock()
		return nil, memory.ErrNotInitialized
	default:
		e.life.RUnlock()
		return nil, memory.ErrShutdown
	}
}

// Shutdown stops the background tasks, attempts a final backup and closes
// the tiers. The final backup is best-effort; its failure is logged and
// does not fail the shutdown.
func (e *Engine) Shutdown(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(stateReady), int32(stateClosing)) {
		switch state(e.state.Load()) {
		case stateNew:
			return memory.ErrNotInitialized
		default:
			return memory.ErrShutdown
		}
	}

	var errs []error
	if e.scheduler != nil {
		if err := e.scheduler.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if e.store != nil && e.deps.Blobs != nil {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalBackupTimeout)
		h, err := e.store.Backup(bctx)
		cancel()
		e.metrics.ObserveBackup(durable.BackupFull, err)
		if err != nil {
			e.logger.Warn("engine: final backup failed", "error", err)
		} else {
			e.logger.Info("engine: final backup written", "handle", h)
		}
	}

	// Wait for in-flight operations before closing the tiers.
	locked := make(chan struct{})
	go func() {
		e.life.Lock()
		close(locked)
	}()
	select {
	case <-locked:
		defer e.life.Unlock()
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("engine: waiting for in-flight operations: %w", ctx.Err()))
		go func() {
			<-locked
			e.life.Unlock()
		}()
	}

	e.closeTiers()
	e.state.Store(int32(stateClosed))
	e.logger.Info("engine shut down")
	return errors.Join(errs...)
}

func (e *Engine) closeTiers() {
	if e.cache != nil {
		e.cache.close()
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("engine: close durable store", "error", err)
		}
	}
}

// span starts a span for a facade operation.
func (e *Engine) span(ctx context.Context, op, conversationID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{}
	if conversationID != "" {
		attrs = append(attrs, attribute.String("conversation.id", conversationID))
	}
	return e.tracer.Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

// finish ends span, recording err and the operation latency.
func (e *Engine) finish(span trace.Span, op string, start time.Time, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	e.metrics.ObserveDuration(op, time.Since(start))
}

// degrade logs and counts a fallback.
func (e *Engine) degrade(ds *[]memory.Degradation, d memory.Degradation) {
	*ds = append(*ds, d)
	e.metrics.ObserveDegradation(d.Component)
	e.logger.Warn("engine: degraded",
		"component", d.Component,
		"fallback", d.Fallback,
		"cause", d.Cause,
	)
}

// opContext bounds a durable-store call.
func (e *Engine) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.OperationTimeout)
}

// Config returns the active configuration.
func (e *Engine) Config() Config { return e.cfg }
