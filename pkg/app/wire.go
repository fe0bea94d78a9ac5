package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/option"

	"github.com/flemzord/tiermem/internal/blob"
	"github.com/flemzord/tiermem/internal/config"
	"github.com/flemzord/tiermem/internal/core"
	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/engine"
	"github.com/flemzord/tiermem/internal/memory"
	"github.com/flemzord/tiermem/internal/synth"
	"github.com/flemzord/tiermem/internal/telemetry"
	"github.com/flemzord/tiermem/modules/memory/sqlite"
	"github.com/flemzord/tiermem/modules/synth/anthropic"
)

// tracingModule owns the tracer provider. It is loaded first so it is
// stopped last and flushes spans from every other module.
type tracingModule struct {
	config   telemetry.TracingConfig
	provider trace.TracerProvider
	shutdown telemetry.ShutdownFunc
}

var (
	_ core.Provisioner = (*tracingModule)(nil)
	_ core.Stopper     = (*tracingModule)(nil)
)

func (m *tracingModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "telemetry.tracing"}
}

func (m *tracingModule) Provision(ctx *core.AppContext) error {
	provider, shutdown, err := telemetry.SetupTracing(context.Background(), m.config)
	if err != nil {
		return err
	}
	m.provider, m.shutdown = provider, shutdown
	if m.config.Endpoint != "" {
		ctx.Logger.Info("span export enabled", "endpoint", m.config.Endpoint)
	}
	return nil
}

func (m *tracingModule) Stop(ctx context.Context) error {
	if m.shutdown == nil {
		return nil
	}
	return m.shutdown(ctx)
}

// engineModule builds the engine's capabilities from configuration at
// Provision time, initializes the engine on Start and shuts it down on Stop.
type engineModule struct {
	config     *config.Config
	registry   prometheus.Registerer
	tracer     trace.Tracer
	noSchedule bool

	engine  *engine.Engine
	backend durable.Backend
	blobs   blob.Store
	synth   memory.Synthesizer
}

var (
	_ core.Provisioner = (*engineModule)(nil)
	_ core.Starter     = (*engineModule)(nil)
	_ core.Stopper     = (*engineModule)(nil)
)

func (m *engineModule) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "memory.engine"}
}

func (m *engineModule) Provision(ctx *core.AppContext) error {
	cfg := m.config
	bg := context.Background()

	if cfg.Engine.EnablePersistence {
		backend, err := openBackend(bg, cfg, ctx)
		if err != nil {
			return err
		}
		m.backend = backend
	}

	blobs, err := openBlobs(bg, cfg)
	if err != nil {
		m.closeBackend()
		return err
	}
	m.blobs = blobs

	m.synth = newSynth(cfg, ctx)

	var metrics *telemetry.Metrics
	if m.registry != nil {
		metrics = telemetry.NewMetrics(m.registry)
	}

	m.engine = engine.New(engine.Deps{
		Backend:    m.backend,
		Blobs:      blobs,
		Synth:      m.synth,
		Metrics:    metrics,
		Tracer:     m.tracer,
		Logger:     ctx.Logger,
		NoSchedule: m.noSchedule,
	})
	return nil
}

func (m *engineModule) Start(ctx context.Context) error {
	return m.engine.Initialize(ctx, m.config.Engine)
}

// Stop shuts the engine down. An engine that never started still owns
// its backend, which is closed here.
func (m *engineModule) Stop(ctx context.Context) error {
	defer m.closeBlobs()
	if m.engine == nil {
		m.closeBackend()
		return nil
	}
	err := m.engine.Shutdown(ctx)
	if errors.Is(err, memory.ErrNotInitialized) {
		m.closeBackend()
		return nil
	}
	return err
}

func (m *engineModule) closeBlobs() {
	if c, ok := m.blobs.(io.Closer); ok {
		_ = c.Close()
	}
}

func (m *engineModule) closeBackend() {
	if m.backend != nil {
		_ = m.backend.Close()
	}
}

// openBackend returns the configured durable backend.
func openBackend(ctx context.Context, cfg *config.Config, app *core.AppContext) (durable.Backend, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return sqlite.Open(ctx, cfg.Storage.SQLite, app.DataDir, app.Logger)
	case config.BackendMemory, "":
		return durable.NewMemBackend(), nil
	default:
		return nil, fmt.Errorf("app: unknown storage backend %q", cfg.Storage.Backend)
	}
}

// openBlobs returns the configured backup store, or nil when backups are
// disabled.
func openBlobs(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	switch cfg.Backup.Store {
	case config.BackupNone:
		return nil, nil
	case config.BackupFS, "":
		return blob.NewFS(cfg.BackupDir())
	case config.BackupGCS:
		var opts []option.ClientOption
		if cfg.Backup.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.Backup.CredentialsFile))
		}
		return blob.NewGCS(ctx, cfg.Backup.Bucket, cfg.Backup.Prefix, opts...)
	default:
		return nil, fmt.Errorf("app: unknown backup store %q", cfg.Backup.Store)
	}
}

func newSynth(cfg *config.Config, app *core.AppContext) memory.Synthesizer {
	if cfg.Synthesizer.Provider == config.SynthAnthropic {
		s := anthropic.New(cfg.Synthesizer.Anthropic, app.Logger)
		app.Logger.Info("llm synthesizer enabled", "model", s.Model())
		return s
	}
	return synth.Extractive{}
}
