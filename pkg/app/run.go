// Package app assembles the tiermem components from configuration and
// runs them under the module lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flemzord/tiermem/internal/config"
	"github.com/flemzord/tiermem/internal/core"
	"github.com/flemzord/tiermem/internal/engine"
	"github.com/flemzord/tiermem/internal/gateway"
	"github.com/flemzord/tiermem/internal/logging"
	"github.com/flemzord/tiermem/internal/telemetry"
)

// RunParams configures the main application loop.
type RunParams struct {
	// ConfigPath is an explicit path to the YAML configuration file.
	// If empty, ResolveConfigPath is called automatically.
	ConfigPath string

	// Version, Commit, and Date are injected at build time via ldflags.
	Version string
	Commit  string
	Date    string

	// DataDir overrides the data_dir configuration key.
	DataDir string

	// LogLevel overrides the logging.level configuration key.
	LogLevel string
}

// LoadConfig resolves, loads and validates the configuration named by
// params, applying the overrides it carries. Without an explicit path and
// with no file in the standard locations, the defaults are used with data
// under DefaultDataDir.
func LoadConfig(params RunParams) (*config.Config, error) {
	var cfg *config.Config
	cfgPath := params.ConfigPath
	if cfgPath == "" {
		if resolved, err := ResolveConfigPath(); err == nil {
			cfgPath = resolved
		}
	}

	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		d := config.Default()
		d.DataDir = DefaultDataDir()
		cfg = &d
	}

	if params.DataDir != "" {
		cfg.DataDir = params.DataDir
	}
	if params.LogLevel != "" {
		cfg.Logging.Level = params.LogLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Options tune Assemble.
type Options struct {
	// OneShot builds the engine without background tasks or the gateway,
	// for commands that run a single operation and exit.
	OneShot bool

	// Logger replaces the logger built from the logging configuration.
	Logger *slog.Logger
}

// Stack is the assembled application.
type Stack struct {
	App      *core.App
	Engine   *engine.Engine
	Gateway  *gateway.Gateway
	Registry *prometheus.Registry
	Logger   *slog.Logger

	closeLog func() error
}

// Assemble builds every module named by cfg and loads them into a core.App.
// Modules are provisioned and validated but not started. A failed load
// has already released the modules loaded before it.
func Assemble(cfg *config.Config, opts Options) (*Stack, error) {
	logger := opts.Logger
	closeLog := func() error { return nil }
	if logger == nil {
		l, closer, err := logging.Setup(cfg.Logging, secrets(cfg)...)
		if err != nil {
			return nil, err
		}
		logger, closeLog = l, closer
	}

	appCtx := core.NewAppContext(logger, cfg.DataDir)
	application := core.NewApp(appCtx)
	registry := telemetry.NewRegistry()

	tracing := &tracingModule{config: cfg.Tracing}
	if err := application.Load(tracing); err != nil {
		_ = closeLog()
		return nil, err
	}

	mem := &engineModule{
		config:     cfg,
		registry:   registry,
		tracer:     tracing.provider.Tracer("github.com/flemzord/tiermem"),
		noSchedule: opts.OneShot,
	}
	if err := application.Load(mem); err != nil {
		_ = closeLog()
		return nil, err
	}

	st := &Stack{
		App:      application,
		Engine:   mem.engine,
		Registry: registry,
		Logger:   logger,
		closeLog: closeLog,
	}

	if !opts.OneShot && !cfg.Gateway.Disabled {
		gwOpts := gateway.Options{Registry: registry}
		if hc, ok := mem.synth.(gateway.HealthChecker); ok {
			gwOpts.Synth = hc
		}
		gw := gateway.New(cfg.Gateway, mem.engine, gwOpts)
		if err := application.Load(gw); err != nil {
			_ = closeLog()
			return nil, err
		}
		st.Gateway = gw
	}
	return st, nil
}

// secrets lists the configured credentials masked in log output.
func secrets(cfg *config.Config) []string {
	out := []string{cfg.Gateway.Auth.BearerToken, cfg.Gateway.Auth.BasicPass}
	if cfg.Synthesizer.Provider == config.SynthAnthropic {
		out = append(out, cfg.Synthesizer.Anthropic.Key())
	}
	return out
}

// Close releases resources held outside the module lifecycle.
func (s *Stack) Close() error {
	return s.closeLog()
}

// Run loads configuration, starts all modules, and blocks until ctx is
// done or a shutdown signal is received.
func Run(ctx context.Context, params RunParams) error {
	cfg, err := LoadConfig(params)
	if err != nil {
		return err
	}

	st, err := Assemble(cfg, Options{})
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	st.Logger.Info("tiermem starting",
		"version", params.Version,
		"commit", params.Commit,
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Backend,
		"backup", cfg.Backup.Store,
	)
	return st.App.Run(ctx)
}

// ResolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/tiermem/tiermem.yaml → ~/.config/tiermem/tiermem.yaml → ./tiermem.yaml
func ResolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "tiermem", "tiermem.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "tiermem", "tiermem.yaml"))
	}

	candidates = append(candidates, "tiermem.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}

// DefaultDataDir returns the default persistent data directory.
// Uses $XDG_DATA_HOME/tiermem if set, otherwise ~/.local/share/tiermem.
func DefaultDataDir() string {
	if dir, ok := os.LookupEnv("XDG_DATA_HOME"); ok {
		return filepath.Join(dir, "tiermem")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share", "tiermem")
}
