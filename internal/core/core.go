package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const shutdownTimeout = 30 * time.Second

// App manages the lifecycle of a set of modules.
type App struct {
	ctx     *AppContext
	modules []moduleInstance
	logger  *slog.Logger
}

type moduleInstance struct {
	id      ModuleID
	module  Module
	started bool
}

// NewApp creates a new App with the given context.
func NewApp(ctx *AppContext) *App {
	return &App{
		ctx:    ctx,
		logger: ctx.Logger.With("component", "core"),
	}
}

// Load provisions and validates modules in order and appends them to the
// app. The lifecycle order per module is:
//
//	Provision() → Validate()
//
// If any step fails, already-loaded modules are cleaned up.
func (a *App) Load(mods ...Module) error {
	for _, mod := range mods {
		id := mod.ModuleInfo().ID
		if id == "" {
			a.Unload()
			return fmt.Errorf("loading module: ID must not be empty")
		}
		if _, dup := a.Module(id); dup {
			a.Unload()
			return fmt.Errorf("loading module %s: already loaded", id)
		}

		if p, ok := mod.(Provisioner); ok {
			if err := p.Provision(a.ctx.ForModule(id)); err != nil {
				a.Unload()
				return fmt.Errorf("provisioning module %s: %w", id, err)
			}
		}
		if v, ok := mod.(Validator); ok {
			if err := v.Validate(); err != nil {
				a.Unload()
				return fmt.Errorf("validating module %s: %w", id, err)
			}
		}

		a.modules = append(a.modules, moduleInstance{id: id, module: mod})
		a.logger.Info("module loaded", "module", string(id))
	}
	return nil
}

// Module returns a loaded module by ID.
func (a *App) Module(id ModuleID) (Module, bool) {
	for _, mi := range a.modules {
		if mi.id == id {
			return mi.module, true
		}
	}
	return nil, false
}

// Start starts all loaded modules that implement Starter, in order.
// If any Start() fails, already-started modules are stopped in reverse order.
func (a *App) Start(ctx context.Context) error {
	for i := range a.modules {
		mi := &a.modules[i]
		s, ok := mi.module.(Starter)
		if !ok {
			mi.started = true
			continue
		}
		a.logger.Info("starting module", "module", string(mi.id))
		if err := s.Start(ctx); err != nil {
			a.logger.Error("module start failed", "module", string(mi.id), "error", err)
			a.stopModules(i - 1)
			return fmt.Errorf("starting module %s: %w", mi.id, err)
		}
		mi.started = true
	}
	a.logger.Info("all modules started")
	return nil
}

// Stop stops all started modules in reverse order with a timeout.
func (a *App) Stop() {
	a.stopModules(len(a.modules) - 1)
}

func (a *App) stopModules(fromIndex int) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := fromIndex; i >= 0; i-- {
		mi := &a.modules[i]
		if !mi.started {
			continue
		}
		if s, ok := mi.module.(Stopper); ok {
			a.logger.Info("stopping module", "module", string(mi.id))
			if err := s.Stop(ctx); err != nil {
				a.logger.Error("module stop error", "module", string(mi.id), "error", err)
			}
		}
		mi.started = false
	}
}

// Unload stops every loaded module, started or not, and forgets them. It
// releases an app that was loaded but never run.
func (a *App) Unload() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	for i := len(a.modules) - 1; i >= 0; i-- {
		mi := &a.modules[i]
		if s, ok := mi.module.(Stopper); ok {
			_ = s.Stop(ctx)
		}
	}
	a.modules = nil
}

// Run starts all modules and blocks until ctx is done or a shutdown signal
// is received.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("shutdown signal received")

	a.Stop()
	a.logger.Info("shutdown complete")
	return nil
}
