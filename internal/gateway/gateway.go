// Package gateway provides the HTTP administration surface over the memory
// engine: health, status, Prometheus metrics and an authenticated admin API.
// It binds to loopback by default and follows the module system pattern.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flemzord/tiermem/internal/core"
	"github.com/flemzord/tiermem/internal/durable"
	"github.com/flemzord/tiermem/internal/engine"
	"github.com/flemzord/tiermem/internal/memory"
)

// Memory is the engine surface the gateway serves.
type Memory interface {
	StoreMemory(ctx context.Context, conversationID, userInput, content string, mc *memory.Context) (engine.StoreStatus, error)
	RetrieveMemory(ctx context.Context, conversationID, query string, mc *memory.Context) (engine.RetrieveResult, error)
	OptimizeMemory(ctx context.Context) (engine.OptimizeStatus, error)
	SystemStats(ctx context.Context) (engine.SystemStats, error)
	ConversationOverview(ctx context.Context, conversationID string) (engine.ConversationOverview, error)
	DeleteConversation(ctx context.Context, conversationID string) (engine.DeleteStatus, error)
	Backup(ctx context.Context, conversationIDs ...string) (durable.Handle, error)
	IncrementalBackup(ctx context.Context, since time.Time) (durable.Handle, error)
	ListBackups(ctx context.Context) ([]durable.Handle, error)
	Restore(ctx context.Context, h durable.Handle, verify bool) (durable.RestoreResult, error)
	MigrateSchema(ctx context.Context, target int) (int, error)
}

// HealthChecker is implemented by capabilities that can report their
// upstream, such as an LLM synthesizer.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options are the optional collaborators of a Gateway.
type Options struct {
	// Registry backs GET /metrics. Nil disables the endpoint.
	Registry *prometheus.Registry

	// Synth is checked by GET /health when set.
	Synth HealthChecker
}

// Gateway is the HTTP gateway module. It is a leaf module; nothing imports it.
type Gateway struct {
	config    Config
	mem       Memory
	opts      Options
	logger    *slog.Logger
	server    *http.Server
	listener  net.Listener
	metrics   *Metrics
	startedAt time.Time
}

var (
	_ core.Provisioner = (*Gateway)(nil)
	_ core.Validator   = (*Gateway)(nil)
	_ core.Starter     = (*Gateway)(nil)
	_ core.Stopper     = (*Gateway)(nil)
)

// New returns a gateway serving mem.
func New(cfg Config, mem Memory, opts Options) *Gateway {
	cfg.defaults()
	return &Gateway{
		config:  cfg,
		mem:     mem,
		opts:    opts,
		logger:  slog.Default(),
		metrics: &Metrics{},
	}
}

// ModuleInfo implements core.Module.
func (g *Gateway) ModuleInfo() core.ModuleInfo {
	return core.ModuleInfo{ID: "gateway.http"}
}

// Provision implements core.Provisioner.
func (g *Gateway) Provision(ctx *core.AppContext) error {
	g.logger = ctx.Logger
	if !g.config.Auth.IsConfigured() {
		g.logger.Warn("no gateway auth configured, admin API not mounted")
	}
	return nil
}

// Validate implements core.Validator.
func (g *Gateway) Validate() error {
	if _, err := net.ResolveTCPAddr("tcp", g.config.Bind); err != nil {
		return errors.New("gateway: invalid bind address: " + g.config.Bind)
	}
	if g.mem == nil {
		return errors.New("gateway: no memory engine")
	}
	return nil
}

// Start implements core.Starter.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()

	g.server = &http.Server{
		Addr:         g.config.Bind,
		Handler:      g.Handler(),
		ReadTimeout:  g.config.ReadTimeout,
		WriteTimeout: g.config.WriteTimeout,
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.config.Bind)
	if err != nil {
		return fmt.Errorf("gateway: listen failed: %w", err)
	}
	g.listener = ln

	go func() {
		g.logger.Info("gateway listening", "addr", ln.Addr().String())
		if err := g.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway serve error", "error", err)
		}
	}()

	return nil
}

// Addr returns the address the gateway listens on, or "" before Start.
func (g *Gateway) Addr() string {
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop implements core.Stopper. Graceful shutdown with configured timeout.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, g.config.ShutdownTimeout)
	defer cancel()

	g.logger.Info("gateway shutting down")
	return g.server.Shutdown(shutdownCtx)
}
