package gateway

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/flemzord/tiermem/internal/telemetry"
)

// Handler constructs the chi mux with all routes wired.
func (g *Gateway) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(g.metrics.instrument)

	// Public, no auth required.
	r.Get("/health", g.handleHealth())
	if g.opts.Registry != nil {
		r.Handle("/metrics", telemetry.Handler(g.opts.Registry))
	}

	// Admin endpoints require auth and are not mounted without it.
	if g.config.Auth.IsConfigured() {
		r.Group(func(r chi.Router) {
			if g.config.RequestsPerMin > 0 {
				r.Use(newRateLimiter(g.config.RequestsPerMin, time.Minute).middleware)
			}
			r.Use(authMiddleware(g.config.Auth, g.logger))
			r.Use(middleware.RequestSize(g.config.MaxBodyBytes))
			r.Get("/status", g.handleStatus())
			r.Route("/api", func(r chi.Router) {
				r.Get("/stats", g.handleStats())
				r.Post("/optimize", g.handleOptimize())
				r.Post("/migrate", g.handleMigrate())

				r.Route("/conversations/{id}", func(r chi.Router) {
					r.Post("/memories", g.handleStore())
					r.Get("/memories", g.handleRetrieve())
					r.Get("/overview", g.handleOverview())
					r.Delete("/", g.handleDelete())
				})

				r.Get("/backups", g.handleListBackups())
				r.Post("/backups", g.handleBackup())
				r.Post("/backups/restore", g.handleRestore())
			})
		})
	}

	return r
}
