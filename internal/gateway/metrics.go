package gateway

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Metrics tracks gateway-level counters using atomic operations for lock-free concurrency.
type Metrics struct {
	requests     atomic.Int64
	clientErrors atomic.Int64
	serverErrors atomic.Int64
	totalLatency atomic.Int64 // nanoseconds
}

// RecordRequest records a served request.
func (m *Metrics) RecordRequest(status int, latency time.Duration) {
	m.requests.Add(1)
	m.totalLatency.Add(int64(latency))
	switch {
	case status >= 500:
		m.serverErrors.Add(1)
	case status >= 400:
		m.clientErrors.Add(1)
	}
}

// Snapshot returns a consistent point-in-time view of the counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	requests := m.requests.Load()
	snap := MetricsSnapshot{
		Requests:     requests,
		ClientErrors: m.clientErrors.Load(),
		ServerErrors: m.serverErrors.Load(),
	}
	if requests > 0 {
		snap.AvgLatency = time.Duration(m.totalLatency.Load() / requests)
	}
	return snap
}

// MetricsSnapshot is a serializable point-in-time metrics view.
type MetricsSnapshot struct {
	Requests     int64         `json:"requests"`
	ClientErrors int64         `json:"client_errors"`
	ServerErrors int64         `json:"server_errors"`
	AvgLatency   time.Duration `json:"avg_latency_ns"`
}

// instrument records every request in m.
func (m *Metrics) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordRequest(status, time.Since(start))
	})
}
