package gateway

import (
	"net/http"
	"time"

	"github.com/flemzord/tiermem/internal/engine"
)

// StatusResponse is the JSON response for GET /status.
type StatusResponse struct {
	Uptime  float64            `json:"uptime_seconds"`
	Gateway MetricsSnapshot    `json:"gateway"`
	Engine  engine.SystemStats `json:"engine"`
}

// handleStatus returns an http.HandlerFunc for GET /status.
func (g *Gateway) handleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := g.mem.SystemStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, StatusResponse{
			Uptime:  time.Since(g.startedAt).Truncate(time.Second).Seconds(),
			Gateway: g.metrics.Snapshot(),
			Engine:  stats,
		})
	}
}
