package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

const healthCheckTimeout = 5 * time.Second

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status      string  `json:"status"` // "ok" or "degraded"
	Entries     int     `json:"entries"`
	Pressure    float64 `json:"pressure"`
	Synthesizer string  `json:"synthesizer,omitempty"`
	Error       string  `json:"error,omitempty"`
}

// handleHealth returns an http.HandlerFunc for GET /health.
// Returns 200 when the engine answers and the synthesizer (if any) is
// reachable, 503 otherwise.
func (g *Gateway) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok"}

		stats, err := g.mem.SystemStats(r.Context())
		if err != nil {
			resp.Status = "degraded"
			resp.Error = err.Error()
		} else {
			resp.Entries = stats.WorkingSet.Total
			resp.Pressure = stats.Pressure
		}

		if g.opts.Synth != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
			err := g.opts.Synth.HealthCheck(ctx)
			cancel()
			if err != nil {
				resp.Status = "degraded"
				resp.Synthesizer = err.Error()
			} else {
				resp.Synthesizer = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "degraded" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
