package gateway

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// sweepThreshold is the number of tracked clients above which every
// client's window is pruned on the next request.
const sweepThreshold = 1024

// rateLimiter is a per-client sliding-window limiter for the admin API.
// Each client keeps the timestamps of its requests within the window.
type rateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string][]time.Time
	now     func() time.Time
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		limit:   limit,
		window:  window,
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow records a request from client and reports whether it is within
// the limit. When it is not, it also returns how long until a slot frees.
func (rl *rateLimiter) allow(client string) (bool, time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if len(rl.clients) > sweepThreshold {
		for k, events := range rl.clients {
			if events = rl.evict(events, now); len(events) == 0 {
				delete(rl.clients, k)
			} else {
				rl.clients[k] = events
			}
		}
	}

	events := rl.evict(rl.clients[client], now)
	if len(events) >= rl.limit {
		rl.clients[client] = events
		return false, events[0].Add(rl.window).Sub(now)
	}
	rl.clients[client] = append(events, now)
	return true, 0
}

// evict drops events outside the window. Events are chronological.
func (rl *rateLimiter) evict(events []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-rl.window)
	i := 0
	for i < len(events) && events[i].Before(cutoff) {
		i++
	}
	return events[i:]
}

// middleware answers 429 once a client exceeds the limit. Clients are
// keyed by remote IP.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if ok, wait := rl.allow(client); !ok {
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorBody("rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
