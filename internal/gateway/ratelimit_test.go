package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	for i := range 2 {
		if ok, _ := rl.allow("10.0.0.1"); !ok {
			t.Fatalf("request %d rejected", i)
		}
	}
	ok, wait := rl.allow("10.0.0.1")
	if ok {
		t.Fatal("third request allowed")
	}
	if wait != time.Minute {
		t.Errorf("wait = %v, want 1m", wait)
	}
	if ok, _ := rl.allow("10.0.0.2"); !ok {
		t.Error("other client rejected")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := rl.allow("10.0.0.1"); !ok {
		t.Error("request rejected after the window slid")
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	t.Parallel()

	rl := newRateLimiter(1, time.Minute)
	h := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	codes := make([]int, 2)
	for i := range codes {
		req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
		req.RemoteAddr = "192.0.2.1:5555"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes[i] = rr.Code
		if i == 1 && rr.Header().Get("Retry-After") == "" {
			t.Error("missing Retry-After header")
		}
	}
	if codes[0] != http.StatusNoContent || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [204 429]", codes)
	}
}

func TestRateLimiter_SweepsIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	rl := newRateLimiter(5, time.Minute)
	rl.now = func() time.Time { return now }

	for i := range sweepThreshold + 1 {
		rl.allow(time.Duration(i).String())
	}
	now = now.Add(2 * time.Minute)
	rl.allow("fresh")

	if n := len(rl.clients); n != 1 {
		t.Errorf("tracked clients = %d, want 1", n)
	}
}
