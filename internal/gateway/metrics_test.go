package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/flemzord/tiermem/internal/telemetry"
)

func TestMetrics_RecordRequest(t *testing.T) {
	t.Parallel()

	m := &Metrics{}
	m.RecordRequest(http.StatusOK, 100*time.Millisecond)
	m.RecordRequest(http.StatusNotFound, 200*time.Millisecond)
	m.RecordRequest(http.StatusInternalServerError, 300*time.Millisecond)

	snap := m.Snapshot()
	if snap.Requests != 3 {
		t.Errorf("Requests = %d, want 3", snap.Requests)
	}
	if snap.ClientErrors != 1 || snap.ServerErrors != 1 {
		t.Errorf("errors = %d/%d, want 1/1", snap.ClientErrors, snap.ServerErrors)
	}
	if snap.AvgLatency != 200*time.Millisecond {
		t.Errorf("AvgLatency = %v, want 200ms", snap.AvgLatency)
	}
}

func TestMetrics_EmptySnapshot(t *testing.T) {
	t.Parallel()

	if snap := (&Metrics{}).Snapshot(); snap != (MetricsSnapshot{}) {
		t.Errorf("Snapshot() = %+v, want zero", snap)
	}
}

func TestMetrics_Concurrent(t *testing.T) {
	t.Parallel()

	m := &Metrics{}
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.RecordRequest(http.StatusOK, time.Millisecond)
		}()
	}
	wg.Wait()

	if got := m.Snapshot().Requests; got != 50 {
		t.Errorf("Requests = %d, want 50", got)
	}
}

func TestInstrument_RecordsStatus(t *testing.T) {
	t.Parallel()

	m := &Metrics{}
	h := m.instrument(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got := m.Snapshot().ClientErrors; got != 1 {
		t.Errorf("ClientErrors = %d, want 1", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := telemetry.NewRegistry()
	telemetry.NewMetrics(reg)
	g := newTestGateway(t, newTestEngine(t, nil), Options{Registry: reg})

	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("expected Go runtime metrics in exposition")
	}
}

func TestMetricsEndpoint_DisabledWithoutRegistry(t *testing.T) {
	t.Parallel()

	g := newTestGateway(t, newTestEngine(t, nil), Options{})
	rr := httptest.NewRecorder()
	g.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rr.Code, http.StatusNotFound)
	}
}
