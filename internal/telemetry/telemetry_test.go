package telemetry

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ObserveStore()
	m.ObserveRetrieval([]string{"working_set"}, true)
	m.ObserveDegradation("durable")
	m.ObserveOptimization(1, 2, 3)
	m.ObserveBackup("full", errors.New("boom"))
	m.ObserveSummary()
	m.ObserveTaskFailure("maintenance")
	m.ObserveDuration("store", time.Millisecond)
	m.SetWorkingSet(4)
	m.SetPressure(0.5)
}

func TestHandler_ExposesEngineMetrics(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	m := NewMetrics(reg)
	m.ObserveStore()
	m.ObserveRetrieval([]string{"synthesis", "durable"}, false)
	m.ObserveBackup("full", nil)
	m.SetWorkingSet(7)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"tiermem_store_total 1",
		`tiermem_retrieval_source_total{source="durable"} 1`,
		`tiermem_retrieval_cache_total{outcome="miss"} 1`,
		`tiermem_backups_total{result="ok",type="full"} 1`,
		"tiermem_working_set_entries 7",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestSetupTracing_NoEndpoint(t *testing.T) {
	t.Parallel()

	tp, shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	_, span := tp.Tracer("test").Start(context.Background(), "op")
	if span.IsRecording() {
		t.Error("no-op tracer should not record")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}
