// Package telemetry sets up Prometheus collectors and OpenTelemetry tracing
// for the memory engine.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tiermem"

// NewRegistry returns a private registry carrying the Go runtime and
// process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler exposes reg in the Prometheus text format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics holds the engine collectors. A nil *Metrics is valid and records
// nothing, so components never need to check.
type Metrics struct {
	stores       prometheus.Counter
	retrievals   *prometheus.CounterVec
	cache        *prometheus.CounterVec
	degradations *prometheus.CounterVec
	cycles       prometheus.Counter
	cleaned      prometheus.Counter
	compressed   prometheus.Counter
	backups      *prometheus.CounterVec
	workingSet   prometheus.Gauge
	pressure     prometheus.Gauge
	opDuration   *prometheus.HistogramVec
	summaries    prometheus.Counter
	recordsSwept prometheus.Counter
	taskFailures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		stores: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_total",
			Help:      "Memories stored.",
		}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_source_total",
			Help:      "Retrievals that produced results, by contributing tier.",
		}, []string{"source"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_cache_total",
			Help:      "Retrieval cache lookups, by outcome.",
		}, []string{"outcome"}),
		degradations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degradation_total",
			Help:      "Recoverable failures that took a fallback path, by component.",
		}, []string{"component"}),
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "optimization_cycles_total",
			Help:      "Optimization cycles run.",
		}),
		cleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_cleaned_total",
			Help:      "Working-set entries removed by optimization.",
		}),
		compressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entries_compressed_total",
			Help:      "Working-set entries compacted by optimization.",
		}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backups attempted, by type and result.",
		}, []string{"type", "result"}),
		workingSet: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "working_set_entries",
			Help:      "Entries currently in the working set.",
		}),
		pressure: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_pressure_ratio",
			Help:      "Last sampled memory pressure.",
		}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Facade operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		summaries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Conversation summaries produced.",
		}),
		recordsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_swept_total",
			Help:      "Durable records deleted by retention sweeps.",
		}),
		taskFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_failures_total",
			Help:      "Background task failures, by task.",
		}, []string{"task"}),
	}

	reg.MustRegister(
		m.stores, m.retrievals, m.cache, m.degradations,
		m.cycles, m.cleaned, m.compressed, m.backups,
		m.workingSet, m.pressure, m.opDuration, m.summaries,
		m.recordsSwept, m.taskFailures,
	)
	return m
}

// ObserveStore records a stored memory.
func (m *Metrics) ObserveStore() {
	if m == nil {
		return
	}
	m.stores.Inc()
}

// ObserveRetrieval records a retrieval and the tiers that contributed.
func (m *Metrics) ObserveRetrieval(sources []string, cacheHit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	m.cache.WithLabelValues(outcome).Inc()
	for _, s := range sources {
		m.retrievals.WithLabelValues(s).Inc()
	}
}

// ObserveDegradation records a fallback taken by component.
func (m *Metrics) ObserveDegradation(component string) {
	if m == nil {
		return
	}
	m.degradations.WithLabelValues(component).Inc()
}

// ObserveOptimization records one optimization cycle.
func (m *Metrics) ObserveOptimization(cleaned, compressed, swept int) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cleaned.Add(float64(cleaned))
	m.compressed.Add(float64(compressed))
	m.recordsSwept.Add(float64(swept))
}

// ObserveBackup records a backup attempt.
func (m *Metrics) ObserveBackup(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.backups.WithLabelValues(kind, result).Inc()
}

// ObserveSummary records a produced summary.
func (m *Metrics) ObserveSummary() {
	if m == nil {
		return
	}
	m.summaries.Inc()
}

// ObserveTaskFailure records a failed background task run.
func (m *Metrics) ObserveTaskFailure(task string) {
	if m == nil {
		return
	}
	m.taskFailures.WithLabelValues(task).Inc()
}

// ObserveDuration records how long operation took.
func (m *Metrics) ObserveDuration(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.opDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetWorkingSet sets the working-set size gauge.
func (m *Metrics) SetWorkingSet(n int) {
	if m == nil {
		return
	}
	m.workingSet.Set(float64(n))
}

// SetPressure sets the memory pressure gauge.
func (m *Metrics) SetPressure(p float64) {
	if m == nil {
		return
	}
	m.pressure.Set(p)
}
