// Package metrics holds the Prometheus collectors of the pipeline. Every
// recording method is safe on a nil *Metrics so components can run
// uninstrumented in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "insights"

// Metrics is a private registry plus the collectors registered on it.
type Metrics struct {
	registry *prometheus.Registry

	unitOutcomes  *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	modelCalls    *prometheus.HistogramVec
	stageDuration *prometheus.HistogramVec
	runs          *prometheus.CounterVec
	jobs          *prometheus.CounterVec
}

// New creates the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		unitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_analyses_total",
			Help:      "Unit analyzer invocations by outcome.",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Fingerprint cache lookups by result.",
		}, []string{"result"}),
		modelCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_seconds",
			Help:      "Latency of model scoring calls.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"backend", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"stage", "status"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by terminal status.",
		}, []string{"status", "dry_run"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_jobs_total",
			Help:      "Dispatcher jobs by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.unitOutcomes,
		m.cacheLookups,
		m.modelCalls,
		m.stageDuration,
		m.runs,
		m.jobs,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) UnitOutcome(outcome string) {
	if m == nil {
		return
	}
	m.unitOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) ModelCall(backend, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.modelCalls.WithLabelValues(backend, result).Observe(d.Seconds())
}

func (m *Metrics) Stage(stage, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(d.Seconds())
}

func (m *Metrics) RunFinished(status string, dryRun bool) {
	if m == nil {
		return
	}
	dry := "false"
	if dryRun {
		dry = "true"
	}
	m.runs.WithLabelValues(status, dry).Inc()
}

func (m *Metrics) Job(result string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(result).Inc()
}
