// Package metrics exposes Prometheus instrumentation for the specialist loop,
// the session store and the per-session engines.
//
// All recording methods are safe on a nil *Metrics so components can run uninstrumented.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all custom Prometheus metrics for specnerd.
type Metrics struct {
	// Specialist loop
	Iterations    *prometheus.CounterVec
	ModelRetries  *prometheus.CounterVec
	SpecialistRun *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec

	// Session store
	SessionWrites *prometheus.CounterVec

	// Engines
	Transitions    *prometheus.CounterVec
	ActiveSessions prometheus.Gauge
	Evictions      prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the metrics on reg. Use prometheus.NewRegistry() in tests.
func New(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		gatherer: reg,

		Iterations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "specnerd_specialist_iterations_total",
			Help: "Logical specialist iterations started",
		}, []string{"specialist"}),

		ModelRetries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "specnerd_model_retries_total",
			Help: "Model call retries by failure category",
		}, []string{"category"}),

		SpecialistRun: f.NewCounterVec(prometheus.CounterOpts{
			Name: "specnerd_specialist_runs_total",
			Help: "Specialist executions by outcome",
		}, []string{"specialist", "outcome"}), // outcome: success, failure, awaiting_user, cancelled

		RunDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "specnerd_specialist_run_duration_seconds",
			Help:    "Wall time of one specialist execution",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"specialist"}),

		SessionWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "specnerd_session_writes_total",
			Help: "Session persistence attempts by result",
		}, []string{"result"}), // ok, retry, failed, rolled_back

		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "specnerd_engine_transitions_total",
			Help: "Engine state transitions",
		}, []string{"from", "to"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "specnerd_engine_active_sessions",
			Help: "Engines currently held in the session table",
		}),

		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "specnerd_engine_evictions_total",
			Help: "Engines evicted from the session table",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) IterationStarted(specialist string) {
	if m == nil {
		return
	}
	m.Iterations.WithLabelValues(specialist).Inc()
}

func (m *Metrics) ModelRetry(category string) {
	if m == nil {
		return
	}
	m.ModelRetries.WithLabelValues(category).Inc()
}

func (m *Metrics) SpecialistFinished(specialist, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SpecialistRun.WithLabelValues(specialist, outcome).Inc()
	m.RunDuration.WithLabelValues(specialist).Observe(seconds)
}

func (m *Metrics) SessionWrite(result string) {
	if m == nil {
		return
	}
	m.SessionWrites.WithLabelValues(result).Inc()
}

func (m *Metrics) Transition(from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}
