package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/transfer/orchestrator/internal/breaker"
	"github.com/transfer/orchestrator/internal/saga"
)

// Metrics holds Prometheus metrics for the orchestrator.
type Metrics struct {
	Transitions   *prometheus.CounterVec
	Dispatches    *prometheus.CounterVec
	StepResults   *prometheus.CounterVec
	Retries       *prometheus.CounterVec
	Compensations *prometheus.CounterVec
	StaleEvents   prometheus.Counter
	StepLatency   *prometheus.HistogramVec
	BreakerState  *prometheus.GaugeVec
	PendingSagas  prometheus.Gauge
	DeadLettered  *prometheus.CounterVec
	gatherer      prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Total saga state transitions by destination state.",
		}, []string{"to_state"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_dispatches_total",
			Help: "Total step dispatches by step kind.",
		}, []string{"step"}),
		StepResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_results_total",
			Help: "Total step results by step kind and outcome.",
		}, []string{"step", "outcome"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_step_retries_total",
			Help: "Total step retries by step kind.",
		}, []string{"step"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_compensations_total",
			Help: "Total compensating actions by step kind.",
		}, []string{"step"}),
		StaleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "saga_stale_events_total",
			Help: "Total result events discarded as stale or duplicate.",
		}),
		StepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "saga_step_latency_seconds",
			Help:    "Step execution latency in seconds by step kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"step"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_breaker_state",
			Help: "Circuit breaker state per executor (0 closed, 1 open, 2 half-open).",
		}, []string{"executor"}),
		PendingSagas: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "saga_pending_total",
			Help: "Sagas currently in a non-terminal state.",
		}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_dead_lettered_total",
			Help: "Messages moved to a dead letter stream by stream name.",
		}, []string{"stream"}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.Transitions,
		m.Dispatches,
		m.StepResults,
		m.Retries,
		m.Compensations,
		m.StaleEvents,
		m.StepLatency,
		m.BreakerState,
		m.PendingSagas,
		m.DeadLettered,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// IncTransition counts one state transition.
func (m *Metrics) IncTransition(to saga.State) {
	m.Transitions.WithLabelValues(string(to)).Inc()
}

// IncDispatch counts one step dispatch.
func (m *Metrics) IncDispatch(step saga.StepKind) {
	m.Dispatches.WithLabelValues(string(step)).Inc()
}

// IncStepResult counts one step result by outcome.
func (m *Metrics) IncStepResult(step saga.StepKind, outcome saga.Outcome) {
	m.StepResults.WithLabelValues(string(step), string(outcome)).Inc()
}

// IncRetry counts one step retry.
func (m *Metrics) IncRetry(step saga.StepKind) {
	m.Retries.WithLabelValues(string(step)).Inc()
}

// IncCompensation counts one compensating action.
func (m *Metrics) IncCompensation(step saga.StepKind) {
	m.Compensations.WithLabelValues(string(step)).Inc()
}

// IncStaleEvent counts one discarded stale or duplicate result event.
func (m *Metrics) IncStaleEvent() {
	m.StaleEvents.Inc()
}

// ObserveStepLatency records one step execution latency.
func (m *Metrics) ObserveStepLatency(step saga.StepKind, d time.Duration) {
	m.StepLatency.WithLabelValues(string(step)).Observe(d.Seconds())
}

// SetBreakerStates publishes the current state of every breaker.
func (m *Metrics) SetBreakerStates(states map[string]breaker.State) {
	for name, state := range states {
		m.BreakerState.WithLabelValues(name).Set(float64(state))
	}
}

// IncDeadLettered counts one message moved to a dead letter stream.
func (m *Metrics) IncDeadLettered(stream string) {
	m.DeadLettered.WithLabelValues(stream).Inc()
}
