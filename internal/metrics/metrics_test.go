package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/transfer/orchestrator/internal/breaker"
	"github.com/transfer/orchestrator/internal/saga"
)

func TestMetricsCountersAndHistogram(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.IncTransition(saga.StateScreeningDone)
	m.IncDispatch(saga.StepScreening)
	m.IncStepResult(saga.StepScreening, saga.OutcomeApproved)
	m.IncRetry(saga.StepPayment)
	m.IncCompensation(saga.StepPayment)
	m.IncStaleEvent()
	m.ObserveStepLatency(saga.StepScreening, 1500*time.Millisecond)

	if got := testutil.ToFloat64(m.Transitions.WithLabelValues(string(saga.StateScreeningDone))); got != 1 {
		t.Fatalf("expected transitions counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.Dispatches.WithLabelValues(string(saga.StepScreening))); got != 1 {
		t.Fatalf("expected dispatches counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.StepResults.WithLabelValues(string(saga.StepScreening), string(saga.OutcomeApproved))); got != 1 {
		t.Fatalf("expected step results counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.Retries.WithLabelValues(string(saga.StepPayment))); got != 1 {
		t.Fatalf("expected retries counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.Compensations.WithLabelValues(string(saga.StepPayment))); got != 1 {
		t.Fatalf("expected compensations counter 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.StaleEvents); got != 1 {
		t.Fatalf("expected stale events counter 1, got %v", got)
	}
	if got := testutil.CollectAndCount(m.StepLatency); got != 1 {
		t.Fatalf("expected step latency histogram collect count 1, got %v", got)
	}
}

func TestSetBreakerStates(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.SetBreakerStates(map[string]breaker.State{
		"payment": breaker.StateOpen,
		"payout":  breaker.StateClosed,
	})

	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("payment")); got != 1 {
		t.Fatalf("expected payment breaker gauge 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("payout")); got != 0 {
		t.Fatalf("expected payout breaker gauge 0, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.IncDispatch(saga.StepPayment)
	m.IncDeadLettered("saga:results")
	m.PendingSagas.Set(3)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "saga_dispatches_total") {
		t.Fatalf("expected saga_dispatches_total in response")
	}
	if !strings.Contains(body, "saga_dead_lettered_total") {
		t.Fatalf("expected saga_dead_lettered_total in response")
	}
	if !strings.Contains(body, "saga_pending_total") {
		t.Fatalf("expected saga_pending_total in response")
	}
}

func TestNewDefault(t *testing.T) {
	m := NewDefault()
	m.IncRetry(saga.StepPayout)
	if got := testutil.ToFloat64(m.Retries.WithLabelValues(string(saga.StepPayout))); got != 1 {
		t.Fatalf("expected retries counter 1, got %v", got)
	}
	if m.Handler() == nil {
		t.Fatal("expected handler")
	}
}
