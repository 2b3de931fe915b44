package compensation

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/transfer/orchestrator/internal/breaker"
	"github.com/transfer/orchestrator/internal/executor"
	"github.com/transfer/orchestrator/internal/idempotency"
	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/pkg/logger"
)

type fakeExecutor struct {
	kind    saga.StepKind
	calls   *[]saga.StepKind
	results []*executor.Result
	count   int
}

func (f *fakeExecutor) Kind() saga.StepKind { return f.kind }

func (f *fakeExecutor) Execute(ctx context.Context, req *executor.Request) *executor.Result {
	return &executor.Result{Outcome: saga.OutcomeApproved}
}

func (f *fakeExecutor) Compensate(ctx context.Context, rec *saga.StepRecord, key string) *executor.Result {
	*f.calls = append(*f.calls, f.kind)
	res := f.results[f.count]
	if f.count < len(f.results)-1 {
		f.count++
	}
	return res
}

func approved() *executor.Result {
	return &executor.Result{Outcome: saga.OutcomeApproved, Detail: "reversed"}
}

func capturedInstance() *saga.Instance {
	now := time.Now()
	return &saga.Instance{
		ID:    71,
		State: saga.StateCompensating,
		Plan:  []saga.StepKind{saga.StepRisk, saga.StepPayment, saga.StepPayout},
		Steps: []saga.StepRecord{
			{SagaID: 71, Seq: 0, Kind: saga.StepRisk, Outcome: saga.OutcomeApproved, Status: saga.StepStatusCompleted, CompletedAt: now},
			{SagaID: 71, Seq: 1, Kind: saga.StepPayment, Outcome: saga.OutcomeApproved, Status: saga.StepStatusCompleted, CompensationRef: "cap-71", CompletedAt: now},
			{SagaID: 71, Seq: 2, Kind: saga.StepPayout, Outcome: saga.OutcomeApproved, Status: saga.StepStatusCompleted, CompensationRef: "pay-71", CompletedAt: now},
		},
	}
}

func newTestManager(t *testing.T, calls *[]saga.StepKind, payment, payout *fakeExecutor) (*Manager, idempotency.Store) {
	t.Helper()

	payment.kind = saga.StepPayment
	payment.calls = calls
	payout.kind = saga.StepPayout
	payout.calls = calls

	idem := idempotency.NewMemoryStore()
	m := NewManager(
		executor.NewRegistry(payment, payout),
		breaker.NewRegistry(breaker.DefaultConfig),
		idem,
		logger.New("test", io.Discard),
	)
	return m, idem
}

func TestRunCompensatesInReverseOrder(t *testing.T) {
	var calls []saga.StepKind
	payment := &fakeExecutor{results: []*executor.Result{approved()}}
	payout := &fakeExecutor{results: []*executor.Result{approved()}}
	m, _ := newTestManager(t, &calls, payment, payout)

	inst := capturedInstance()
	ev, err := m.Run(context.Background(), inst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev != saga.EventCompensated {
		t.Fatalf("expected Compensated event, got %s", ev)
	}
	if len(calls) != 2 || calls[0] != saga.StepPayout || calls[1] != saga.StepPayment {
		t.Fatalf("unexpected call order: %v", calls)
	}
	if inst.Steps[1].Status != saga.StepStatusCompensated {
		t.Fatalf("payment record not marked compensated")
	}
	if inst.Steps[2].Status != saga.StepStatusCompensated {
		t.Fatalf("payout record not marked compensated")
	}
	if inst.Steps[0].Status != saga.StepStatusCompleted {
		t.Fatalf("read-only risk record must stay completed, got %s", inst.Steps[0].Status)
	}
}

func TestRunFatalCompensationFailsStop(t *testing.T) {
	var calls []saga.StepKind
	payment := &fakeExecutor{results: []*executor.Result{approved()}}
	payout := &fakeExecutor{results: []*executor.Result{{Outcome: saga.OutcomeFatalError, Detail: "reversal rejected"}}}
	m, _ := newTestManager(t, &calls, payment, payout)

	inst := capturedInstance()
	ev, err := m.Run(context.Background(), inst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev != saga.EventCompensationFailed {
		t.Fatalf("expected CompensationFailed event, got %s", ev)
	}
	if len(calls) != 1 || calls[0] != saga.StepPayout {
		t.Fatalf("expected the run to stop at payout, calls: %v", calls)
	}
	if inst.Steps[1].Status != saga.StepStatusCompleted {
		t.Fatalf("payment must stay untouched after fail-stop")
	}
}

func TestRunTransientRetriesWithoutDoubleReversal(t *testing.T) {
	var calls []saga.StepKind
	payment := &fakeExecutor{results: []*executor.Result{approved()}}
	payout := &fakeExecutor{results: []*executor.Result{
		{Outcome: saga.OutcomeTransientError, Detail: "timeout"},
		approved(),
	}}
	m, _ := newTestManager(t, &calls, payment, payout)

	inst := capturedInstance()
	if _, err := m.Run(context.Background(), inst); !errors.Is(err, ErrRetryLater) {
		t.Fatalf("expected ErrRetryLater, got %v", err)
	}

	ev, err := m.Run(context.Background(), inst)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if ev != saga.EventCompensated {
		t.Fatalf("expected Compensated, got %s", ev)
	}
	// payout was called twice (transient then approved), payment once
	if len(calls) != 3 {
		t.Fatalf("unexpected call count: %v", calls)
	}

	// a third run must not reach any provider again
	before := len(calls)
	if _, err := m.Run(context.Background(), inst); err != nil {
		t.Fatalf("third Run: %v", err)
	}
	if len(calls) != before {
		t.Fatalf("completed compensations were re-executed: %v", calls)
	}
}

func TestRunSkipsRecordedCompensation(t *testing.T) {
	var calls []saga.StepKind
	payment := &fakeExecutor{results: []*executor.Result{approved()}}
	payout := &fakeExecutor{results: []*executor.Result{approved()}}
	m, idem := newTestManager(t, &calls, payment, payout)

	inst := capturedInstance()
	key := idempotency.CompensationKey(inst.ID, saga.StepPayout, 2)
	if _, _, err := idem.CheckAndReserve(context.Background(), key, time.Hour); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := idem.RecordResult(context.Background(), key, []byte(`{"Outcome":"Approved"}`)); err != nil {
		t.Fatalf("record: %v", err)
	}

	ev, err := m.Run(context.Background(), inst)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ev != saga.EventCompensated {
		t.Fatalf("expected Compensated, got %s", ev)
	}
	if len(calls) != 1 || calls[0] != saga.StepPayment {
		t.Fatalf("payout reversal must be skipped, calls: %v", calls)
	}
	if inst.Steps[2].Status != saga.StepStatusCompensated {
		t.Fatalf("recorded payout must still be marked compensated")
	}
}

func TestRunDefersWhenBreakerOpen(t *testing.T) {
	var calls []saga.StepKind
	payment := &fakeExecutor{results: []*executor.Result{approved()}}
	payout := &fakeExecutor{results: []*executor.Result{approved()}}

	payment.kind = saga.StepPayment
	payment.calls = &calls
	payout.kind = saga.StepPayout
	payout.calls = &calls

	breakers := breaker.NewRegistry(breaker.Config{
		Window:           time.Minute,
		FailureThreshold: 0.5,
		MinSamples:       1,
		Cooldown:         time.Hour,
		ProbeBudget:      1,
	})
	breakers.Get(string(saga.StepPayout)).RecordFailure()

	m := NewManager(
		executor.NewRegistry(payment, payout),
		breakers,
		idempotency.NewMemoryStore(),
		logger.New("test", io.Discard),
	)

	if _, err := m.Run(context.Background(), capturedInstance()); !errors.Is(err, ErrRetryLater) {
		t.Fatalf("expected ErrRetryLater, got %v", err)
	}
	if len(calls) != 0 {
		t.Fatalf("no provider call expected behind an open breaker, got %v", calls)
	}
}
