package policy

import (
	"reflect"
	"testing"

	"github.com/transfer/orchestrator/internal/saga"
)

func TestReturningLowRiskSenderSkipsVerification(t *testing.T) {
	p := New(DefaultConfig)

	plan, reason := p.Plan(saga.TransferDetails{
		Amount:         500,
		Currency:       "EUR",
		PriorTransfers: 5,
	})

	want := []saga.StepKind{saga.StepScreening, saga.StepRisk, saga.StepPayment, saga.StepPayout}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("plan = %v, want %v", plan, want)
	}
	for _, k := range plan {
		if k == saga.StepVerification {
			t.Fatal("plan must not contain verification")
		}
	}
	if reason == "" {
		t.Fatal("expected a reason")
	}
}

func TestRiskSignalsBeatHistory(t *testing.T) {
	p := New(DefaultConfig)

	plan, _ := p.Plan(saga.TransferDetails{
		Amount:         500,
		PriorTransfers: 10,
		RiskSignals:    []string{"pep"},
	})

	if !reflect.DeepEqual(plan, saga.CanonicalOrder) {
		t.Fatalf("declared risk signals should force the full plan, got %v", plan)
	}
}

func TestHighAmountBeatsHistory(t *testing.T) {
	p := New(Config{HighAmount: 100000, ReturningPriorTransfers: 3})

	plan, _ := p.Plan(saga.TransferDetails{
		Amount:         100000,
		PriorTransfers: 10,
	})

	if !reflect.DeepEqual(plan, saga.CanonicalOrder) {
		t.Fatalf("high amount should force the full plan, got %v", plan)
	}
}

func TestFirstTimeSenderGetsVerificationWithoutLiveness(t *testing.T) {
	p := New(DefaultConfig)

	plan, _ := p.Plan(saga.TransferDetails{
		Amount:         500,
		PriorTransfers: 0,
	})

	want := []saga.StepKind{saga.StepVerification, saga.StepScreening, saga.StepRisk, saga.StepPayment, saga.StepPayout}
	if !reflect.DeepEqual(plan, want) {
		t.Fatalf("plan = %v, want %v", plan, want)
	}
}

func TestScreeningNeverSkipped(t *testing.T) {
	p := New(DefaultConfig)

	cases := []saga.TransferDetails{
		{Amount: 1, PriorTransfers: 100},
		{Amount: 999999, RiskSignals: []string{"new-device"}},
		{Amount: 500},
	}

	for _, tr := range cases {
		plan, _ := p.Plan(tr)
		found := false
		for _, k := range plan {
			if k == saga.StepScreening {
				found = true
			}
		}
		if !found {
			t.Fatalf("plan %v for %+v lacks screening", plan, tr)
		}
	}
}
