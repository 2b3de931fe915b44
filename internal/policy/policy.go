// Package policy computes the ordered subset of workflow steps a
// transfer actually requires. The plan is computed once at saga
// initiation and persisted; it is never recomputed mid-flight.
package policy

import (
	"fmt"
	"strings"

	"github.com/transfer/orchestrator/internal/saga"
)

// Config holds the policy thresholds.
type Config struct {
	// HighAmount is the minor-unit amount at or above which the full
	// identity plan is always required.
	HighAmount int64
	// ReturningPriorTransfers is how many prior completed transfers a
	// sender-beneficiary pair needs before identity steps may be
	// skipped.
	ReturningPriorTransfers int
}

var DefaultConfig = Config{
	HighAmount:              100000, // 1000.00 in a 2-decimal currency
	ReturningPriorTransfers: 3,
}

type Policy struct {
	cfg Config
}

func New(cfg Config) *Policy {
	if cfg.HighAmount <= 0 {
		cfg.HighAmount = DefaultConfig.HighAmount
	}
	if cfg.ReturningPriorTransfers <= 0 {
		cfg.ReturningPriorTransfers = DefaultConfig.ReturningPriorTransfers
	}
	return &Policy{cfg: cfg}
}

// Plan selects the required steps for a transfer and explains why.
//
// Signals are applied in strict precedence order:
//  1. screening, risk, payment and payout are always required;
//  2. any declared risk signal forces the full plan, including
//     verification and liveness;
//  3. an amount at or above HighAmount forces the full plan;
//  4. only then may counterparty history remove verification and
//     liveness for a returning pair. History never adds steps.
//
// A first-time low-risk sender below the amount threshold gets
// verification without liveness.
func (p *Policy) Plan(tr saga.TransferDetails) ([]saga.StepKind, string) {
	if len(tr.RiskSignals) > 0 {
		return fullPlan(), fmt.Sprintf("declared risk signals [%s] require full plan", strings.Join(tr.RiskSignals, ","))
	}
	if tr.Amount >= p.cfg.HighAmount {
		return fullPlan(), fmt.Sprintf("amount %d at or above threshold %d requires full plan", tr.Amount, p.cfg.HighAmount)
	}
	if tr.PriorTransfers >= p.cfg.ReturningPriorTransfers {
		return []saga.StepKind{
			saga.StepScreening,
			saga.StepRisk,
			saga.StepPayment,
			saga.StepPayout,
		}, fmt.Sprintf("returning counterparty (%d prior transfers) skips verification and liveness", tr.PriorTransfers)
	}
	return []saga.StepKind{
		saga.StepVerification,
		saga.StepScreening,
		saga.StepRisk,
		saga.StepPayment,
		saga.StepPayout,
	}, "first-time counterparty requires verification"
}

func fullPlan() []saga.StepKind {
	plan := make([]saga.StepKind, len(saga.CanonicalOrder))
	copy(plan, saga.CanonicalOrder)
	return plan
}
