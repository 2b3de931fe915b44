// Package saga defines the transfer saga domain model: step kinds,
// instances, step records, the audit trail and the state machine.
package saga

import (
	"time"
)

// StepKind identifies one external domain in the transfer workflow.
type StepKind string

const (
	StepVerification StepKind = "verification"
	StepLiveness     StepKind = "liveness"
	StepScreening    StepKind = "screening"
	StepRisk         StepKind = "risk"
	StepPayment      StepKind = "payment"
	StepPayout       StepKind = "payout"
)

// CanonicalOrder is the full forward order of step kinds. A step plan
// is always an ordered subset of this sequence.
var CanonicalOrder = []StepKind{
	StepVerification,
	StepLiveness,
	StepScreening,
	StepRisk,
	StepPayment,
	StepPayout,
}

func ValidStepKind(k StepKind) bool {
	for _, c := range CanonicalOrder {
		if c == k {
			return true
		}
	}
	return false
}

// Compensable reports whether a completed step of this kind has a
// real-world side effect to undo. Checks are read-only.
func Compensable(k StepKind) bool {
	switch k {
	case StepPayment, StepPayout:
		return true
	default:
		return false
	}
}

// Outcome is a step executor's verdict on one execution attempt.
type Outcome string

const (
	OutcomeApproved       Outcome = "Approved"
	OutcomeRejected       Outcome = "Rejected"
	OutcomeTransientError Outcome = "TransientError"
	OutcomeFatalError     Outcome = "FatalError"
	// OutcomeCircuitOpen is reported by the worker when the breaker
	// refused the call. It is a retry-later condition, not a fault of
	// the executor itself.
	OutcomeCircuitOpen Outcome = "CircuitOpen"
)

func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeApproved, OutcomeRejected, OutcomeTransientError, OutcomeFatalError, OutcomeCircuitOpen:
		return true
	}
	return false
}

// StepStatus tracks a step record through forward execution and
// compensation.
type StepStatus string

const (
	StepStatusCompleted   StepStatus = "completed"
	StepStatusCompensated StepStatus = "compensated"
)

// StepRecord is one completed step in a saga's history. Records are
// append-only during forward execution; compensation marks them
// Compensated in reverse order instead of removing them, so the audit
// trail stays intact.
type StepRecord struct {
	ID        int64      `json:"id"`
	SagaID    int64      `json:"sagaId"`
	Seq       int        `json:"seq"`
	Kind      StepKind   `json:"kind"`
	Outcome   Outcome    `json:"outcome"`
	Detail    string     `json:"detail,omitempty"`
	Status    StepStatus `json:"status"`
	// CompensationRef names the provider-side action reference needed
	// to undo this step. Empty for non-compensable kinds.
	CompensationRef string    `json:"compensationRef,omitempty"`
	CompletedAt     time.Time `json:"completedAt"`
}

// AuditEntry is one state transition with its cause.
type AuditEntry struct {
	ID        int64     `json:"id"`
	SagaID    int64     `json:"sagaId"`
	Seq       int       `json:"seq"`
	FromState State     `json:"fromState"`
	ToState   State     `json:"toState"`
	Event     Event     `json:"event"`
	Cause     string    `json:"cause,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// TransferDetails are the transfer attributes the saga carries. Amount
// is in minor units of Currency.
type TransferDetails struct {
	Amount           int64    `json:"amount"`
	Currency         string   `json:"currency"`
	TargetCurrency   string   `json:"targetCurrency"`
	SenderParty      string   `json:"senderParty"`
	BeneficiaryParty string   `json:"beneficiaryParty"`
	BeneficiaryRef   string   `json:"beneficiaryRef"`
	// RiskSignals are caller-declared risk markers fed to the step
	// selection policy, e.g. "pep", "new-device".
	RiskSignals []string `json:"riskSignals,omitempty"`
	// PriorTransfers is the count of previously completed transfers
	// between this sender and beneficiary.
	PriorTransfers int `json:"priorTransfers"`
}

// Instance is one saga. The coordinator is its single writer.
type Instance struct {
	ID        int64           `json:"id"`
	ClientKey string          `json:"clientKey"`
	State     State           `json:"state"`
	Transfer  TransferDetails `json:"transfer"`

	// Plan is the ordered subset of CanonicalOrder the policy selected
	// at initiation. It is never recomputed mid-flight.
	Plan      []StepKind `json:"plan"`
	PlanIndex int        `json:"planIndex"`
	// Attempt is the attempt epoch for the currently pending step. It
	// participates in the idempotency key, so each retry is a distinct
	// operation.
	Attempt int `json:"attempt"`

	Compensating bool `json:"compensating"`
	// TerminalOnCompensated is the terminal state to enter once
	// compensation finishes, Rejected for a post-capture business
	// rejection and Failed otherwise.
	TerminalOnCompensated State `json:"terminalOnCompensated,omitempty"`
	// CompensationIndex points at the next completed-steps entry to
	// compensate, walking backwards.
	CompensationIndex int `json:"compensationIndex"`

	Steps []StepRecord `json:"steps"`
	Audit []AuditEntry `json:"audit"`

	// Version is the optimistic-locking column.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CurrentStep returns the step kind the saga is waiting on, or "" in
// states with no pending dispatch.
func (s *Instance) CurrentStep() (StepKind, bool) {
	if s.PlanIndex < 0 || s.PlanIndex >= len(s.Plan) {
		return "", false
	}
	if _, pending := pendingStates[s.State]; !pending {
		return "", false
	}
	return s.Plan[s.PlanIndex], true
}

// CompensableSteps returns the compensable completed steps in reverse
// completion order, skipping ones already compensated.
func (s *Instance) CompensableSteps() []StepRecord {
	out := make([]StepRecord, 0, len(s.Steps))
	for i := len(s.Steps) - 1; i >= 0; i-- {
		rec := s.Steps[i]
		if rec.Status != StepStatusCompleted {
			continue
		}
		if rec.Outcome != OutcomeApproved || !Compensable(rec.Kind) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// View is the read-only status snapshot returned to callers.
type View struct {
	SagaID         int64        `json:"sagaId"`
	State          State        `json:"state"`
	Plan           []StepKind   `json:"plan"`
	CompletedSteps []StepRecord `json:"completedSteps"`
	LastUpdated    time.Time    `json:"lastUpdated"`
}

// Snapshot builds a View from the instance.
func (s *Instance) Snapshot() *View {
	steps := make([]StepRecord, len(s.Steps))
	copy(steps, s.Steps)
	plan := make([]StepKind, len(s.Plan))
	copy(plan, s.Plan)
	return &View{
		SagaID:         s.ID,
		State:          s.State,
		Plan:           plan,
		CompletedSteps: steps,
		LastUpdated:    s.UpdatedAt,
	}
}
