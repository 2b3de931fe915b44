package saga

// State is the saga lifecycle state.
type State string

const (
	StateInitiated           State = "Initiated"
	StateVerificationPending State = "VerificationPending"
	StateVerificationDone    State = "VerificationDone"
	StateLivenessPending     State = "LivenessPending"
	StateLivenessDone        State = "LivenessDone"
	StateScreeningPending    State = "ScreeningPending"
	StateScreeningDone       State = "ScreeningDone"
	StateRiskPending         State = "RiskPending"
	StateRiskDone            State = "RiskDone"
	StatePaymentPending      State = "PaymentPending"
	StatePaymentCaptured     State = "PaymentCaptured"
	StatePayoutPending       State = "PayoutPending"
	StateCompensating        State = "Compensating"
	StateCompleted           State = "Completed"
	StateRejected            State = "Rejected"
	StateFailed              State = "Failed"
)

// Event labels a state machine edge.
type Event string

const (
	// EventInitiate moves a fresh saga onto its first planned step.
	EventInitiate Event = "Initiate"
	// EventDispatch moves a saga from a done state to the next planned
	// pending state.
	EventDispatch Event = "Dispatch"
	// EventCompensated fires when every compensable step has been
	// compensated.
	EventCompensated Event = "Compensated"
	// EventCompensationFailed fires when a compensating action returns
	// a fatal error. The saga fail-stops for manual remediation.
	EventCompensationFailed Event = "CompensationFailed"
)

// ApprovedEvent returns the result event for an approved step.
func ApprovedEvent(k StepKind) Event { return Event(eventPrefix[k] + "Approved") }

// RejectedEvent returns the result event for a business rejection.
func RejectedEvent(k StepKind) Event { return Event(eventPrefix[k] + "Rejected") }

// ErroredEvent returns the result event for a fatal (or retry-exhausted
// transient) step error.
func ErroredEvent(k StepKind) Event { return Event(eventPrefix[k] + "Error") }

var eventPrefix = map[StepKind]string{
	StepVerification: "Verification",
	StepLiveness:     "Liveness",
	StepScreening:    "Screening",
	StepRisk:         "Risk",
	StepPayment:      "Payment",
	StepPayout:       "Payout",
}

// pendingStates maps each in-flight state to the step kind it waits on.
var pendingStates = map[State]StepKind{
	StateVerificationPending: StepVerification,
	StateLivenessPending:     StepLiveness,
	StateScreeningPending:    StepScreening,
	StateRiskPending:         StepRisk,
	StatePaymentPending:      StepPayment,
	StatePayoutPending:       StepPayout,
}

var pendingStateOf = map[StepKind]State{
	StepVerification: StateVerificationPending,
	StepLiveness:     StateLivenessPending,
	StepScreening:    StateScreeningPending,
	StepRisk:         StateRiskPending,
	StepPayment:      StatePaymentPending,
	StepPayout:       StatePayoutPending,
}

var doneStateOf = map[StepKind]State{
	StepVerification: StateVerificationDone,
	StepLiveness:     StateLivenessDone,
	StepScreening:    StateScreeningDone,
	StepRisk:         StateRiskDone,
	StepPayment:      StatePaymentCaptured,
	StepPayout:       StateCompleted,
}

// PendingState returns the state in which the saga awaits a result for
// the given step kind. This is also the expected source state used to
// detect stale result events.
func PendingState(k StepKind) State { return pendingStateOf[k] }

// DoneState returns the state entered when the given step is approved.
func DoneState(k StepKind) State { return doneStateOf[k] }

// PendingStep returns the step kind a pending state waits on.
func PendingStep(s State) (StepKind, bool) {
	k, ok := pendingStates[s]
	return k, ok
}

// IsTerminal reports whether the state accepts no further mutation.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateRejected, StateFailed:
		return true
	}
	return false
}

// transitions is the static result-event table (state x event -> state).
// Anything not listed is a no-op; the coordinator logs and discards it.
var transitions = buildTransitions()

func buildTransitions() map[State]map[Event]State {
	t := make(map[State]map[Event]State)

	edge := func(from State, ev Event, to State) {
		m, ok := t[from]
		if !ok {
			m = make(map[Event]State)
			t[from] = m
		}
		m[ev] = to
	}

	for _, k := range CanonicalOrder {
		pending := pendingStateOf[k]
		edge(pending, ApprovedEvent(k), doneStateOf[k])
		if k == StepPayout {
			// only payout runs after funds were captured; its failure
			// modes must refund the capture first
			edge(pending, ErroredEvent(k), StateCompensating)
			edge(pending, RejectedEvent(k), StateCompensating)
		} else {
			// before the capture completes there is nothing to
			// reverse, so errors settle directly
			edge(pending, ErroredEvent(k), StateFailed)
			edge(pending, RejectedEvent(k), StateRejected)
		}
	}

	edge(StateCompensating, EventCompensated, StateFailed)
	edge(StateCompensating, EventCompensationFailed, StateFailed)

	return t
}

// Next resolves a result event against the transition table. ok=false
// means the event is not a legal edge from the state and must be
// discarded without effect.
func Next(s State, e Event) (State, bool) {
	m, ok := transitions[s]
	if !ok {
		return s, false
	}
	to, ok := m[e]
	if !ok {
		return s, false
	}
	return to, true
}

// advance is the static plan-hop table: from which states the
// coordinator may dispatch which step kinds. Plans are ordered subsets
// of CanonicalOrder, so any strictly forward hop is legal.
var advance = buildAdvance()

func buildAdvance() map[State]map[StepKind]bool {
	a := make(map[State]map[StepKind]bool)

	allow := func(from State, k StepKind) {
		m, ok := a[from]
		if !ok {
			m = make(map[StepKind]bool)
			a[from] = m
		}
		m[k] = true
	}

	for _, k := range CanonicalOrder {
		allow(StateInitiated, k)
	}
	for i, from := range CanonicalOrder {
		if doneStateOf[from] == StateCompleted {
			continue
		}
		for _, to := range CanonicalOrder[i+1:] {
			allow(doneStateOf[from], to)
		}
	}
	return a
}

// CanAdvance reports whether dispatching the given step kind from the
// given state is a legal plan hop.
func CanAdvance(from State, k StepKind) bool {
	return advance[from][k]
}
