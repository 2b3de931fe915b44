// Package executor defines the step executor contract and the adapters
// that bridge it to the external providers. Executors are stateless
// with respect to saga data: they take a request plus an idempotency
// key and return a result, never touching saga state.
package executor

import (
	"context"
	"fmt"

	"github.com/transfer/orchestrator/internal/client"
	"github.com/transfer/orchestrator/internal/saga"
)

// Request is one forward execution attempt.
type Request struct {
	SagaID         int64
	Kind           saga.StepKind
	IdempotencyKey string
	Transfer       saga.TransferDetails
}

// Result is the executor's verdict. CompensationRef is the provider
// reference needed to undo the step later; only set on approval of a
// compensable step.
type Result struct {
	Outcome         saga.Outcome
	Detail          string
	CompensationRef string
}

// StepExecutor is the uniform contract each external domain implements.
// Execute must be safe to call more than once with the same key.
// Compensate undoes a previously successful Execute and is a no-op for
// kinds without real-world side effects.
type StepExecutor interface {
	Kind() saga.StepKind
	Execute(ctx context.Context, req *Request) *Result
	Compensate(ctx context.Context, rec *saga.StepRecord, idempotencyKey string) *Result
}

// Registry resolves executors by step kind.
type Registry struct {
	executors map[saga.StepKind]StepExecutor
}

func NewRegistry(execs ...StepExecutor) *Registry {
	m := make(map[saga.StepKind]StepExecutor, len(execs))
	for _, e := range execs {
		m[e.Kind()] = e
	}
	return &Registry{executors: m}
}

func (r *Registry) Get(kind saga.StepKind) (StepExecutor, error) {
	e, ok := r.executors[kind]
	if !ok {
		return nil, fmt.Errorf("no executor registered for step kind %q", kind)
	}
	return e, nil
}

// resultFrom maps a provider response (or a transport error) onto the
// outcome taxonomy. Transport faults are transient: the provider may be
// healthy again on retry.
func resultFrom(resp *client.CheckResponse, err error) *Result {
	if err != nil {
		return &Result{Outcome: saga.OutcomeTransientError, Detail: err.Error()}
	}
	switch resp.Status {
	case client.StatusApproved:
		return &Result{Outcome: saga.OutcomeApproved, Detail: resp.Detail, CompensationRef: resp.Ref}
	case client.StatusRejected:
		return &Result{Outcome: saga.OutcomeRejected, Detail: resp.Detail}
	case client.StatusError:
		if resp.ErrorKind == client.ErrorKindFatal {
			return &Result{Outcome: saga.OutcomeFatalError, Detail: resp.Detail}
		}
		return &Result{Outcome: saga.OutcomeTransientError, Detail: resp.Detail}
	default:
		return &Result{Outcome: saga.OutcomeFatalError, Detail: fmt.Sprintf("unknown provider status %q", resp.Status)}
	}
}

// noopCompensation is returned by read-only steps.
func noopCompensation() *Result {
	return &Result{Outcome: saga.OutcomeApproved, Detail: "no side effect to reverse"}
}
