// Package worker consumes dispatch messages, runs the matching step
// executor behind its circuit breaker and publishes the verdict to the
// result stream. Workers hold no saga state; the coordinator owns it.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/transfer/orchestrator/internal/breaker"
	"github.com/transfer/orchestrator/internal/executor"
	"github.com/transfer/orchestrator/internal/metrics"
	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/internal/transport"
	"github.com/transfer/orchestrator/pkg/logger"
)

// ResultPublisher sends verdicts back to the coordinator.
type ResultPublisher interface {
	PublishResult(ctx context.Context, msg *transport.ResultMessage) error
}

type Worker struct {
	executors *executor.Registry
	breakers  *breaker.Registry
	publisher ResultPublisher
	metrics   *metrics.Metrics
	log       *logger.Logger

	now func() time.Time
}

func New(execs *executor.Registry, breakers *breaker.Registry, publisher ResultPublisher, m *metrics.Metrics, log *logger.Logger) *Worker {
	return &Worker{
		executors: execs,
		breakers:  breakers,
		publisher: publisher,
		metrics:   m,
		log:       log,
		now:       time.Now,
	}
}

// Handle processes one dispatch message. Returning an error leaves the
// message pending for redelivery; the coordinator's idempotency layer
// absorbs any duplicate execution that redelivery causes.
func (w *Worker) Handle(ctx context.Context, msg *transport.DispatchMessage) error {
	log := w.log.WithContext(logger.ContextWithSagaID(ctx, msg.SagaID)).WithField("step", msg.StepKind)

	// past the deadline the coordinator has already synthesized a
	// transient failure for this attempt; executing now would race it
	if msg.DeadlineMs > 0 && w.now().UnixMilli() > msg.DeadlineMs {
		log.WithField("deadlineMs", msg.DeadlineMs).Warn("dropping expired dispatch")
		return nil
	}

	exec, err := w.executors.Get(msg.StepKind)
	if err != nil {
		// nothing can ever execute this kind; a fatal verdict routes
		// the saga into compensation instead of looping forever
		return w.publish(ctx, msg, &executor.Result{
			Outcome: saga.OutcomeFatalError,
			Detail:  err.Error(),
		})
	}

	br := w.breakers.Get(string(msg.StepKind))
	if !br.Allow() {
		log.Warn("breaker open, refusing dispatch")
		return w.publish(ctx, msg, &executor.Result{
			Outcome: saga.OutcomeCircuitOpen,
			Detail:  fmt.Sprintf("breaker for %s is open", msg.StepKind),
		})
	}

	started := w.now()
	res := exec.Execute(ctx, &executor.Request{
		SagaID:         msg.SagaID,
		Kind:           msg.StepKind,
		IdempotencyKey: msg.IdempotencyKey,
		Transfer:       msg.Transfer,
	})
	w.metrics.ObserveStepLatency(msg.StepKind, w.now().Sub(started))

	// a clean rejection is a healthy provider answer, only errors count
	// against the breaker
	switch res.Outcome {
	case saga.OutcomeApproved, saga.OutcomeRejected:
		br.RecordSuccess()
	case saga.OutcomeTransientError, saga.OutcomeFatalError:
		br.RecordFailure()
	}

	return w.publish(ctx, msg, res)
}

func (w *Worker) publish(ctx context.Context, msg *transport.DispatchMessage, res *executor.Result) error {
	out := &transport.ResultMessage{
		SagaID:          msg.SagaID,
		StepKind:        msg.StepKind,
		IdempotencyKey:  msg.IdempotencyKey,
		Attempt:         msg.Attempt,
		Outcome:         res.Outcome,
		Detail:          res.Detail,
		CompensationRef: res.CompensationRef,
	}
	if err := w.publisher.PublishResult(ctx, out); err != nil {
		return fmt.Errorf("publish result for saga %d step %s: %w", msg.SagaID, msg.StepKind, err)
	}
	w.metrics.IncStepResult(msg.StepKind, res.Outcome)
	return nil
}
