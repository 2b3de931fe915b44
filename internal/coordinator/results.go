package coordinator

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/transfer/orchestrator/internal/compensation"
	"github.com/transfer/orchestrator/internal/idempotency"
	"github.com/transfer/orchestrator/internal/repository"
	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/internal/transport"
	"github.com/transfer/orchestrator/pkg/logger"
)

// HandleStepResult applies one step verdict to its saga. Delivery is
// at least once: duplicates, results for an older attempt and results
// arriving after the saga moved on are discarded without effect.
// Returning an error leaves the message pending for redelivery.
func (c *Coordinator) HandleStepResult(ctx context.Context, msg *transport.ResultMessage) error {
	log := c.log.WithContext(logger.ContextWithSagaID(ctx, msg.SagaID)).WithField("step", msg.StepKind)

	if !saga.ValidStepKind(msg.StepKind) || !saga.ValidOutcome(msg.Outcome) {
		log.WithField("outcome", msg.Outcome).Warn("dropping malformed result")
		return nil
	}

	unlock, err := c.lockSaga(ctx, msg.SagaID)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := c.store.Get(ctx, msg.SagaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("dropping result for unknown saga")
			return nil
		}
		return err
	}

	// the expected source state plus the attempt epoch is the staleness
	// gate: anything else already happened and is discarded untouched
	if inst.State != saga.PendingState(msg.StepKind) || msg.Attempt != inst.Attempt {
		c.metrics.IncStaleEvent()
		log.Infof("discarding stale result", map[string]interface{}{
			"state":   inst.State,
			"attempt": msg.Attempt,
			"outcome": msg.Outcome,
		})
		return nil
	}

	switch msg.Outcome {
	case saga.OutcomeApproved:
		return c.onApproved(ctx, inst, msg)
	case saga.OutcomeRejected:
		return c.onRejected(ctx, inst, msg)
	case saga.OutcomeFatalError:
		return c.onFatal(ctx, inst, msg)
	case saga.OutcomeTransientError:
		return c.onTransient(ctx, log, inst, msg)
	case saga.OutcomeCircuitOpen:
		return c.onCircuitOpen(ctx, log, inst, msg)
	}
	return nil
}

func (c *Coordinator) onApproved(ctx context.Context, inst *saga.Instance, msg *transport.ResultMessage) error {
	if err := c.recordForward(ctx, msg); err != nil {
		return err
	}

	inst.Steps = append(inst.Steps, saga.StepRecord{
		ID:              c.idGen.NextID(),
		SagaID:          inst.ID,
		Seq:             len(inst.Steps),
		Kind:            msg.StepKind,
		Outcome:         saga.OutcomeApproved,
		Detail:          msg.Detail,
		Status:          saga.StepStatusCompleted,
		CompensationRef: msg.CompensationRef,
		CompletedAt:     c.now(),
	})
	c.applyEvent(ctx, inst, saga.ApprovedEvent(msg.StepKind), msg.Detail)

	if inst.State == saga.StateCompleted {
		if err := c.store.Update(ctx, inst); err != nil {
			return err
		}
		c.notifyTerminal(ctx, inst)
		return nil
	}

	inst.PlanIndex++
	inst.Attempt = 0
	return c.dispatchNext(ctx, inst, saga.EventDispatch, "")
}

func (c *Coordinator) onRejected(ctx context.Context, inst *saga.Instance, msg *transport.ResultMessage) error {
	if err := c.recordForward(ctx, msg); err != nil {
		return err
	}

	c.applyEvent(ctx, inst, saga.RejectedEvent(msg.StepKind), msg.Detail)
	if inst.State == saga.StateCompensating {
		// a post-capture rejection must refund the capture before the
		// saga can settle on Rejected
		inst.Compensating = true
		inst.TerminalOnCompensated = saga.StateRejected
		return c.runCompensation(ctx, inst)
	}

	if err := c.store.Update(ctx, inst); err != nil {
		return err
	}
	c.notifyTerminal(ctx, inst)
	return nil
}

func (c *Coordinator) onFatal(ctx context.Context, inst *saga.Instance, msg *transport.ResultMessage) error {
	if err := c.recordForward(ctx, msg); err != nil {
		return err
	}
	return c.beginCompensation(ctx, inst, msg.StepKind, msg.Detail)
}

// beginCompensation routes a failed saga through the error edge. Before
// the capture completes the edge lands directly on Failed and the saga
// settles with no compensation pass; only a payout failure enters
// Compensating, since only then are there captured funds to refund.
func (c *Coordinator) beginCompensation(ctx context.Context, inst *saga.Instance, kind saga.StepKind, cause string) error {
	c.applyEvent(ctx, inst, saga.ErroredEvent(kind), cause)
	if inst.State != saga.StateCompensating {
		if err := c.store.Update(ctx, inst); err != nil {
			return err
		}
		c.notifyTerminal(ctx, inst)
		return nil
	}
	inst.Compensating = true
	if inst.TerminalOnCompensated == "" {
		inst.TerminalOnCompensated = saga.StateFailed
	}
	return c.runCompensation(ctx, inst)
}

func (c *Coordinator) onTransient(ctx context.Context, log *logger.Logger, inst *saga.Instance, msg *transport.ResultMessage) error {
	if err := c.recordForward(ctx, msg); err != nil {
		return err
	}

	if inst.Attempt+1 >= c.cfg.MaxAttempts {
		log.WithField("attempt", inst.Attempt).Warn("retry budget exhausted")
		return c.beginCompensation(ctx, inst, msg.StepKind, "retries exhausted: "+msg.Detail)
	}

	inst.Attempt++
	inst.UpdatedAt = c.now()
	if err := c.store.Update(ctx, inst); err != nil {
		return err
	}
	c.metrics.IncRetry(msg.StepKind)

	attempt := inst.Attempt
	kind := msg.StepKind
	sagaID := inst.ID
	c.after(c.retryDelay(attempt), func() {
		c.redispatch(sagaID, kind, attempt)
	})
	log.Infof("retry scheduled", map[string]interface{}{
		"attempt": attempt,
		"delay":   c.retryDelay(attempt).String(),
	})
	return nil
}

// onCircuitOpen reschedules the same attempt without touching the
// retry budget: the executor never ran, so nothing actually failed.
func (c *Coordinator) onCircuitOpen(ctx context.Context, log *logger.Logger, inst *saga.Instance, msg *transport.ResultMessage) error {
	attempt := inst.Attempt
	kind := msg.StepKind
	sagaID := inst.ID
	c.after(c.cfg.RetryBase, func() {
		c.redispatch(sagaID, kind, attempt)
	})
	log.Info("circuit open, dispatch rescheduled")
	return nil
}

// recordForward completes the write-ahead reservation for the attempt
// this result answers. A duplicate delivery of the same verdict is a
// no-op; a conflicting verdict surfaces as a consistency violation.
func (c *Coordinator) recordForward(ctx context.Context, msg *transport.ResultMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := idempotency.ForwardKey(msg.SagaID, msg.StepKind, msg.Attempt)
	return c.idem.RecordResult(ctx, key, payload)
}

// redispatch re-publishes a pending step after a retry delay. The saga
// may have moved on in the meantime, so everything is re-checked under
// the lock.
func (c *Coordinator) redispatch(sagaID int64, kind saga.StepKind, attempt int) {
	ctx := context.Background()
	log := c.log.WithContext(logger.ContextWithSagaID(ctx, sagaID)).WithField("step", kind)

	unlock, err := c.lockSaga(ctx, sagaID)
	if err != nil {
		log.WithError(err).Warn("redispatch could not lock saga")
		c.after(c.cfg.RetryBase, func() { c.redispatch(sagaID, kind, attempt) })
		return
	}
	defer unlock()

	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		log.WithError(err).Error("redispatch could not load saga")
		return
	}
	if inst.State != saga.PendingState(kind) || inst.Attempt != attempt {
		return
	}

	key := idempotency.ForwardKey(inst.ID, kind, inst.Attempt)
	if _, _, err := c.idem.CheckAndReserve(ctx, key, c.cfg.IdemTTL); err != nil {
		log.WithError(err).Error("redispatch could not reserve key")
		return
	}
	if err := c.publishDispatch(ctx, inst, kind, key); err != nil {
		log.WithError(err).Error("redispatch publish failed")
	}
}

// runCompensation reverses the saga's completed side effects and
// settles it on its terminal state. A retryable interruption persists
// partial progress and reschedules itself.
func (c *Coordinator) runCompensation(ctx context.Context, inst *saga.Instance) error {
	ev, err := c.compensator.Run(ctx, inst)
	if err != nil {
		if !errors.Is(err, compensation.ErrRetryLater) {
			return err
		}
		if uerr := c.store.Update(ctx, inst); uerr != nil {
			return uerr
		}
		sagaID := inst.ID
		c.after(c.cfg.RetryBase, func() {
			c.resumeCompensation(sagaID)
		})
		return nil
	}

	for _, rec := range inst.Steps {
		if rec.Status == saga.StepStatusCompensated {
			c.metrics.IncCompensation(rec.Kind)
		}
	}
	c.applyEvent(ctx, inst, ev, "")
	if err := c.store.Update(ctx, inst); err != nil {
		return err
	}
	c.notifyTerminal(ctx, inst)
	return nil
}

func (c *Coordinator) resumeCompensation(sagaID int64) {
	ctx := context.Background()
	log := c.log.WithContext(logger.ContextWithSagaID(ctx, sagaID))

	unlock, err := c.lockSaga(ctx, sagaID)
	if err != nil {
		log.WithError(err).Warn("compensation resume could not lock saga")
		c.after(c.cfg.RetryBase, func() { c.resumeCompensation(sagaID) })
		return
	}
	defer unlock()

	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		log.WithError(err).Error("compensation resume could not load saga")
		return
	}
	if inst.State != saga.StateCompensating {
		return
	}
	if err := c.runCompensation(ctx, inst); err != nil {
		log.WithError(err).Error("compensation resume failed")
	}
}
