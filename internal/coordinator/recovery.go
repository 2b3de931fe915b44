package coordinator

import (
	"context"

	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/pkg/logger"
)

// recoverBatch bounds how many stuck sagas one recovery pass loads per
// state.
const recoverBatch = 100

// Recover resumes sagas orphaned by a coordinator restart: sagas
// persisted mid-compensation whose retry timer died with the process,
// and sagas created but never dispatched. Only sagas idle for longer
// than the step timeout are touched, so in-flight work of a live
// coordinator is left alone. Meant to run at startup and then
// periodically.
func (c *Coordinator) Recover(ctx context.Context) error {
	cutoff := c.now().Add(-c.cfg.StepTimeout)

	compensating, err := c.store.ListByState(ctx, saga.StateCompensating, recoverBatch)
	if err != nil {
		return err
	}
	for _, inst := range compensating {
		if inst.UpdatedAt.After(cutoff) {
			continue
		}
		c.log.WithContext(logger.ContextWithSagaID(ctx, inst.ID)).Info("resuming orphaned compensation")
		c.resumeCompensation(inst.ID)
	}

	initiated, err := c.store.ListByState(ctx, saga.StateInitiated, recoverBatch)
	if err != nil {
		return err
	}
	for _, inst := range initiated {
		if inst.UpdatedAt.After(cutoff) {
			continue
		}
		if err := c.dispatchInitiated(ctx, inst.ID); err != nil {
			c.log.WithContext(logger.ContextWithSagaID(ctx, inst.ID)).WithError(err).Warn("stuck saga recovery failed")
		}
	}
	return nil
}

// dispatchInitiated pushes a saga that was created but never left
// Initiated into its first planned step. The state is re-checked under
// the lock in case the owning request completed meanwhile.
func (c *Coordinator) dispatchInitiated(ctx context.Context, sagaID int64) error {
	unlock, err := c.lockSaga(ctx, sagaID)
	if err != nil {
		return err
	}
	defer unlock()

	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		return err
	}
	if inst.State != saga.StateInitiated {
		return nil
	}
	return c.dispatchNext(ctx, inst, saga.EventInitiate, "recovered after coordinator restart")
}
