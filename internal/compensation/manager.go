// Package compensation undoes the side effects of a saga that cannot
// complete. Compensable completed steps are reversed in the opposite
// order of their completion, each behind its own idempotency key, so a
// re-run after a crash never reverses the same capture twice.
package compensation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/transfer/orchestrator/internal/breaker"
	"github.com/transfer/orchestrator/internal/executor"
	"github.com/transfer/orchestrator/internal/idempotency"
	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/pkg/logger"
)

// ErrRetryLater means the current compensating action could not run to
// a verdict (transient provider fault, open breaker, or a reservation
// still held by a previous run). The caller reschedules the whole run;
// already compensated steps are skipped via their recorded results.
var ErrRetryLater = errors.New("compensation must be retried")

const defaultKeyTTL = 24 * time.Hour

// Manager walks a saga's compensable steps backwards and reverses them.
type Manager struct {
	executors *executor.Registry
	breakers  *breaker.Registry
	idem      idempotency.Store
	log       *logger.Logger
	keyTTL    time.Duration
}

func NewManager(execs *executor.Registry, breakers *breaker.Registry, idem idempotency.Store, log *logger.Logger) *Manager {
	return &Manager{
		executors: execs,
		breakers:  breakers,
		idem:      idem,
		log:       log,
		keyTTL:    defaultKeyTTL,
	}
}

// Run compensates every remaining compensable step of inst, newest
// first. It mutates the matching step records to Compensated; the
// caller persists the instance and applies the returned event.
//
// The returned event is EventCompensated when everything was reversed
// and EventCompensationFailed when a compensating action failed fatally
// and the saga must fail-stop for manual remediation. A non-nil error
// means neither verdict was reached yet and the run must be retried.
func (m *Manager) Run(ctx context.Context, inst *saga.Instance) (saga.Event, error) {
	log := m.log.WithContext(logger.ContextWithSagaID(ctx, inst.ID))

	for _, rec := range inst.CompensableSteps() {
		done, ev, err := m.compensateStep(ctx, log, inst, rec)
		if err != nil {
			return "", err
		}
		if ev != "" {
			return ev, nil
		}
		if done {
			markCompensated(inst, rec.Seq)
		}
	}
	log.Info("compensation complete")
	return saga.EventCompensated, nil
}

// compensateStep reverses one step. done=true means the step is now
// compensated; a non-empty event aborts the whole run.
func (m *Manager) compensateStep(ctx context.Context, log *logger.Logger, inst *saga.Instance, rec saga.StepRecord) (done bool, ev saga.Event, err error) {
	// the seq is stable across retries, so the key does not change
	// when the run is rescheduled
	key := idempotency.CompensationKey(inst.ID, rec.Kind, rec.Seq)

	reservation, entry, err := m.idem.CheckAndReserve(ctx, key, m.keyTTL)
	if err != nil {
		return false, "", fmt.Errorf("reserve %s: %w", key, err)
	}
	switch reservation {
	case idempotency.AlreadyCompleted:
		res, err := decodeResult(entry.Result)
		if err != nil {
			return false, "", fmt.Errorf("decode recorded result for %s: %w", key, err)
		}
		if res.Outcome != saga.OutcomeApproved {
			return false, saga.EventCompensationFailed, nil
		}
		return true, "", nil
	case idempotency.AlreadyInFlight:
		// a previous run still owns the key; let it finish or expire
		log.WithField("key", key).Warn("compensation key already in flight")
		return false, "", ErrRetryLater
	}

	br := m.breakers.Get(string(rec.Kind))
	if !br.Allow() {
		m.release(ctx, key)
		log.WithField("step", rec.Kind).Warn("breaker open, deferring compensation")
		return false, "", ErrRetryLater
	}

	exec, err := m.executors.Get(rec.Kind)
	if err != nil {
		m.release(ctx, key)
		return false, "", err
	}

	res := exec.Compensate(ctx, &rec, key)
	switch res.Outcome {
	case saga.OutcomeApproved:
		br.RecordSuccess()
		if err := m.record(ctx, key, res); err != nil {
			return false, "", err
		}
		log.Infof("step compensated", map[string]interface{}{
			"step": rec.Kind,
			"seq":  rec.Seq,
		})
		return true, "", nil
	case saga.OutcomeTransientError:
		br.RecordFailure()
		m.release(ctx, key)
		log.WithField("step", rec.Kind).WithField("detail", res.Detail).Warn("transient compensation failure")
		return false, "", ErrRetryLater
	default:
		// fatal errors and rejections of a compensating action cannot
		// be retried away; the saga fail-stops with partial state kept
		br.RecordFailure()
		if err := m.record(ctx, key, res); err != nil {
			return false, "", err
		}
		log.Errorf("compensation failed", map[string]interface{}{
			"step":    rec.Kind,
			"outcome": res.Outcome,
			"detail":  res.Detail,
		})
		return false, saga.EventCompensationFailed, nil
	}
}

func (m *Manager) record(ctx context.Context, key string, res *executor.Result) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result for %s: %w", key, err)
	}
	if err := m.idem.RecordResult(ctx, key, payload); err != nil {
		return fmt.Errorf("record result for %s: %w", key, err)
	}
	return nil
}

func (m *Manager) release(ctx context.Context, key string) {
	if err := m.idem.Release(ctx, key); err != nil {
		m.log.WithError(err).WithField("key", key).Warn("failed to release compensation key")
	}
}

func decodeResult(raw []byte) (*executor.Result, error) {
	var res executor.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func markCompensated(inst *saga.Instance, seq int) {
	for i := range inst.Steps {
		if inst.Steps[i].Seq == seq {
			inst.Steps[i].Status = saga.StepStatusCompensated
			return
		}
	}
}
