// Package coordinator drives transfer sagas: it creates them, applies
// step results against the transition table, dispatches the next
// planned step and triggers compensation when a saga cannot complete.
// The coordinator is the single writer of saga state; workers only
// execute steps and report verdicts.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/transfer/orchestrator/internal/compensation"
	"github.com/transfer/orchestrator/internal/idempotency"
	"github.com/transfer/orchestrator/internal/metrics"
	"github.com/transfer/orchestrator/internal/policy"
	"github.com/transfer/orchestrator/internal/repository"
	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/internal/transport"
	commonerrors "github.com/transfer/orchestrator/pkg/errors"
	"github.com/transfer/orchestrator/pkg/logger"
	pkgredis "github.com/transfer/orchestrator/pkg/redis"
)

const stripeCount = 64

// Config tunes retry, timeout and locking behavior.
type Config struct {
	// MaxAttempts bounds forward execution attempts per step, the
	// first attempt included.
	MaxAttempts int
	// RetryBase is the first retry delay; it doubles per attempt up to
	// RetryMax.
	RetryBase time.Duration
	RetryMax  time.Duration
	// StepTimeout is the per-dispatch deadline. Past it the stale
	// sweeper synthesizes a transient failure.
	StepTimeout time.Duration
	// IdemTTL is the retention of idempotency entries.
	IdemTTL time.Duration
	// LockTTL is the per-saga distributed lock TTL.
	LockTTL time.Duration
	// InstanceName identifies this coordinator as a lock owner.
	InstanceName string
}

var DefaultConfig = Config{
	MaxAttempts:  3,
	RetryBase:    2 * time.Second,
	RetryMax:     30 * time.Second,
	StepTimeout:  30 * time.Second,
	IdemTTL:      24 * time.Hour,
	LockTTL:      15 * time.Second,
	InstanceName: "coordinator-1",
}

// IDGenerator mints saga, step and audit identifiers.
type IDGenerator interface {
	NextID() int64
}

// DispatchPublisher sends work to the step workers.
type DispatchPublisher interface {
	PublishDispatch(ctx context.Context, msg *transport.DispatchMessage) error
}

// Notifier publishes saga lifecycle events to interested parties.
type Notifier interface {
	PublishStateChanged(ctx context.Context, party string, sagaID int64, from, to saga.State, event saga.Event) error
	PublishTerminal(ctx context.Context, party string, view *saga.View) error
}

// Deps are the coordinator's collaborators. Locker and Notifier are
// optional; everything else is required.
type Deps struct {
	Store       repository.Store
	Idem        idempotency.Store
	Policy      *policy.Policy
	Dispatcher  DispatchPublisher
	Compensator *compensation.Manager
	IDGen       IDGenerator
	Metrics     *metrics.Metrics
	Log         *logger.Logger
	// Locker backs the per-saga distributed lock. Nil means in-process
	// striped locking only, enough for a single coordinator instance.
	Locker   *pkgredis.Client
	Notifier Notifier
}

type Coordinator struct {
	cfg         Config
	store       repository.Store
	idem        idempotency.Store
	policy      *policy.Policy
	dispatcher  DispatchPublisher
	compensator *compensation.Manager
	idGen       IDGenerator
	metrics     *metrics.Metrics
	log         *logger.Logger
	locker      *pkgredis.Client
	notifier    Notifier

	stripes [stripeCount]sync.Mutex

	now   func() time.Time
	after func(time.Duration, func())
}

func New(cfg Config, deps Deps) *Coordinator {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultConfig.RetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultConfig.RetryMax
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig.StepTimeout
	}
	if cfg.IdemTTL <= 0 {
		cfg.IdemTTL = DefaultConfig.IdemTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig.LockTTL
	}
	if cfg.InstanceName == "" {
		cfg.InstanceName = DefaultConfig.InstanceName
	}
	return &Coordinator{
		cfg:         cfg,
		store:       deps.Store,
		idem:        deps.Idem,
		policy:      deps.Policy,
		dispatcher:  deps.Dispatcher,
		compensator: deps.Compensator,
		idGen:       deps.IDGen,
		metrics:     deps.Metrics,
		log:         deps.Log,
		locker:      deps.Locker,
		notifier:    deps.Notifier,
		now:         time.Now,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
	}
}

// InitiateRequest starts one transfer saga. ClientKey dedupes retried
// submissions of the same transfer.
type InitiateRequest struct {
	ClientKey string
	Transfer  saga.TransferDetails
}

// Initiate creates a saga, selects its step plan and dispatches the
// first step. Re-submitting a known client key returns the existing
// saga instead of starting a second one.
func (c *Coordinator) Initiate(ctx context.Context, req *InitiateRequest) (*saga.View, error) {
	if err := validateInitiate(req); err != nil {
		return nil, err
	}

	if existing, err := c.store.GetByClientKey(ctx, req.ClientKey); err == nil {
		return existing.Snapshot(), nil
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	key := idempotency.InitiateKey(req.ClientKey)
	reservation, entry, err := c.idem.CheckAndReserve(ctx, key, c.cfg.IdemTTL)
	if err != nil {
		return nil, err
	}
	switch reservation {
	case idempotency.AlreadyInFlight:
		return nil, commonerrors.New(commonerrors.CodeSagaLocked, "transfer initiation already in progress")
	case idempotency.AlreadyCompleted:
		id, perr := strconv.ParseInt(string(entry.Result), 10, 64)
		if perr != nil {
			return nil, fmt.Errorf("corrupt initiate record for %s: %w", key, perr)
		}
		existing, gerr := c.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return existing.Snapshot(), nil
	}

	plan, reason := c.policy.Plan(req.Transfer)
	now := c.now()
	inst := &saga.Instance{
		ID:        c.idGen.NextID(),
		ClientKey: req.ClientKey,
		State:     saga.StateInitiated,
		Transfer:  req.Transfer,
		Plan:      plan,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.store.Create(ctx, inst); err != nil {
		c.releaseIdem(ctx, key)
		return nil, err
	}
	if err := c.idem.RecordResult(ctx, key, strconv.AppendInt(nil, inst.ID, 10)); err != nil {
		return nil, err
	}

	unlock, err := c.lockSaga(ctx, inst.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := c.dispatchNext(ctx, inst, saga.EventInitiate, reason); err != nil {
		return nil, err
	}
	return inst.Snapshot(), nil
}

// GetStatus returns the read-only view of one saga.
func (c *Coordinator) GetStatus(ctx context.Context, sagaID int64) (*saga.View, error) {
	inst, err := c.store.Get(ctx, sagaID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, commonerrors.Newf(commonerrors.CodeNotFound, "saga %d not found", sagaID)
		}
		return nil, err
	}
	return inst.Snapshot(), nil
}

func validateInitiate(req *InitiateRequest) error {
	switch {
	case strings.TrimSpace(req.ClientKey) == "":
		return commonerrors.New(commonerrors.CodeValidation, "clientKey is required")
	case req.Transfer.Amount <= 0:
		return commonerrors.New(commonerrors.CodeValidation, "amount must be positive")
	case strings.TrimSpace(req.Transfer.Currency) == "":
		return commonerrors.New(commonerrors.CodeValidation, "currency is required")
	case strings.TrimSpace(req.Transfer.SenderParty) == "":
		return commonerrors.New(commonerrors.CodeValidation, "senderParty is required")
	case strings.TrimSpace(req.Transfer.BeneficiaryParty) == "":
		return commonerrors.New(commonerrors.CodeValidation, "beneficiaryParty is required")
	case strings.TrimSpace(req.Transfer.BeneficiaryRef) == "":
		return commonerrors.New(commonerrors.CodeValidation, "beneficiaryRef is required")
	}
	return nil
}

// transition moves the saga to a new state and appends the audit entry.
func (c *Coordinator) transition(ctx context.Context, inst *saga.Instance, to saga.State, ev saga.Event, cause string) {
	from := inst.State
	inst.State = to
	inst.UpdatedAt = c.now()
	inst.Audit = append(inst.Audit, saga.AuditEntry{
		ID:        c.idGen.NextID(),
		SagaID:    inst.ID,
		Seq:       len(inst.Audit),
		FromState: from,
		ToState:   to,
		Event:     ev,
		Cause:     cause,
		CreatedAt: inst.UpdatedAt,
	})
	c.metrics.IncTransition(to)
	if c.notifier != nil {
		if err := c.notifier.PublishStateChanged(ctx, inst.Transfer.SenderParty, inst.ID, from, to, ev); err != nil {
			c.log.WithError(err).Warn("state change notification failed")
		}
	}
}

// applyEvent resolves a result event against the transition table.
// When compensation finishes, the terminal state recorded at the start
// of compensation wins over the table's default.
func (c *Coordinator) applyEvent(ctx context.Context, inst *saga.Instance, ev saga.Event, cause string) bool {
	to, ok := saga.Next(inst.State, ev)
	if !ok {
		return false
	}
	if ev == saga.EventCompensated && inst.TerminalOnCompensated != "" {
		to = inst.TerminalOnCompensated
	}
	c.transition(ctx, inst, to, ev, cause)
	return true
}

// dispatchNext moves the saga into the pending state of its next
// planned step, reserves the idempotency key ahead of the publish and
// sends the dispatch message.
func (c *Coordinator) dispatchNext(ctx context.Context, inst *saga.Instance, ev saga.Event, cause string) error {
	if inst.PlanIndex >= len(inst.Plan) {
		return fmt.Errorf("saga %d has no step at plan index %d", inst.ID, inst.PlanIndex)
	}
	kind := inst.Plan[inst.PlanIndex]
	if !saga.CanAdvance(inst.State, kind) {
		return fmt.Errorf("saga %d cannot advance from %s to step %s", inst.ID, inst.State, kind)
	}

	c.transition(ctx, inst, saga.PendingState(kind), ev, cause)

	// the key is reserved before anything leaves this process, so a
	// crash between persist and publish cannot double-execute
	key := idempotency.ForwardKey(inst.ID, kind, inst.Attempt)
	if _, _, err := c.idem.CheckAndReserve(ctx, key, c.cfg.IdemTTL); err != nil {
		return fmt.Errorf("reserve %s: %w", key, err)
	}
	if err := c.store.Update(ctx, inst); err != nil {
		return err
	}
	return c.publishDispatch(ctx, inst, kind, key)
}

func (c *Coordinator) publishDispatch(ctx context.Context, inst *saga.Instance, kind saga.StepKind, key string) error {
	err := c.dispatcher.PublishDispatch(ctx, &transport.DispatchMessage{
		SagaID:         inst.ID,
		StepKind:       kind,
		IdempotencyKey: key,
		Attempt:        inst.Attempt,
		Transfer:       inst.Transfer,
		DeadlineMs:     c.now().Add(c.cfg.StepTimeout).UnixMilli(),
	})
	if err != nil {
		// the saga stays pending; the stale sweeper picks it up
		return fmt.Errorf("dispatch saga %d step %s: %w", inst.ID, kind, err)
	}
	c.metrics.IncDispatch(kind)
	return nil
}

func (c *Coordinator) releaseIdem(ctx context.Context, key string) {
	if err := c.idem.Release(ctx, key); err != nil {
		c.log.WithError(err).WithField("key", key).Warn("failed to release idempotency key")
	}
}

// lockSaga serializes all mutation of one saga: a striped in-process
// mutex first, then the distributed lock when one is configured.
func (c *Coordinator) lockSaga(ctx context.Context, sagaID int64) (func(), error) {
	mu := &c.stripes[uint64(sagaID)%stripeCount]
	mu.Lock()
	if c.locker == nil {
		return mu.Unlock, nil
	}

	lock := pkgredis.NewLock(c.locker, fmt.Sprintf("saga:lock:%d", sagaID), c.cfg.InstanceName, c.cfg.LockTTL)
	ok, err := lock.Acquire(ctx)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	if !ok {
		mu.Unlock()
		return nil, commonerrors.Newf(commonerrors.CodeSagaLocked, "saga %d is locked by another coordinator", sagaID)
	}
	return func() {
		if rerr := lock.Release(context.Background()); rerr != nil {
			c.log.WithError(rerr).WithField("sagaID", sagaID).Warn("failed to release saga lock")
		}
		mu.Unlock()
	}, nil
}

func (c *Coordinator) notifyTerminal(ctx context.Context, inst *saga.Instance) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.PublishTerminal(ctx, inst.Transfer.SenderParty, inst.Snapshot()); err != nil {
		c.log.WithError(err).Warn("terminal notification failed")
	}
}

func (c *Coordinator) retryDelay(attempt int) time.Duration {
	d := c.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.cfg.RetryMax {
			return c.cfg.RetryMax
		}
	}
	if d > c.cfg.RetryMax {
		return c.cfg.RetryMax
	}
	return d
}
