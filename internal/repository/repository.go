// Package repository persists saga instances, their step records and
// the append-only audit trail.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/transfer/orchestrator/internal/saga"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict means another writer updated the saga since it
	// was read. The single-writer lock makes this rare; it still guards
	// against split-brain updates.
	ErrVersionConflict = errors.New("optimistic lock failed")
)

// Store is the saga persistence contract. Update must write the saga
// row, any new step records and any new audit entries atomically, and
// must be idempotent per (saga, seq) so crash-retries never duplicate
// history.
type Store interface {
	Create(ctx context.Context, inst *saga.Instance) error
	Get(ctx context.Context, id int64) (*saga.Instance, error)
	GetByClientKey(ctx context.Context, clientKey string) (*saga.Instance, error)
	// Update persists the instance guarded by its Version and bumps
	// Version on success.
	Update(ctx context.Context, inst *saga.Instance) error
	// ListStalePending returns non-terminal sagas not updated since the
	// cutoff, for the deadline sweeper.
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*saga.Instance, error)
	// ListByState returns sagas in a given state, newest first.
	ListByState(ctx context.Context, state saga.State, limit int) ([]*saga.Instance, error)
}
