// Package idempotency guarantees at-most-once side effects under
// at-least-once delivery. Every dispatch reserves its operation key
// before any work is sent out, so replays are recognized instead of
// re-executed.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/transfer/orchestrator/internal/saga"
)

// Status of an idempotency entry.
type Status string

const (
	StatusInFlight  Status = "in-flight"
	StatusCompleted Status = "completed"
)

// Reservation is the outcome of CheckAndReserve.
type Reservation int

const (
	// Reserved means the caller now owns the key and must eventually
	// record a result or release the reservation.
	Reserved Reservation = iota
	// AlreadyInFlight means another owner holds the key and has not
	// recorded a result yet.
	AlreadyInFlight
	// AlreadyCompleted means the key has a recorded result, returned
	// verbatim.
	AlreadyCompleted
)

func (r Reservation) String() string {
	switch r {
	case Reserved:
		return "Reserved"
	case AlreadyInFlight:
		return "AlreadyInFlight"
	case AlreadyCompleted:
		return "AlreadyCompleted"
	}
	return fmt.Sprintf("Reservation(%d)", int(r))
}

// Entry is one persisted idempotency record.
type Entry struct {
	Key       string    `json:"key"`
	Status    Status    `json:"status"`
	Result    []byte    `json:"result,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store is the atomic check-and-set contract.
type Store interface {
	// CheckAndReserve atomically claims a key. The returned entry is
	// non-nil for AlreadyInFlight and AlreadyCompleted.
	CheckAndReserve(ctx context.Context, key string, ttl time.Duration) (Reservation, *Entry, error)
	// RecordResult transitions Reserved to AlreadyCompleted. Recording
	// the same result again is a no-op; a conflicting result for a
	// completed key returns a consistency violation.
	RecordResult(ctx context.Context, key string, result []byte) error
	// Release abandons an unfulfilled reservation, e.g. when the
	// dispatch publish itself failed.
	Release(ctx context.Context, key string) error
	// ExpireBefore removes entries whose expiry passed the cutoff,
	// skipping entries still owned by a non-terminal saga, and
	// returns how many were removed.
	ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ForwardKey is the operation key for one forward execution attempt.
// The attempt epoch makes each retry a distinct operation.
func ForwardKey(sagaID int64, kind saga.StepKind, attempt int) string {
	return fmt.Sprintf("%d:%s:%d", sagaID, kind, attempt)
}

// CompensationKey namespaces compensating actions away from forward
// operations on the same step. The step record's seq keeps the key
// stable across compensation retries.
func CompensationKey(sagaID int64, kind saga.StepKind, seq int) string {
	return fmt.Sprintf("comp:%d:%s:%d", sagaID, kind, seq)
}

// InitiateKey dedupes saga creation on the caller-provided client key.
func InitiateKey(clientKey string) string {
	return "initiate:" + clientKey
}
