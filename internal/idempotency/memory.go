package idempotency

import (
	"bytes"
	"context"
	"sync"
	"time"

	commonerrors "github.com/transfer/orchestrator/pkg/errors"
)

// MemoryStore is an in-process Store used by tests and by the
// single-node development setup.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
	live    func(key string) bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

func (s *MemoryStore) CheckAndReserve(ctx context.Context, key string, ttl time.Duration) (Reservation, *Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok {
		cp := *e
		if e.Status == StatusCompleted {
			return AlreadyCompleted, &cp, nil
		}
		return AlreadyInFlight, &cp, nil
	}

	now := s.now()
	s.entries[key] = &Entry{
		Key:       key,
		Status:    StatusInFlight,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	return Reserved, nil, nil
}

func (s *MemoryStore) RecordResult(ctx context.Context, key string, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return commonerrors.New(commonerrors.CodeConsistencyViolation, "record result for unreserved key "+key)
	}
	if e.Status == StatusCompleted {
		if bytes.Equal(e.Result, result) {
			return nil
		}
		return commonerrors.New(commonerrors.CodeConsistencyViolation, "conflicting result for completed key "+key)
	}
	e.Status = StatusCompleted
	e.Result = append([]byte(nil), result...)
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && e.Status == StatusInFlight {
		delete(s.entries, key)
	}
	return nil
}

// SetLiveCheck installs a predicate reporting whether the saga owning
// a key is still non-terminal. Entries of live sagas survive
// ExpireBefore; with no predicate entries expire purely on time.
func (s *MemoryStore) SetLiveCheck(f func(key string) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.live = f
}

func (s *MemoryStore) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for k, e := range s.entries {
		if !e.ExpiresAt.Before(cutoff) {
			continue
		}
		if s.live != nil && s.live(k) {
			continue
		}
		delete(s.entries, k)
		n++
	}
	return n, nil
}
