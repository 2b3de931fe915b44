package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/transfer/orchestrator/internal/saga"
)

// MemoryStore keeps sagas in process memory. Used by tests and the
// single-node development setup.
type MemoryStore struct {
	mu       sync.Mutex
	sagas    map[int64]*saga.Instance
	byClient map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sagas:    make(map[int64]*saga.Instance),
		byClient: make(map[string]int64),
	}
}

func (s *MemoryStore) Create(ctx context.Context, inst *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := cloneInstance(inst)
	if cp.Version == 0 {
		cp.Version = 1
		inst.Version = 1
	}
	s.sagas[cp.ID] = cp
	if cp.ClientKey != "" {
		s.byClient[cp.ClientKey] = cp.ID
	}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.sagas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) GetByClientKey(ctx context.Context, clientKey string) (*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byClient[clientKey]
	if !ok {
		return nil, ErrNotFound
	}
	inst, ok := s.sagas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneInstance(inst), nil
}

func (s *MemoryStore) Update(ctx context.Context, inst *saga.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.sagas[inst.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != inst.Version {
		return ErrVersionConflict
	}

	cp := cloneInstance(inst)
	cp.Version++
	cp.UpdatedAt = time.Now()
	s.sagas[inst.ID] = cp

	inst.Version = cp.Version
	inst.UpdatedAt = cp.UpdatedAt
	return nil
}

func (s *MemoryStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*saga.Instance
	for _, inst := range s.sagas {
		if saga.IsTerminal(inst.State) {
			continue
		}
		if inst.UpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByState(ctx context.Context, state saga.State, limit int) ([]*saga.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*saga.Instance
	for _, inst := range s.sagas {
		if inst.State != state {
			continue
		}
		out = append(out, cloneInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneInstance(inst *saga.Instance) *saga.Instance {
	cp := *inst
	cp.Plan = append([]saga.StepKind(nil), inst.Plan...)
	cp.Steps = append([]saga.StepRecord(nil), inst.Steps...)
	cp.Audit = append([]saga.AuditEntry(nil), inst.Audit...)
	cp.Transfer.RiskSignals = append([]string(nil), inst.Transfer.RiskSignals...)
	return &cp
}
