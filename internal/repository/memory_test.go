package repository

import (
	"context"
	"testing"
	"time"

	"github.com/transfer/orchestrator/internal/saga"
)

func testInstance(id int64) *saga.Instance {
	now := time.Now()
	return &saga.Instance{
		ID:        id,
		ClientKey: "client-1",
		State:     saga.StateInitiated,
		Plan:      []saga.StepKind{saga.StepScreening, saga.StepRisk, saga.StepPayment, saga.StepPayout},
		Transfer: saga.TransferDetails{
			Amount:           500,
			Currency:         "EUR",
			SenderParty:      "acct-1",
			BeneficiaryParty: "acct-2",
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryCreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance(100)
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.Version != 1 {
		t.Fatalf("version after create = %d, want 1", inst.Version)
	}

	got, err := s.Get(ctx, 100)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != saga.StateInitiated || got.Transfer.Amount != 500 {
		t.Fatalf("unexpected instance: %+v", got)
	}

	byKey, err := s.GetByClientKey(ctx, "client-1")
	if err != nil {
		t.Fatalf("get by client key: %v", err)
	}
	if byKey.ID != 100 {
		t.Fatalf("id = %d, want 100", byKey.ID)
	}

	if _, err := s.Get(ctx, 999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryUpdateOptimisticLock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance(100)
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}

	a, _ := s.Get(ctx, 100)
	b, _ := s.Get(ctx, 100)

	a.State = saga.StateScreeningPending
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if a.Version != 2 {
		t.Fatalf("version after update = %d, want 2", a.Version)
	}

	b.State = saga.StateFailed
	if err := s.Update(ctx, b); err != ErrVersionConflict {
		t.Fatalf("expected version conflict, got %v", err)
	}

	got, _ := s.Get(ctx, 100)
	if got.State != saga.StateScreeningPending {
		t.Fatalf("state = %s, stale write must not apply", got.State)
	}
}

func TestMemoryGetReturnsCopy(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	inst := testInstance(100)
	if err := s.Create(ctx, inst); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, _ := s.Get(ctx, 100)
	got.State = saga.StateFailed
	got.Steps = append(got.Steps, saga.StepRecord{Kind: saga.StepScreening})

	again, _ := s.Get(ctx, 100)
	if again.State != saga.StateInitiated || len(again.Steps) != 0 {
		t.Fatal("mutating a returned instance must not affect the store")
	}
}

func TestMemoryListStalePending(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	old := testInstance(1)
	old.ClientKey = "c1"
	old.State = saga.StateScreeningPending
	old.UpdatedAt = time.Now().Add(-time.Hour)
	if err := s.Create(ctx, old); err != nil {
		t.Fatalf("create old: %v", err)
	}

	fresh := testInstance(2)
	fresh.ClientKey = "c2"
	fresh.State = saga.StateRiskPending
	if err := s.Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}

	done := testInstance(3)
	done.ClientKey = "c3"
	done.State = saga.StateCompleted
	done.UpdatedAt = time.Now().Add(-time.Hour)
	if err := s.Create(ctx, done); err != nil {
		t.Fatalf("create done: %v", err)
	}

	stale, err := s.ListStalePending(ctx, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 1 || stale[0].ID != 1 {
		t.Fatalf("expected only saga 1, got %+v", stale)
	}
}

func TestMemoryListByState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for i, st := range []saga.State{saga.StateFailed, saga.StateFailed, saga.StateCompleted} {
		inst := testInstance(int64(i + 1))
		inst.ClientKey = ""
		inst.State = st
		if err := s.Create(ctx, inst); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	failed, err := s.ListByState(ctx, saga.StateFailed, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(failed) != 2 {
		t.Fatalf("expected 2 failed sagas, got %d", len(failed))
	}
}
