package repository

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/transfer/orchestrator/internal/saga"
)

func TestPostgresCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO orchestrator.sagas").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO orchestrator.saga_audit").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inst := testInstance(42)
	inst.Audit = []saga.AuditEntry{{
		ID:        1,
		SagaID:    42,
		Seq:       0,
		FromState: saga.StateInitiated,
		ToState:   saga.StateScreeningPending,
		Event:     saga.EventInitiate,
		CreatedAt: time.Now(),
	}}

	s := NewPostgresStore(db)
	if err := s.Create(context.Background(), inst); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresUpdateVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE orchestrator.sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	inst := testInstance(42)
	inst.Version = 3

	s := NewPostgresStore(db)
	if err := s.Update(context.Background(), inst); err != ErrVersionConflict {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM orchestrator.sagas WHERE saga_id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{"saga_id"}))

	s := NewPostgresStore(db)
	if _, err := s.Get(context.Background(), 42); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresGetRoundTrip(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	cols := []string{
		"saga_id", "client_key", "state", "plan", "plan_index", "attempt",
		"compensating", "terminal_on_compensated", "compensation_index",
		"amount", "currency", "target_currency", "sender_party",
		"beneficiary_party", "beneficiary_ref", "risk_signals",
		"prior_transfers", "version", "created_at_ms", "updated_at_ms",
	}
	mock.ExpectQuery("SELECT (.+) FROM orchestrator.sagas WHERE saga_id").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			int64(42), "client-9", "PaymentCaptured", `["screening","risk","payment","payout"]`,
			3, 0, false, "", 0, int64(500), "EUR", "", "acct-1", "acct-2",
			"ref-9", `["pep"]`, 4, int64(5), int64(1700000000000), int64(1700000001000),
		))
	mock.ExpectQuery("SELECT (.+) FROM orchestrator.saga_steps").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{
			"step_id", "saga_id", "seq", "kind", "outcome", "detail", "status", "compensation_ref", "completed_at_ms",
		}).AddRow(int64(7), int64(42), 0, "screening", "Approved", "", "completed", "", int64(1700000000500)))
	mock.ExpectQuery("SELECT (.+) FROM orchestrator.saga_audit").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{
			"audit_id", "saga_id", "seq", "from_state", "to_state", "event", "cause", "created_at_ms",
		}).AddRow(int64(8), int64(42), 0, "Initiated", "ScreeningPending", "Initiate", "", int64(1700000000000)))

	s := NewPostgresStore(db)
	inst, err := s.Get(context.Background(), 42)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if inst.State != saga.StatePaymentCaptured || inst.Version != 5 {
		t.Fatalf("unexpected saga: %+v", inst)
	}
	if len(inst.Plan) != 4 || inst.Plan[0] != saga.StepScreening {
		t.Fatalf("unexpected plan: %v", inst.Plan)
	}
	if len(inst.Transfer.RiskSignals) != 1 || inst.Transfer.RiskSignals[0] != "pep" {
		t.Fatalf("unexpected risk signals: %v", inst.Transfer.RiskSignals)
	}
	if len(inst.Steps) != 1 || inst.Steps[0].Kind != saga.StepScreening {
		t.Fatalf("unexpected steps: %+v", inst.Steps)
	}
	if len(inst.Audit) != 1 || inst.Audit[0].Event != saga.EventInitiate {
		t.Fatalf("unexpected audit: %+v", inst.Audit)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
