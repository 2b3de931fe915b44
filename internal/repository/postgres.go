package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/transfer/orchestrator/internal/saga"
)

// PostgresStore persists sagas across three tables: orchestrator.sagas
// (snapshot row with optimistic version), orchestrator.saga_steps and
// orchestrator.saga_audit (both append-only, keyed by (saga_id, seq) so
// crash-retried writes collapse).
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, inst *saga.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if inst.Version == 0 {
		inst.Version = 1
	}

	plan, err := json.Marshal(inst.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	signals, err := json.Marshal(inst.Transfer.RiskSignals)
	if err != nil {
		return fmt.Errorf("marshal risk signals: %w", err)
	}

	insert := `
		INSERT INTO orchestrator.sagas
		(saga_id, client_key, state, plan, plan_index, attempt, compensating,
		 terminal_on_compensated, compensation_index, amount, currency,
		 target_currency, sender_party, beneficiary_party, beneficiary_ref,
		 risk_signals, prior_transfers, version, created_at_ms, updated_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	_, err = tx.ExecContext(ctx, insert,
		inst.ID, inst.ClientKey, string(inst.State), string(plan), inst.PlanIndex,
		inst.Attempt, inst.Compensating, string(inst.TerminalOnCompensated),
		inst.CompensationIndex, inst.Transfer.Amount, inst.Transfer.Currency,
		inst.Transfer.TargetCurrency, inst.Transfer.SenderParty,
		inst.Transfer.BeneficiaryParty, inst.Transfer.BeneficiaryRef,
		string(signals), inst.Transfer.PriorTransfers, inst.Version,
		inst.CreatedAt.UnixMilli(), inst.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert saga: %w", err)
	}

	if err := s.writeSteps(ctx, tx, inst); err != nil {
		return err
	}
	if err := s.writeAudit(ctx, tx, inst); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PostgresStore) Update(ctx context.Context, inst *saga.Instance) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	plan, err := json.Marshal(inst.Plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	now := time.Now()
	update := `
		UPDATE orchestrator.sagas
		SET state = $1, plan = $2, plan_index = $3, attempt = $4,
		    compensating = $5, terminal_on_compensated = $6,
		    compensation_index = $7, version = version + 1, updated_at_ms = $8
		WHERE saga_id = $9 AND version = $10
	`
	res, err := tx.ExecContext(ctx, update,
		string(inst.State), string(plan), inst.PlanIndex, inst.Attempt,
		inst.Compensating, string(inst.TerminalOnCompensated),
		inst.CompensationIndex, now.UnixMilli(), inst.ID, inst.Version,
	)
	if err != nil {
		return fmt.Errorf("update saga: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rows affected: %w", err)
	}
	if rows == 0 {
		return ErrVersionConflict
	}

	if err := s.writeSteps(ctx, tx, inst); err != nil {
		return err
	}
	if err := s.writeAudit(ctx, tx, inst); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	inst.Version++
	inst.UpdatedAt = now
	return nil
}

func (s *PostgresStore) writeSteps(ctx context.Context, tx *sql.Tx, inst *saga.Instance) error {
	upsert := `
		INSERT INTO orchestrator.saga_steps
		(step_id, saga_id, seq, kind, outcome, detail, status, compensation_ref, completed_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (saga_id, seq) DO UPDATE SET status = EXCLUDED.status
	`
	for _, rec := range inst.Steps {
		_, err := tx.ExecContext(ctx, upsert,
			rec.ID, rec.SagaID, rec.Seq, string(rec.Kind), string(rec.Outcome),
			rec.Detail, string(rec.Status), rec.CompensationRef,
			rec.CompletedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("upsert step %d: %w", rec.Seq, err)
		}
	}
	return nil
}

func (s *PostgresStore) writeAudit(ctx context.Context, tx *sql.Tx, inst *saga.Instance) error {
	insert := `
		INSERT INTO orchestrator.saga_audit
		(audit_id, saga_id, seq, from_state, to_state, event, cause, created_at_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (saga_id, seq) DO NOTHING
	`
	for _, e := range inst.Audit {
		_, err := tx.ExecContext(ctx, insert,
			e.ID, e.SagaID, e.Seq, string(e.FromState), string(e.ToState),
			string(e.Event), e.Cause, e.CreatedAt.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert audit %d: %w", e.Seq, err)
		}
	}
	return nil
}

const sagaColumns = `saga_id, client_key, state, plan, plan_index, attempt, compensating,
	 terminal_on_compensated, compensation_index, amount, currency,
	 target_currency, sender_party, beneficiary_party, beneficiary_ref,
	 risk_signals, prior_transfers, version, created_at_ms, updated_at_ms`

func (s *PostgresStore) Get(ctx context.Context, id int64) (*saga.Instance, error) {
	query := `SELECT ` + sagaColumns + ` FROM orchestrator.sagas WHERE saga_id = $1`
	inst, err := s.scanSaga(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *PostgresStore) GetByClientKey(ctx context.Context, clientKey string) (*saga.Instance, error) {
	query := `SELECT ` + sagaColumns + ` FROM orchestrator.sagas WHERE client_key = $1`
	inst, err := s.scanSaga(s.db.QueryRowContext(ctx, query, clientKey))
	if err != nil {
		return nil, err
	}
	if err := s.loadHistory(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (s *PostgresStore) ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]*saga.Instance, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM orchestrator.sagas
		WHERE state NOT IN ('Completed', 'Rejected', 'Failed') AND updated_at_ms <= $1
		ORDER BY updated_at_ms ASC
		LIMIT $2
	`
	return s.queryList(ctx, query, cutoff.UnixMilli(), limit)
}

func (s *PostgresStore) ListByState(ctx context.Context, state saga.State, limit int) ([]*saga.Instance, error) {
	query := `
		SELECT ` + sagaColumns + `
		FROM orchestrator.sagas
		WHERE state = $1
		ORDER BY created_at_ms DESC
		LIMIT $2
	`
	return s.queryList(ctx, query, string(state), limit)
}

func (s *PostgresStore) queryList(ctx context.Context, query string, arg interface{}, limit int) ([]*saga.Instance, error) {
	rows, err := s.db.QueryContext(ctx, query, arg, limit)
	if err != nil {
		return nil, fmt.Errorf("query sagas: %w", err)
	}
	defer rows.Close()

	var out []*saga.Instance
	for rows.Next() {
		inst, err := s.scanSaga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	for _, inst := range out {
		if err := s.loadHistory(ctx, inst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (s *PostgresStore) scanSaga(row rowScanner) (*saga.Instance, error) {
	var (
		inst      saga.Instance
		state     string
		plan      string
		terminal  string
		signals   string
		createdMs int64
		updatedMs int64
	)
	err := row.Scan(
		&inst.ID, &inst.ClientKey, &state, &plan, &inst.PlanIndex,
		&inst.Attempt, &inst.Compensating, &terminal, &inst.CompensationIndex,
		&inst.Transfer.Amount, &inst.Transfer.Currency,
		&inst.Transfer.TargetCurrency, &inst.Transfer.SenderParty,
		&inst.Transfer.BeneficiaryParty, &inst.Transfer.BeneficiaryRef,
		&signals, &inst.Transfer.PriorTransfers, &inst.Version,
		&createdMs, &updatedMs,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan saga: %w", err)
	}

	inst.State = saga.State(state)
	inst.TerminalOnCompensated = saga.State(terminal)
	if err := json.Unmarshal([]byte(plan), &inst.Plan); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if signals != "" && signals != "null" {
		if err := json.Unmarshal([]byte(signals), &inst.Transfer.RiskSignals); err != nil {
			return nil, fmt.Errorf("unmarshal risk signals: %w", err)
		}
	}
	inst.CreatedAt = time.UnixMilli(createdMs)
	inst.UpdatedAt = time.UnixMilli(updatedMs)
	return &inst, nil
}

func (s *PostgresStore) loadHistory(ctx context.Context, inst *saga.Instance) error {
	stepQuery := `
		SELECT step_id, saga_id, seq, kind, outcome, detail, status, compensation_ref, completed_at_ms
		FROM orchestrator.saga_steps
		WHERE saga_id = $1
		ORDER BY seq ASC
	`
	rows, err := s.db.QueryContext(ctx, stepQuery, inst.ID)
	if err != nil {
		return fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec         saga.StepRecord
			kind        string
			outcome     string
			status      string
			completedMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.SagaID, &rec.Seq, &kind, &outcome, &rec.Detail, &status, &rec.CompensationRef, &completedMs); err != nil {
			return fmt.Errorf("scan step: %w", err)
		}
		rec.Kind = saga.StepKind(kind)
		rec.Outcome = saga.Outcome(outcome)
		rec.Status = saga.StepStatus(status)
		rec.CompletedAt = time.UnixMilli(completedMs)
		inst.Steps = append(inst.Steps, rec)
	}

	auditQuery := `
		SELECT audit_id, saga_id, seq, from_state, to_state, event, cause, created_at_ms
		FROM orchestrator.saga_audit
		WHERE saga_id = $1
		ORDER BY seq ASC
	`
	arows, err := s.db.QueryContext(ctx, auditQuery, inst.ID)
	if err != nil {
		return fmt.Errorf("query audit: %w", err)
	}
	defer arows.Close()

	for arows.Next() {
		var (
			e         saga.AuditEntry
			from      string
			to        string
			event     string
			createdMs int64
		)
		if err := arows.Scan(&e.ID, &e.SagaID, &e.Seq, &from, &to, &event, &e.Cause, &createdMs); err != nil {
			return fmt.Errorf("scan audit: %w", err)
		}
		e.FromState = saga.State(from)
		e.ToState = saga.State(to)
		e.Event = saga.Event(event)
		e.CreatedAt = time.UnixMilli(createdMs)
		inst.Audit = append(inst.Audit, e)
	}
	return nil
}
