package idempotency

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"time"

	commonerrors "github.com/transfer/orchestrator/pkg/errors"
)

// PostgresStore persists idempotency entries in
// orchestrator.idempotency_entries. The INSERT .. ON CONFLICT DO
// NOTHING dance makes CheckAndReserve a single atomic claim.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CheckAndReserve(ctx context.Context, key string, ttl time.Duration) (Reservation, *Entry, error) {
	now := time.Now()
	insert := `
		INSERT INTO orchestrator.idempotency_entries (op_key, status, created_at_ms, expires_at_ms)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (op_key) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, insert, key, string(StatusInFlight), now.UnixMilli(), now.Add(ttl).UnixMilli())
	if err != nil {
		return 0, nil, fmt.Errorf("reserve key: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, nil, fmt.Errorf("reserve rows affected: %w", err)
	}
	if rows == 1 {
		return Reserved, nil, nil
	}

	// key exists, read the owner's entry
	e, err := s.get(ctx, key)
	if err != nil {
		return 0, nil, err
	}
	if e.Status == StatusCompleted {
		return AlreadyCompleted, e, nil
	}
	return AlreadyInFlight, e, nil
}

func (s *PostgresStore) RecordResult(ctx context.Context, key string, result []byte) error {
	update := `
		UPDATE orchestrator.idempotency_entries
		SET status = $1, result = $2
		WHERE op_key = $3 AND status = $4
	`
	res, err := s.db.ExecContext(ctx, update, string(StatusCompleted), result, key, string(StatusInFlight))
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record result rows affected: %w", err)
	}
	if rows == 1 {
		return nil
	}

	e, err := s.get(ctx, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return commonerrors.New(commonerrors.CodeConsistencyViolation, "record result for unreserved key "+key)
		}
		return err
	}
	if e.Status == StatusCompleted && bytes.Equal(e.Result, result) {
		return nil
	}
	return commonerrors.New(commonerrors.CodeConsistencyViolation, "conflicting result for completed key "+key)
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	del := `
		DELETE FROM orchestrator.idempotency_entries
		WHERE op_key = $1 AND status = $2
	`
	if _, err := s.db.ExecContext(ctx, del, key, string(StatusInFlight)); err != nil {
		return fmt.Errorf("release key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ExpireBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	// Entries of a live saga keep their replay protection past the
	// expiry time; the retention window only starts once the owning
	// saga settles. The key shapes are "initiate:<clientKey>",
	// "comp:<sagaID>:..." and "<sagaID>:...", and the CASE keeps the
	// bigint cast away from non-numeric prefixes.
	del := `
		DELETE FROM orchestrator.idempotency_entries e
		WHERE e.expires_at_ms < $1
		  AND NOT EXISTS (
			SELECT 1 FROM orchestrator.sagas s
			WHERE s.state NOT IN ('Completed', 'Rejected', 'Failed')
			  AND (
				(e.op_key LIKE 'initiate:%' AND s.client_key = substr(e.op_key, 10))
				OR s.saga_id = CASE
					WHEN e.op_key LIKE 'comp:%' THEN split_part(e.op_key, ':', 2)::bigint
					WHEN e.op_key ~ '^[0-9]+:' THEN split_part(e.op_key, ':', 1)::bigint
				END
			  )
		  )
	`
	res, err := s.db.ExecContext(ctx, del, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire entries: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire rows affected: %w", err)
	}
	return rows, nil
}

func (s *PostgresStore) get(ctx context.Context, key string) (*Entry, error) {
	query := `
		SELECT op_key, status, result, created_at_ms, expires_at_ms
		FROM orchestrator.idempotency_entries
		WHERE op_key = $1
	`
	var (
		e         Entry
		status    string
		result    sql.NullString
		createdMs int64
		expiresMs int64
	)
	err := s.db.QueryRowContext(ctx, query, key).Scan(&e.Key, &status, &result, &createdMs, &expiresMs)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("get entry: %w", err)
	}
	e.Status = Status(status)
	if result.Valid {
		e.Result = []byte(result.String)
	}
	e.CreatedAt = time.UnixMilli(createdMs)
	e.ExpiresAt = time.UnixMilli(expiresMs)
	return &e, nil
}
