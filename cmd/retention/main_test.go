package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/transfer/orchestrator/internal/transport"
	pkgredis "github.com/transfer/orchestrator/pkg/redis"
)

func TestParseFlagsDefaults(t *testing.T) {
	cfg, err := parseFlags([]string{"--db-url", "postgres://localhost/orchestrator"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.IdemRetention != 24*time.Hour {
		t.Fatalf("idem retention = %s, want 24h", cfg.IdemRetention)
	}
	if cfg.StaleAfter != 2*time.Minute {
		t.Fatalf("stale after = %s, want 2m", cfg.StaleAfter)
	}
	if cfg.SweepLimit != 100 || cfg.DLQLimit != 100 {
		t.Fatalf("limits = %d/%d, want 100/100", cfg.SweepLimit, cfg.DLQLimit)
	}
	if !cfg.Alert {
		t.Fatal("alert should default to true")
	}
}

func TestParseFlagsMissingDBURL(t *testing.T) {
	if _, err := parseFlags(nil); err == nil {
		t.Fatal("expected error for missing --db-url")
	}
}

func TestParseFlagsOverrides(t *testing.T) {
	cfg, err := parseFlags([]string{
		"--db-url", "postgres://localhost/orchestrator",
		"--redis-addr", "localhost:6379",
		"--idem-retention", "1h",
		"--stale-after", "30s",
		"--sweep-limit", "10",
		"--alert=false",
		"--cron", "*/5 * * * *",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.RedisAddr != "localhost:6379" || cfg.IdemRetention != time.Hour ||
		cfg.StaleAfter != 30*time.Second || cfg.SweepLimit != 10 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.Alert {
		t.Fatal("alert should be disabled")
	}
	if cfg.Cron != "*/5 * * * *" {
		t.Fatalf("cron = %q", cfg.Cron)
	}
}

func TestRunCLIBadFlags(t *testing.T) {
	var out, errOut bytes.Buffer
	code := runCLI(context.Background(), []string{"--no-such-flag"}, &out, &errOut, openers{})
	if code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if errOut.Len() == 0 {
		t.Fatal("expected error output")
	}
}

func TestRunWithDepsExpiresOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec("DELETE FROM orchestrator.idempotency_entries").
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 5))

	var out, errOut bytes.Buffer
	cfg := retentionConfig{IdemRetention: 24 * time.Hour}
	code, err := runWithDeps(context.Background(), db, nil, cfg, &out, &errOut)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "5 idempotency entries expired") {
		t.Fatalf("output = %q", out.String())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunWithDepsSweepsStaleSaga(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	rdb, err := pkgredis.NewClient(&pkgredis.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer rdb.Close()

	mock.ExpectExec("DELETE FROM orchestrator.idempotency_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	sagaRows := sqlmock.NewRows([]string{
		"saga_id", "client_key", "state", "plan", "plan_index", "attempt",
		"compensating", "terminal_on_compensated", "compensation_index",
		"amount", "currency", "target_currency", "sender_party",
		"beneficiary_party", "beneficiary_ref", "risk_signals",
		"prior_transfers", "version", "created_at_ms", "updated_at_ms",
	}).AddRow(
		int64(42), "ck-1", "ScreeningPending", `["screening","risk","payment","payout"]`,
		0, 1, false, "", 0,
		int64(5000), "USD", "EUR", "party-a",
		"party-b", "iban-1", "null",
		3, 2, int64(1700000000000), int64(1700000000000),
	)
	mock.ExpectQuery("SELECT (.+) FROM orchestrator.sagas").
		WithArgs(sqlmock.AnyArg(), 100).
		WillReturnRows(sagaRows)
	mock.ExpectQuery("FROM orchestrator.saga_steps").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{
			"step_id", "saga_id", "seq", "kind", "outcome", "detail", "status",
			"compensation_ref", "completed_at_ms",
		}))
	mock.ExpectQuery("FROM orchestrator.saga_audit").
		WithArgs(int64(42)).
		WillReturnRows(sqlmock.NewRows([]string{
			"audit_id", "saga_id", "seq", "from_state", "to_state", "event",
			"cause", "created_at_ms",
		}))

	var out, errOut bytes.Buffer
	cfg := retentionConfig{IdemRetention: 24 * time.Hour, StaleAfter: 2 * time.Minute, SweepLimit: 100}
	code, err := runWithDeps(context.Background(), db, rdb, cfg, &out, &errOut)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if !strings.Contains(out.String(), "1 sagas swept") {
		t.Fatalf("output = %q", out.String())
	}

	msgs, err := rdb.XRange(context.Background(), transport.ResultsStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("results stream entries = %d, want 1", len(msgs))
	}
	var rm transport.ResultMessage
	if err := json.Unmarshal([]byte(msgs[0].Values["data"].(string)), &rm); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if rm.SagaID != 42 || rm.StepKind != "screening" || rm.Attempt != 1 {
		t.Fatalf("unexpected result: %+v", rm)
	}
	if rm.Outcome != "TransientError" {
		t.Fatalf("outcome = %s, want TransientError", rm.Outcome)
	}
	if rm.IdempotencyKey != "42:screening:1" {
		t.Fatalf("idempotency key = %s", rm.IdempotencyKey)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRunWithDepsDLQAlert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	rdb, err := pkgredis.NewClient(&pkgredis.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer rdb.Close()

	seedDLQ(t, rdb, transport.ResultsStream, "1700000000000-0", "handler failed")

	mock.ExpectExec("DELETE FROM orchestrator.idempotency_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM orchestrator.sagas").
		WillReturnRows(sqlmock.NewRows([]string{"saga_id"}))

	webhookBodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		webhookBodies <- buf.Bytes()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var out, errOut bytes.Buffer
	cfg := retentionConfig{
		IdemRetention: 24 * time.Hour,
		StaleAfter:    2 * time.Minute,
		SweepLimit:    100,
		DLQLimit:      100,
		Alert:         true,
		WebhookURL:    srv.URL,
	}
	code, err := runWithDeps(context.Background(), db, rdb, cfg, &out, &errOut)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "dead letter:") {
		t.Fatalf("errOut = %q", errOut.String())
	}

	select {
	case body := <-webhookBodies:
		var payload map[string]interface{}
		if err := json.Unmarshal(body, &payload); err != nil {
			t.Fatalf("unmarshal webhook body: %v", err)
		}
		if payload["message"] != "dead-lettered saga messages detected" {
			t.Fatalf("webhook payload: %v", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestRunWithDepsDLQNoAlertFlag(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	rdb, err := pkgredis.NewClient(&pkgredis.Config{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	defer rdb.Close()

	seedDLQ(t, rdb, transport.DispatchStream("payment"), "1700000000001-0", "poison payload")

	mock.ExpectExec("DELETE FROM orchestrator.idempotency_entries").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM orchestrator.sagas").
		WillReturnRows(sqlmock.NewRows([]string{"saga_id"}))

	var out, errOut bytes.Buffer
	cfg := retentionConfig{
		IdemRetention: 24 * time.Hour,
		StaleAfter:    2 * time.Minute,
		SweepLimit:    100,
		DLQLimit:      100,
		Alert:         false,
	}
	code, err := runWithDeps(context.Background(), db, rdb, cfg, &out, &errOut)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code = %d, want 0 with alert disabled", code)
	}
}

func TestSendWebhookNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := sendWebhook(context.Background(), srv.URL, nil)
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}

func TestBuildReportCounts(t *testing.T) {
	dlq := map[string][]pkgredis.DLQEntry{
		"saga:results":          {{MsgID: "1-0"}, {MsgID: "2-0"}},
		"saga:dispatch:payment": {{MsgID: "3-0"}},
	}
	report := buildReport(time.Unix(1700000000, 0), 9, []sweptSaga{{SagaID: 1, Step: "risk"}}, dlq)
	if report.ExpiredCount != 9 || report.SweptCount != 1 || report.DLQCount != 3 {
		t.Fatalf("report = %+v", report)
	}
}

func seedDLQ(t *testing.T, rdb *pkgredis.Client, stream, msgID, reason string) {
	t.Helper()
	err := rdb.XAdd(context.Background(), &redis.XAddArgs{
		Stream: stream + ":dlq",
		Values: map[string]interface{}{
			"stream":   stream,
			"msgId":    msgID,
			"reason":   reason,
			"data":     "{}",
			"tsMs":     time.Now().UnixMilli(),
			"group":    "orchestrator-group",
			"consumer": "orchestrator-1",
		},
	}).Err()
	if err != nil {
		t.Fatalf("seed dlq: %v", err)
	}
}
