// Command retention is the orchestrator's maintenance job. It expires
// old idempotency entries, sweeps sagas whose in-flight step passed its
// deadline by synthesizing a transient failure for the coordinator to
// retry, and reports dead-lettered stream messages.
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/transfer/orchestrator/internal/idempotency"
	"github.com/transfer/orchestrator/internal/repository"
	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/internal/transport"
	pkgredis "github.com/transfer/orchestrator/pkg/redis"
)

type retentionConfig struct {
	DBURL         string
	RedisAddr     string
	RedisPassword string
	IdemRetention time.Duration
	StaleAfter    time.Duration
	SweepLimit    int
	DLQLimit      int64
	Verbose       bool
	Alert         bool
	WebhookURL    string
	ReportPath    string
	Cron          string
	StoreHistory  bool
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, openers{
		db: func(dsn string) (*sql.DB, error) {
			return sql.Open("postgres", dsn)
		},
		redis: func(addr, password string) (*pkgredis.Client, error) {
			return pkgredis.NewClient(&pkgredis.Config{Addr: addr, Password: password})
		},
	})
	exitFunc(code)
}

type openers struct {
	db    func(string) (*sql.DB, error)
	redis func(addr, password string) (*pkgredis.Client, error)
}

func parseFlags(args []string) (retentionConfig, error) {
	fs := flag.NewFlagSet("retention", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg retentionConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", "", "Redis address for deadline sweep and DLQ report")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.DurationVar(&cfg.IdemRetention, "idem-retention", 24*time.Hour, "retention of idempotency entries")
	fs.DurationVar(&cfg.StaleAfter, "stale-after", 2*time.Minute, "age after which a pending saga is swept")
	fs.IntVar(&cfg.SweepLimit, "sweep-limit", 100, "max sagas swept per run")
	fs.Int64Var(&cfg.DLQLimit, "dlq-limit", 100, "max DLQ entries reported per stream")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code when DLQ entries exist")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for DLQ alerts")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled runs")
	fs.BoolVar(&cfg.StoreHistory, "history", false, "store run history in database")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, open openers) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, open)
	}

	return runOnce(ctx, cfg, out, errOut, open)
}

func runOnce(ctx context.Context, cfg retentionConfig, out, errOut io.Writer, open openers) int {
	db, err := open.db(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	var rdb *pkgredis.Client
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		rdb, err = open.redis(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			fmt.Fprintf(errOut, "failed to connect to redis: %v\n", err)
			return 2
		}
		defer rdb.Close()
	}

	code, err := runWithDeps(ctx, db, rdb, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg retentionConfig, out, errOut io.Writer, open openers) int {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting scheduled retention...")
	}

	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, open); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled retention...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, open); code != 0 {
			fmt.Fprintf(errOut, "scheduled retention exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDeps(ctx context.Context, db *sql.DB, rdb *pkgredis.Client, cfg retentionConfig, out, errOut io.Writer) (int, error) {
	now := time.Now()

	if cfg.Verbose {
		fmt.Fprintln(out, "Expiring idempotency entries...")
	}
	idemStore := idempotency.NewPostgresStore(db)
	expired, err := idemStore.ExpireBefore(ctx, now.Add(-cfg.IdemRetention))
	if err != nil {
		return 2, fmt.Errorf("failed to expire idempotency entries: %w", err)
	}

	var swept []sweptSaga
	var dlq map[string][]pkgredis.DLQEntry
	if rdb != nil {
		streams := pkgredis.NewStreamClient(rdb.Client)

		if cfg.Verbose {
			fmt.Fprintln(out, "Sweeping stale pending sagas...")
		}
		swept, err = sweepStalePending(ctx, db, streams, now.Add(-cfg.StaleAfter), cfg.SweepLimit)
		if err != nil {
			return 2, fmt.Errorf("failed to sweep stale sagas: %w", err)
		}

		if cfg.Verbose {
			fmt.Fprintln(out, "Collecting DLQ entries...")
		}
		dlq, err = collectDLQ(ctx, streams, cfg.DLQLimit)
		if err != nil {
			return 2, fmt.Errorf("failed to read DLQ: %w", err)
		}
	}

	report := buildReport(now, expired, swept, dlq)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.StoreHistory {
		if err := storeHistory(ctx, db, report); err != nil {
			return 2, fmt.Errorf("failed to store history: %w", err)
		}
	}

	if report.DLQCount == 0 {
		fmt.Fprintf(out, "retention passed: %d idempotency entries expired, %d sagas swept\n", expired, len(swept))
		return 0, nil
	}

	for stream, entries := range dlq {
		for _, e := range entries {
			fmt.Fprintf(errOut, "dead letter: stream=%s msgId=%s reason=%s\n", stream, e.MsgID, e.Reason)
		}
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, dlq); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

type sweptSaga struct {
	SagaID  int64         `json:"sagaId"`
	Step    saga.StepKind `json:"step"`
	Attempt int           `json:"attempt"`
}

// sweepStalePending synthesizes a transient failure for every saga
// whose in-flight step outlived its deadline. The coordinator treats
// the synthetic result like any other: retry or compensation.
func sweepStalePending(ctx context.Context, db *sql.DB, streams *pkgredis.StreamClient, cutoff time.Time, limit int) ([]sweptSaga, error) {
	store := repository.NewPostgresStore(db)
	stale, err := store.ListStalePending(ctx, cutoff, limit)
	if err != nil {
		return nil, err
	}

	publisher := transport.NewPublisher(streams)
	var swept []sweptSaga
	for _, inst := range stale {
		kind, ok := inst.CurrentStep()
		if !ok {
			// not waiting on a step; the coordinator's own recovery
			// loop handles Initiated and Compensating sagas
			continue
		}
		err := publisher.PublishResult(ctx, &transport.ResultMessage{
			SagaID:         inst.ID,
			StepKind:       kind,
			IdempotencyKey: idempotency.ForwardKey(inst.ID, kind, inst.Attempt),
			Attempt:        inst.Attempt,
			Outcome:        saga.OutcomeTransientError,
			Detail:         "step deadline exceeded",
		})
		if err != nil {
			return swept, err
		}
		swept = append(swept, sweptSaga{SagaID: inst.ID, Step: kind, Attempt: inst.Attempt})
	}
	return swept, nil
}

func collectDLQ(ctx context.Context, streams *pkgredis.StreamClient, limit int64) (map[string][]pkgredis.DLQEntry, error) {
	names := append([]string{transport.ResultsStream}, transport.DispatchStreams()...)
	out := make(map[string][]pkgredis.DLQEntry)
	for _, name := range names {
		entries, err := streams.ReadDLQ(ctx, name, limit)
		if err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			out[name] = entries
		}
	}
	return out, nil
}

func sendWebhook(ctx context.Context, url string, dlq map[string][]pkgredis.DLQEntry) error {
	payload := map[string]interface{}{
		"message": "dead-lettered saga messages detected",
		"dlq":     dlq,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

type retentionReport struct {
	RunAt        string                         `json:"run_at"`
	ExpiredCount int64                          `json:"expired_count"`
	SweptCount   int                            `json:"swept_count"`
	DLQCount     int                            `json:"dlq_count"`
	Swept        []sweptSaga                    `json:"swept"`
	DLQ          map[string][]pkgredis.DLQEntry `json:"dlq"`
}

func buildReport(now time.Time, expired int64, swept []sweptSaga, dlq map[string][]pkgredis.DLQEntry) retentionReport {
	count := 0
	for _, entries := range dlq {
		count += len(entries)
	}
	return retentionReport{
		RunAt:        now.UTC().Format(time.RFC3339),
		ExpiredCount: expired,
		SweptCount:   len(swept),
		DLQCount:     count,
		Swept:        swept,
		DLQ:          dlq,
	}
}

func writeReport(path string, report retentionReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func storeHistory(ctx context.Context, db *sql.DB, report retentionReport) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS orchestrator.retention_history (
    id BIGSERIAL PRIMARY KEY,
    run_at TIMESTAMPTZ NOT NULL,
    status TEXT NOT NULL,
    report JSONB NOT NULL
);`)
	if err != nil {
		return err
	}
	status := "ok"
	if report.DLQCount > 0 {
		status = "dead-letters"
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO orchestrator.retention_history (run_at, status, report)
VALUES ($1, $2, $3);`, report.RunAt, status, payload)
	return err
}
