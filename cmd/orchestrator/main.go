package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"

	"github.com/transfer/orchestrator/internal/breaker"
	"github.com/transfer/orchestrator/internal/client"
	"github.com/transfer/orchestrator/internal/compensation"
	"github.com/transfer/orchestrator/internal/config"
	"github.com/transfer/orchestrator/internal/coordinator"
	"github.com/transfer/orchestrator/internal/executor"
	"github.com/transfer/orchestrator/internal/idempotency"
	"github.com/transfer/orchestrator/internal/metrics"
	"github.com/transfer/orchestrator/internal/notify"
	"github.com/transfer/orchestrator/internal/policy"
	"github.com/transfer/orchestrator/internal/repository"
	"github.com/transfer/orchestrator/internal/saga"
	"github.com/transfer/orchestrator/internal/transport"
	"github.com/transfer/orchestrator/internal/worker"
	commonerrors "github.com/transfer/orchestrator/pkg/errors"
	"github.com/transfer/orchestrator/pkg/health"
	"github.com/transfer/orchestrator/pkg/logger"
	pkgredis "github.com/transfer/orchestrator/pkg/redis"
	commonresp "github.com/transfer/orchestrator/pkg/response"
	"github.com/transfer/orchestrator/pkg/snowflake"
	"github.com/transfer/orchestrator/pkg/tracing"
)

const maxBodyBytes int64 = 1 << 20

type redisHealthClient struct {
	client *goredis.Client
}

func (c redisHealthClient) Ping(ctx context.Context) health.RedisPingCmd {
	return c.client.Ping(ctx)
}

func main() {
	cfg := config.Load()

	logger.SetLevel(cfg.LogLevel)
	log := logger.New(cfg.ServiceName, nil)
	log.Info("starting " + cfg.ServiceName)

	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid config")
		os.Exit(1)
	}
	if err := snowflake.Init(cfg.WorkerID); err != nil {
		log.WithError(err).Error("failed to init snowflake")
		os.Exit(1)
	}

	shutdownTracing, err := tracing.Init(tracing.Config{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.JaegerEndpoint != "",
		SampleRate:  cfg.TraceSampling,
	})
	if err != nil {
		log.WithError(err).Error("failed to init tracing")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		log.WithError(err).Error("failed to open database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer pingCancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.WithError(err).Error("failed to ping database")
		os.Exit(1)
	}
	log.Info("connected to postgres")

	rdb, err := pkgredis.NewClient(&pkgredis.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.WithError(err).Error("failed to connect to redis")
		os.Exit(1)
	}
	defer rdb.Close()
	log.Info("connected to redis")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// wiring
	streams := pkgredis.NewStreamClient(rdb.Client)
	publisher := transport.NewPublisher(streams)
	metricsCollector := metrics.NewDefault()
	sagaStore := repository.NewPostgresStore(db)
	idemStore := idempotency.NewPostgresStore(db)

	kyc := client.NewKYCClient(cfg.KYCServiceURL)
	executors := executor.NewRegistry(
		executor.NewVerificationExecutor(kyc),
		executor.NewLivenessExecutor(kyc),
		executor.NewScreeningExecutor(client.NewScreeningClient(cfg.ScreeningServiceURL)),
		executor.NewRiskExecutor(client.NewRiskClient(cfg.RiskServiceURL)),
		executor.NewPaymentExecutor(client.NewPaymentClient(cfg.PaymentServiceURL)),
		executor.NewPayoutExecutor(client.NewPayoutClient(cfg.PayoutServiceURL)),
	)
	breakers := breaker.NewRegistry(breaker.Config{
		Window:           cfg.BreakerWindow,
		FailureThreshold: cfg.BreakerThreshold,
		MinSamples:       cfg.BreakerSamples,
		Cooldown:         cfg.BreakerCooldown,
	})

	compensator := compensation.NewManager(executors, breakers, idemStore, log)
	coord := coordinator.New(coordinator.Config{
		MaxAttempts:  cfg.MaxAttempts,
		RetryBase:    cfg.RetryBase,
		RetryMax:     cfg.RetryMax,
		StepTimeout:  cfg.StepTimeout,
		IdemTTL:      cfg.IdemTTL,
		LockTTL:      cfg.LockTTL,
		InstanceName: cfg.ConsumerName,
	}, coordinator.Deps{
		Store:       sagaStore,
		Idem:        idemStore,
		Policy:      policy.New(policy.Config{HighAmount: cfg.HighAmount, ReturningPriorTransfers: cfg.ReturningPriorTransfers}),
		Dispatcher:  publisher,
		Compensator: compensator,
		IDGen:       snowflakeIDGen{},
		Metrics:     metricsCollector,
		Log:         log,
		Locker:      rdb,
		Notifier:    notify.NewPublisher(rdb.Client, cfg.PartyEventChannel),
	})

	stepWorker := worker.New(executors, breakers, publisher, metricsCollector, log)

	// consumer loops
	var resultLoop, dispatchLoop health.LoopMonitor
	resultConsumer := transport.NewResultConsumer(streams, cfg.ConsumerGroup, cfg.ConsumerName, coord.HandleStepResult, nil)
	dispatchConsumer := transport.NewDispatchConsumer(streams, cfg.ConsumerGroup+"-worker", cfg.ConsumerName, stepWorker.Handle, nil)
	go runConsumer(ctx, log, "results", resultConsumer, &resultLoop)
	go runConsumer(ctx, log, "dispatch", dispatchConsumer, &dispatchLoop)

	// recovery of sagas orphaned by a previous coordinator crash, at
	// startup and then periodically
	go func() {
		if err := coord.Recover(ctx); err != nil {
			log.WithError(err).Warn("saga recovery failed")
		}
		ticker := time.NewTicker(cfg.RecoveryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := coord.Recover(ctx); err != nil {
					log.WithError(err).Warn("saga recovery failed")
				}
			}
		}
	}()

	// breaker state gauge
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metricsCollector.SetBreakerStates(breakers.States())
			}
		}
	}()

	// health
	checks := health.New()
	checks.Register(health.NewPostgresChecker(db))
	checks.Register(health.NewRedisChecker(redisHealthClient{client: rdb.Client}))
	checks.Register(health.NewHTTPChecker("payment", cfg.PaymentServiceURL))
	checks.Register(health.NewHTTPChecker("payout", cfg.PayoutServiceURL))
	checks.Register(health.NewLoopChecker("resultConsumer", &resultLoop, 45*time.Second))
	checks.Register(health.NewLoopChecker("dispatchConsumer", &dispatchLoop, 45*time.Second))
	checks.SetReady(true)

	// HTTP API
	limiter := pkgredis.NewRateLimiter(rdb, "ratelimit:transfers")
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler(metricsCollector))
	mux.HandleFunc("/live", checks.LiveHandler())
	mux.HandleFunc("/ready", checks.ReadyHandler())
	mux.HandleFunc("/health", checks.HealthHandler())

	mux.HandleFunc("/v1/transfers", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			commonresp.WriteStatusError(w, r, http.StatusMethodNotAllowed, commonerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		handleInitiate(w, r, coord, limiter, cfg.RateLimitPerMinute, log)
	})
	mux.HandleFunc("/v1/transfers/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			commonresp.WriteStatusError(w, r, http.StatusMethodNotAllowed, commonerrors.CodeInvalidRequest, "method not allowed")
			return
		}
		handleStatus(w, r, coord)
	})

	requireInternalAuth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if cfg.InternalToken == "" || r.Header.Get("X-Internal-Token") != cfg.InternalToken {
				commonresp.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "unauthorized")
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/internal/dlq", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		handleDLQ(w, r, streams)
	}))
	mux.HandleFunc("/internal/sagas", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		handleListSagas(w, r, sagaStore)
	}))
	mux.HandleFunc("/internal/breakers", requireInternalAuth(func(w http.ResponseWriter, r *http.Request) {
		states := make(map[string]string)
		for name, state := range breakers.States() {
			states[name] = state.String()
		}
		commonresp.WriteJSON(w, http.StatusOK, states)
	}))

	handler := limitBodyMiddleware(maxBodyBytes, mux)
	handler = tracing.HTTPMiddleware(handler)
	handler = commonresp.RequestIDMiddleware(handler)
	handler = commonresp.RecoveryMiddleware(handler)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info(fmt.Sprintf("http server listening on :%d", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server error")
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	checks.SetReady(false)
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
	shutdownTracing(shutdownCtx)
	log.Info("shutdown complete")
}

type snowflakeIDGen struct{}

func (g snowflakeIDGen) NextID() int64 {
	return snowflake.MustNextID()
}

// runConsumer runs a stream consumer until the context ends, keeping
// its loop monitor alive while the consumer is healthy.
func runConsumer(ctx context.Context, log *logger.Logger, name string, consumer *pkgredis.Consumer, loop *health.LoopMonitor) {
	loop.Tick()
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				loop.SetError(fmt.Errorf("panic: %v", r))
				log.Errorf(name+" consumer panic", map[string]interface{}{
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				})
			}
		}()
		if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			loop.SetError(err)
			log.WithError(err).Error(name + " consumer stopped")
			return
		}
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			loop.Tick()
		}
	}
}

type initiateRequest struct {
	ClientKey        string   `json:"clientKey"`
	Amount           int64    `json:"amount"`
	Currency         string   `json:"currency"`
	TargetCurrency   string   `json:"targetCurrency"`
	SenderParty      string   `json:"senderParty"`
	BeneficiaryParty string   `json:"beneficiaryParty"`
	BeneficiaryRef   string   `json:"beneficiaryRef"`
	RiskSignals      []string `json:"riskSignals"`
	PriorTransfers   int      `json:"priorTransfers"`
}

func handleInitiate(w http.ResponseWriter, r *http.Request, coord *coordinator.Coordinator, limiter *pkgredis.RateLimiter, perMinute int64, log *logger.Logger) {
	var req initiateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if perMinute > 0 {
		allowed, _, err := limiter.Allow(r.Context(), req.SenderParty, perMinute, time.Minute)
		if err != nil {
			log.WithError(err).Warn("rate limiter unavailable, allowing request")
		} else if !allowed {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeRateLimited, "")
			return
		}
	}

	view, err := coord.Initiate(r.Context(), &coordinator.InitiateRequest{
		ClientKey: req.ClientKey,
		Transfer: saga.TransferDetails{
			Amount:           req.Amount,
			Currency:         req.Currency,
			TargetCurrency:   req.TargetCurrency,
			SenderParty:      req.SenderParty,
			BeneficiaryParty: req.BeneficiaryParty,
			BeneficiaryRef:   req.BeneficiaryRef,
			RiskSignals:      req.RiskSignals,
			PriorTransfers:   req.PriorTransfers,
		},
	})
	if err != nil {
		writeAPIError(w, r, log, err)
		return
	}
	commonresp.WriteJSON(w, http.StatusAccepted, view)
}

func handleStatus(w http.ResponseWriter, r *http.Request, coord *coordinator.Coordinator) {
	idStr := strings.TrimPrefix(r.URL.Path, "/v1/transfers/")
	id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
	if err != nil || id <= 0 {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid transfer id")
		return
	}

	view, gerr := coord.GetStatus(r.Context(), id)
	if gerr != nil {
		var appErr *commonerrors.Error
		if errors.As(gerr, &appErr) {
			commonresp.WriteError(w, r, appErr)
			return
		}
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInternal, "")
		return
	}
	commonresp.WriteJSON(w, http.StatusOK, view)
}

func handleDLQ(w http.ResponseWriter, r *http.Request, streams *pkgredis.StreamClient) {
	count, _ := strconv.ParseInt(r.URL.Query().Get("count"), 10, 64)
	names := append([]string{transport.ResultsStream}, transport.DispatchStreams()...)
	if s := strings.TrimSpace(r.URL.Query().Get("stream")); s != "" {
		names = []string{s}
	}

	out := make(map[string][]pkgredis.DLQEntry, len(names))
	for _, name := range names {
		entries, err := streams.ReadDLQ(r.Context(), name, count)
		if err != nil {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeInternal, "")
			return
		}
		if len(entries) > 0 {
			out[name] = entries
		}
	}
	commonresp.WriteJSON(w, http.StatusOK, out)
}

func handleListSagas(w http.ResponseWriter, r *http.Request, store *repository.PostgresStore) {
	state := strings.TrimSpace(r.URL.Query().Get("state"))
	if state == "" {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "missing state filter")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}

	instances, err := store.ListByState(r.Context(), saga.State(state), limit)
	if err != nil {
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInternal, "")
		return
	}
	views := make([]*saga.View, 0, len(instances))
	for _, inst := range instances {
		views = append(views, inst.Snapshot())
	}
	commonresp.WriteJSON(w, http.StatusOK, views)
}

func writeAPIError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error) {
	var appErr *commonerrors.Error
	if errors.As(err, &appErr) {
		commonresp.WriteError(w, r, appErr)
		return
	}
	log.WithError(err).Error("internal error")
	commonresp.WriteErrorCode(w, r, commonerrors.CodeInternal, "")
}

func metricsHandler(m *metrics.Metrics) http.Handler {
	handler := m.Handler()
	token := os.Getenv("METRICS_TOKEN")
	if token == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !metricsAuthorized(r, token) {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeUnauthenticated, "unauthorized")
			return
		}
		handler.ServeHTTP(w, r)
	})
}

func metricsAuthorized(r *http.Request, token string) bool {
	if strings.TrimSpace(r.Header.Get("X-Metrics-Token")) == token {
		return true
	}
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) == token
}

func limitBodyMiddleware(maxBytes int64, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && maxBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			commonresp.WriteErrorCode(w, r, commonerrors.CodeRequestTooLarge, "")
			return false
		}
		commonresp.WriteErrorCode(w, r, commonerrors.CodeInvalidRequest, "invalid request")
		return false
	}
	return true
}
