// Package config loads the orchestrator configuration from the
// environment.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/transfer/orchestrator/pkg/config"
)

// Config holds the full orchestrator configuration.
type Config struct {
	ServiceName string
	HTTPPort    int
	LogLevel    string

	// PostgreSQL
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// Redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Streams
	ConsumerGroup string
	ConsumerName  string

	// Party events (pub/sub)
	PartyEventChannel string

	// Provider endpoints
	KYCServiceURL       string
	ScreeningServiceURL string
	RiskServiceURL      string
	PaymentServiceURL   string
	PayoutServiceURL    string

	// Saga tuning
	MaxAttempts      int
	RetryBase        time.Duration
	RetryMax         time.Duration
	StepTimeout      time.Duration
	IdemTTL          time.Duration
	LockTTL          time.Duration
	RecoveryInterval time.Duration

	// Policy thresholds
	HighAmount              int64
	ReturningPriorTransfers int

	// Breaker tuning
	BreakerWindow    time.Duration
	BreakerThreshold float64
	BreakerSamples   int
	BreakerCooldown  time.Duration

	// API protection
	RateLimitPerMinute int64
	InternalToken      string

	// Tracing
	JaegerEndpoint string
	TraceSampling  float64

	WorkerID int64
}

// Load reads the configuration from the environment with development
// defaults.
func Load() *Config {
	return &Config{
		ServiceName: config.GetEnv("SERVICE_NAME", "transfer-orchestrator"),
		HTTPPort:    config.GetEnvInt("HTTP_PORT", 8086),
		LogLevel:    config.GetEnv("LOG_LEVEL", "info"),

		DBHost:     config.GetEnv("DB_HOST", "localhost"),
		DBPort:     config.GetEnvInt("DB_PORT", 5432),
		DBUser:     config.GetEnv("DB_USER", "orchestrator"),
		DBPassword: config.GetEnv("DB_PASSWORD", "orchestrator123"),
		DBName:     config.GetEnv("DB_NAME", "transfers"),

		RedisAddr:     config.GetEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: config.GetEnv("REDIS_PASSWORD", ""),
		RedisDB:       config.GetEnvInt("REDIS_DB", 0),

		ConsumerGroup: config.GetEnv("CONSUMER_GROUP", "orchestrator-group"),
		ConsumerName:  config.GetEnv("CONSUMER_NAME", "orchestrator-1"),

		PartyEventChannel: config.GetEnv("PARTY_EVENT_CHANNEL", "private:party:{party}:events"),

		KYCServiceURL:       config.GetEnv("KYC_SERVICE_URL", "http://localhost:8101"),
		ScreeningServiceURL: config.GetEnv("SCREENING_SERVICE_URL", "http://localhost:8102"),
		RiskServiceURL:      config.GetEnv("RISK_SERVICE_URL", "http://localhost:8103"),
		PaymentServiceURL:   config.GetEnv("PAYMENT_SERVICE_URL", "http://localhost:8104"),
		PayoutServiceURL:    config.GetEnv("PAYOUT_SERVICE_URL", "http://localhost:8105"),

		MaxAttempts:      config.GetEnvInt("SAGA_MAX_ATTEMPTS", 3),
		RetryBase:        config.GetEnvDuration("SAGA_RETRY_BASE", 2*time.Second),
		RetryMax:         config.GetEnvDuration("SAGA_RETRY_MAX", 30*time.Second),
		StepTimeout:      config.GetEnvDuration("SAGA_STEP_TIMEOUT", 30*time.Second),
		IdemTTL:          config.GetEnvDuration("SAGA_IDEM_TTL", 24*time.Hour),
		LockTTL:          config.GetEnvDuration("SAGA_LOCK_TTL", 15*time.Second),
		RecoveryInterval: config.GetEnvDuration("SAGA_RECOVERY_INTERVAL", time.Minute),

		HighAmount:              config.GetEnvInt64("POLICY_HIGH_AMOUNT", 100000),
		ReturningPriorTransfers: config.GetEnvInt("POLICY_RETURNING_PRIOR_TRANSFERS", 3),

		BreakerWindow:    config.GetEnvDuration("BREAKER_WINDOW", 30*time.Second),
		BreakerThreshold: config.GetEnvFloat64("BREAKER_THRESHOLD", 0.5),
		BreakerSamples:   config.GetEnvInt("BREAKER_MIN_SAMPLES", 5),
		BreakerCooldown:  config.GetEnvDuration("BREAKER_COOLDOWN", 15*time.Second),

		RateLimitPerMinute: config.GetEnvInt64("RATE_LIMIT_PER_MINUTE", 120),
		InternalToken:      config.GetEnv("INTERNAL_TOKEN", ""),

		JaegerEndpoint: config.GetEnv("JAEGER_ENDPOINT", ""),
		TraceSampling:  config.GetEnvFloat64("TRACE_SAMPLING", 0.1),

		WorkerID: config.GetEnvInt64("WORKER_ID", 1),
	}
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP_PORT %d", c.HTTPPort)
	}
	if strings.TrimSpace(c.ConsumerGroup) == "" {
		return fmt.Errorf("CONSUMER_GROUP must not be empty")
	}
	if strings.TrimSpace(c.ConsumerName) == "" {
		return fmt.Errorf("CONSUMER_NAME must not be empty")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("SAGA_MAX_ATTEMPTS must be positive")
	}
	if c.RecoveryInterval <= 0 {
		return fmt.Errorf("SAGA_RECOVERY_INTERVAL must be positive")
	}
	if c.BreakerThreshold <= 0 || c.BreakerThreshold > 1 {
		return fmt.Errorf("BREAKER_THRESHOLD must be in (0, 1]")
	}
	for name, url := range map[string]string{
		"KYC_SERVICE_URL":       c.KYCServiceURL,
		"SCREENING_SERVICE_URL": c.ScreeningServiceURL,
		"RISK_SERVICE_URL":      c.RiskServiceURL,
		"PAYMENT_SERVICE_URL":   c.PaymentServiceURL,
		"PAYOUT_SERVICE_URL":    c.PayoutServiceURL,
	} {
		if strings.TrimSpace(url) == "" {
			return fmt.Errorf("%s must not be empty", name)
		}
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.DBHost +
		" port=" + strconv.Itoa(c.DBPort) +
		" user=" + c.DBUser +
		" password=" + c.DBPassword +
		" dbname=" + c.DBName +
		" sslmode=disable"
}
