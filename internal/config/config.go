// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all coordinator configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Redis (FX rate cache)
	RedisAddr string
	RedisDB   int

	// Participant channel
	WebsocketPort string

	// Coordinator identity
	CoordinatorID string // used in signed envelopes and audit entries

	// Security
	AdminSecret     string // admin API secret
	EnvelopeHMACKey string // HMAC key signing outbound participant messages

	// Settlement timeouts (spec.md §6 defaults)
	LockPhaseTimeout    time.Duration
	LockHoldTimeout     time.Duration
	LockHoldMaxExtended time.Duration
	AckTimeout          time.Duration
	FxRateLockDuration  time.Duration
	HeartbeatInterval   time.Duration
	OfflineThreshold    time.Duration
	ValidationTimeout   time.Duration
	CommitTimeout       time.Duration
	ComplianceHookTimeout time.Duration
	AckRedeliveryWindow time.Duration

	// Lock manager
	LockExpirySweepInterval time.Duration
	LockMaxRetries          int

	// FX engine
	FxMinProviders    int
	FxFreshnessWindow time.Duration
	FxTolerance       float64 // AT_SOURCE tolerance, e.g. 0.005 = 0.5%
	FxProviderURLs    []string // REST quote endpoints; falls back to a static provider when empty

	// Netting engine
	NettingWindow time.Duration

	// Database pool settings
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration
	DBConnectTimeout   int // seconds, appended to Postgres DSN
	DBStatementTimeout int // milliseconds, appended to Postgres DSN

	// HTTP server timeouts
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RequestTimeout   time.Duration

	// Observability
	OTLPEndpoint string // OpenTelemetry collector endpoint (e.g. "localhost:4317"), empty = disabled
}

// Defaults.
const (
	DefaultPort          = "8080"
	DefaultWebsocketPort = "8081"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"

	DefaultLockPhaseTimeout      = 10 * time.Second
	DefaultLockHoldTimeout       = 30 * time.Second
	DefaultLockHoldMaxExtended   = 60 * time.Second
	DefaultAckTimeout            = 60 * time.Second
	DefaultFxRateLockDuration    = 30 * time.Second
	DefaultHeartbeatInterval     = 5 * time.Second
	DefaultOfflineThreshold      = 15 * time.Second
	DefaultValidationTimeout     = 500 * time.Millisecond
	DefaultCommitTimeout         = 200 * time.Millisecond
	DefaultComplianceHookTimeout = 2 * time.Second
	DefaultAckRedeliveryWindow   = 24 * time.Hour

	DefaultLockExpirySweepInterval = 1 * time.Second
	DefaultLockMaxRetries          = 3

	DefaultFxMinProviders    = 3
	DefaultFxFreshnessWindow = 10 * time.Second
	DefaultFxTolerance       = 0.005

	DefaultNettingWindow = 100 * time.Millisecond

	DefaultDBMaxOpenConns     = 25
	DefaultDBMaxIdleConns     = 5
	DefaultDBConnMaxLifetime  = 5 * time.Minute
	DefaultDBConnMaxIdleTime  = 3 * time.Minute
	DefaultDBConnectTimeout   = 5
	DefaultDBStatementTimeout = 30000

	DefaultHTTPReadTimeout  = 10 * time.Second
	DefaultHTTPWriteTimeout = 30 * time.Second
	DefaultHTTPIdleTimeout  = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// Load reads configuration from environment variables.
// It loads a .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:          getEnv("PORT", DefaultPort),
		Env:           getEnv("ENV", DefaultEnv),
		LogLevel:      getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:       int(getEnvInt64("REDIS_DB", 0)),
		WebsocketPort: getEnv("WEBSOCKET_PORT", DefaultWebsocketPort),
		CoordinatorID: getEnv("COORDINATOR_ID", "coordinator-1"),

		AdminSecret:     os.Getenv("ADMIN_SECRET"),
		EnvelopeHMACKey: os.Getenv("ENVELOPE_HMAC_KEY"),

		LockPhaseTimeout:      getEnvDuration("LOCK_PHASE_TIMEOUT", DefaultLockPhaseTimeout),
		LockHoldTimeout:       getEnvDuration("LOCK_HOLD_TIMEOUT", DefaultLockHoldTimeout),
		LockHoldMaxExtended:   getEnvDuration("LOCK_HOLD_MAX_EXTENDED", DefaultLockHoldMaxExtended),
		AckTimeout:            getEnvDuration("ACK_TIMEOUT", DefaultAckTimeout),
		FxRateLockDuration:    getEnvDuration("FX_RATE_LOCK_DURATION", DefaultFxRateLockDuration),
		HeartbeatInterval:     getEnvDuration("HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),
		OfflineThreshold:      getEnvDuration("OFFLINE_THRESHOLD", DefaultOfflineThreshold),
		ValidationTimeout:     getEnvDuration("VALIDATION_TIMEOUT", DefaultValidationTimeout),
		CommitTimeout:         getEnvDuration("COMMIT_TIMEOUT", DefaultCommitTimeout),
		ComplianceHookTimeout: getEnvDuration("COMPLIANCE_HOOK_TIMEOUT", DefaultComplianceHookTimeout),
		AckRedeliveryWindow:   getEnvDuration("ACK_REDELIVERY_WINDOW", DefaultAckRedeliveryWindow),

		LockExpirySweepInterval: getEnvDuration("LOCK_EXPIRY_SWEEP_INTERVAL", DefaultLockExpirySweepInterval),
		LockMaxRetries:          int(getEnvInt64("LOCK_MAX_RETRIES", int64(DefaultLockMaxRetries))),

		FxMinProviders:    int(getEnvInt64("FX_MIN_PROVIDERS", int64(DefaultFxMinProviders))),
		FxFreshnessWindow: getEnvDuration("FX_FRESHNESS_WINDOW", DefaultFxFreshnessWindow),
		FxTolerance:       getEnvFloat("FX_TOLERANCE", DefaultFxTolerance),
		FxProviderURLs:    getEnvList("FX_PROVIDER_URLS"),

		NettingWindow: getEnvDuration("NETTING_WINDOW", DefaultNettingWindow),

		DBMaxOpenConns:     int(getEnvInt64("POSTGRES_MAX_OPEN_CONNS", int64(DefaultDBMaxOpenConns))),
		DBMaxIdleConns:     int(getEnvInt64("POSTGRES_MAX_IDLE_CONNS", int64(DefaultDBMaxIdleConns))),
		DBConnMaxLifetime:  getEnvDuration("POSTGRES_CONN_MAX_LIFETIME", DefaultDBConnMaxLifetime),
		DBConnMaxIdleTime:  getEnvDuration("POSTGRES_CONN_MAX_IDLE_TIME", DefaultDBConnMaxIdleTime),
		DBConnectTimeout:   int(getEnvInt64("POSTGRES_CONNECT_TIMEOUT", int64(DefaultDBConnectTimeout))),
		DBStatementTimeout: int(getEnvInt64("POSTGRES_STATEMENT_TIMEOUT", int64(DefaultDBStatementTimeout))),

		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", DefaultHTTPReadTimeout),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", DefaultHTTPWriteTimeout),
		HTTPIdleTimeout:  getEnvDuration("HTTP_IDLE_TIMEOUT", DefaultHTTPIdleTimeout),
		RequestTimeout:   getEnvDuration("REQUEST_TIMEOUT", DefaultRequestTimeout),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and internally consistent.
func (c *Config) Validate() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a number between 1 and 65535, got %q", c.Port)
	}

	if c.LockHoldMaxExtended < c.LockHoldTimeout {
		return fmt.Errorf("LOCK_HOLD_MAX_EXTENDED (%v) must be >= LOCK_HOLD_TIMEOUT (%v)", c.LockHoldMaxExtended, c.LockHoldTimeout)
	}

	if c.FxMinProviders < 1 {
		return fmt.Errorf("FX_MIN_PROVIDERS must be at least 1, got %d", c.FxMinProviders)
	}

	if c.DBStatementTimeout < 1000 {
		return fmt.Errorf("POSTGRES_STATEMENT_TIMEOUT must be at least 1000ms, got %d", c.DBStatementTimeout)
	}

	if c.HTTPWriteTimeout > 0 && c.RequestTimeout > 0 && c.HTTPWriteTimeout < c.RequestTimeout {
		return fmt.Errorf("HTTP_WRITE_TIMEOUT (%v) must be >= REQUEST_TIMEOUT (%v)", c.HTTPWriteTimeout, c.RequestTimeout)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		slog.Warn("ADMIN_SECRET not set — admin endpoints accept any authenticated request")
	}
	if c.IsProduction() && c.EnvelopeHMACKey == "" {
		slog.Warn("ENVELOPE_HMAC_KEY not set — outbound participant messages will be unsigned")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
