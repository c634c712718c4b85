// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"25"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	DBQueryExecMode      string        `env:"DB_QUERY_EXEC_MODE"` // "simple_protocol" for PgBouncer

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"60"`

	// ── Worker ───────────────────────────────────────────────────────────────────
	// Per-queue concurrency/rate overrides; zero keeps the queue default.
	DocumentsConcurrency int     `env:"DOCUMENTS_CONCURRENCY"`
	PayoutsConcurrency   int     `env:"PAYOUTS_CONCURRENCY"`
	PayoutsRatePerSecond float64 `env:"PAYOUTS_RATE_PER_SECOND"`

	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL"  envDefault:"1s"`
	StaleJobThreshold  time.Duration `env:"STALE_JOB_THRESHOLD"   envDefault:"5m"`
	RetentionInterval  time.Duration `env:"RETENTION_INTERVAL"    envDefault:"1h"`

	// ── Payment gateway ──────────────────────────────────────────────────────────
	GatewayBaseURL      string        `env:"GATEWAY_BASE_URL,required"`
	GatewayClientID     string        `env:"GATEWAY_CLIENT_ID"`
	GatewayClientSecret string        `env:"GATEWAY_CLIENT_SECRET"`
	GatewayTimeout      time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`

	// ── Circuit breaker ──────────────────────────────────────────────────────────
	BreakerThreshold   int           `env:"BREAKER_THRESHOLD"    envDefault:"5"`
	BreakerCooldown    time.Duration `env:"BREAKER_COOLDOWN"     envDefault:"30s"`
	BreakerMaxCooldown time.Duration `env:"BREAKER_MAX_COOLDOWN" envDefault:"10m"`

	// ── Reconciliation ───────────────────────────────────────────────────────────
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"  envDefault:"2m"`
	ReconcileGrace    time.Duration `env:"RECONCILE_GRACE"     envDefault:"5m"`
	ReconcileBatch    int           `env:"RECONCILE_BATCH"     envDefault:"100"`

	// ── Object store ─────────────────────────────────────────────────────────────
	ObjectStoreBaseURL string        `env:"OBJECT_STORE_BASE_URL,required"`
	ObjectStoreTimeout time.Duration `env:"OBJECT_STORE_TIMEOUT" envDefault:"10s"`

	// ── Escalation — SMTP ────────────────────────────────────────────────────────
	SMTPHost     string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort     int    `env:"SMTP_PORT" envDefault:"1025"`
	SMTPFrom     string `env:"SMTP_FROM" envDefault:"hushryd-jobs@localhost"`
	SMTPUsername string `env:"SMTP_USERNAME"`
	SMTPPassword string `env:"SMTP_PASSWORD"`
	SMTPTLS      bool   `env:"SMTP_TLS"  envDefault:"false"`

	// ── Escalation — webhooks ────────────────────────────────────────────────────
	WebhookSigningSecret string `env:"WEBHOOK_SIGNING_SECRET"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
