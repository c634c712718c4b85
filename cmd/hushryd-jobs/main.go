// Command hushryd-jobs is the background job processing server for the
// HushRyd marketplace.
//
// Subcommands:
//
//	serve      — HTTP API + embedded worker pool and reconciler (default deployment)
//	worker     — standalone worker pool only (scaled deployments)
//	reconcile  — standalone reconciliation scheduler only
//	migrate    — run pending database migrations and exit
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	// Embeds the IANA timezone database in the binary so that
	// time.LoadLocation works inside distroless containers that have no
	// /usr/share/zoneinfo.
	_ "time/tzdata"

	// Automatically sets GOMEMLIMIT from the cgroup memory limit so that
	// the Go GC triggers before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/hushryd-glitch/hushryd-jobs/internal/api"
	"github.com/hushryd-glitch/hushryd-jobs/internal/breaker"
	"github.com/hushryd-glitch/hushryd-jobs/internal/config"
	"github.com/hushryd-glitch/hushryd-jobs/internal/escalate"
	"github.com/hushryd-glitch/hushryd-jobs/internal/gateway"
	"github.com/hushryd-glitch/hushryd-jobs/internal/handler"
	"github.com/hushryd-glitch/hushryd-jobs/internal/job"
	"github.com/hushryd-glitch/hushryd-jobs/internal/metrics"
	"github.com/hushryd-glitch/hushryd-jobs/internal/objstore"
	"github.com/hushryd-glitch/hushryd-jobs/internal/reconcile"
	"github.com/hushryd-glitch/hushryd-jobs/internal/store"
	"github.com/hushryd-glitch/hushryd-jobs/internal/worker"
	"github.com/hushryd-glitch/hushryd-jobs/migrations"
)

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "hushryd-jobs",
		Short: "HushRyd — background job processing and payment reconciliation",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		reconcileCmd(),
		migrateCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// deps bundles everything the long-running subcommands share.
type deps struct {
	cfg    *config.Config
	db     *pgxpool.Pool
	store  *store.Store
	gw     *gateway.Guarded
	m      *metrics.Metrics
	queues []job.QueueConfig
}

// setup loads config, connects the database, and wires the guarded gateway.
func setup(ctx context.Context) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))

	db, err := newPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	cb := breaker.New("payment-gateway", breaker.Config{
		Threshold:   cfg.BreakerThreshold,
		Cooldown:    cfg.BreakerCooldown,
		MaxCooldown: cfg.BreakerMaxCooldown,
		OnStateChange: func(from, to breaker.State) {
			slog.Warn("circuit breaker state changed", "from", from, "to", to)
			m.BreakerState.WithLabelValues("payment-gateway").Set(breakerStateValue(to))
		},
	})
	gw := gateway.Guard(gateway.NewClient(gateway.ClientConfig{
		BaseURL:      cfg.GatewayBaseURL,
		ClientID:     cfg.GatewayClientID,
		ClientSecret: cfg.GatewayClientSecret,
		Timeout:      cfg.GatewayTimeout,
	}), cb)

	return &deps{
		cfg:    cfg,
		db:     db,
		store:  store.New(db),
		gw:     gw,
		m:      m,
		queues: queuesFromConfig(cfg),
	}, nil
}

// queuesFromConfig applies env overrides on top of the default queue set.
func queuesFromConfig(cfg *config.Config) []job.QueueConfig {
	queues := job.DefaultQueues()
	for i := range queues {
		switch queues[i].Name {
		case job.QueueDocuments:
			if cfg.DocumentsConcurrency > 0 {
				queues[i].Concurrency = cfg.DocumentsConcurrency
			}
		case job.QueuePayouts:
			if cfg.PayoutsConcurrency > 0 {
				queues[i].Concurrency = cfg.PayoutsConcurrency
			}
			if cfg.PayoutsRatePerSecond > 0 {
				queues[i].RatePerSecond = cfg.PayoutsRatePerSecond
			}
		}
	}
	return queues
}

// newWorkerPool wires the handlers and escalator into a pool.
func newWorkerPool(d *deps) (*worker.Pool, error) {
	webhookClient, err := escalate.BuildSafeClient()
	if err != nil {
		return nil, fmt.Errorf("webhook client: %w", err)
	}
	esc := escalate.New(d.store, escalate.SMTPConfig{
		Host:     d.cfg.SMTPHost,
		Port:     d.cfg.SMTPPort,
		From:     d.cfg.SMTPFrom,
		Username: d.cfg.SMTPUsername,
		Password: d.cfg.SMTPPassword,
		TLS:      d.cfg.SMTPTLS,
	}, webhookClient, d.cfg.WebhookSigningSecret, slog.Default())

	pool := worker.New(d.store, esc, worker.Options{
		PollInterval:      d.cfg.WorkerPollInterval,
		StaleThreshold:    d.cfg.StaleJobThreshold,
		RetentionInterval: d.cfg.RetentionInterval,
		Logger:            slog.Default(),
		Metrics:           d.m,
	})

	checker := objstore.NewHTTPChecker(d.cfg.ObjectStoreBaseURL, d.cfg.ObjectStoreTimeout)
	docs := handler.NewDocument(d.store, checker, slog.Default())
	payouts := handler.NewPayout(d.store, d.gw, slog.Default())
	confirmations := handler.NewConfirmation(d.store, d.gw, slog.Default())

	for _, q := range d.queues {
		switch q.Name {
		case job.QueueDocuments:
			pool.Register(q, docs.Handle)
		case job.QueuePayouts:
			pool.Register(q, payouts.Handle)
		case job.QueueConfirmations:
			pool.Register(q, confirmations.Handle)
		}
	}
	return pool, nil
}

func newReconciler(d *deps) *reconcile.Reconciler {
	return reconcile.New(d.store, d.gw, reconcile.Options{
		Interval:  d.cfg.ReconcileInterval,
		Grace:     d.cfg.ReconcileGrace,
		BatchSize: d.cfg.ReconcileBatch,
		Logger:    slog.Default(),
	})
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with embedded worker pool and reconciler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	d, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := newWorkerPool(d)
	if err != nil {
		return err
	}
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		pool.Start(ctx)
	}()
	go newReconciler(d).Run(ctx)

	apiSrv := api.NewServer(d.store, d.queues, d.m, slog.Default())
	srv := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           apiSrv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", d.cfg.ListenAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", d.cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(d.cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	// The pool drains in-flight jobs before exiting.
	<-poolDone
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool (no HTTP server)",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	d, err := setup(cmd.Context())
	if err != nil {
		return err
	}
	defer d.db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	pool, err := newWorkerPool(d)
	if err != nil {
		return err
	}
	slog.Info("worker started")
	pool.Start(ctx) // blocks until ctx cancelled, then drains in-flight jobs
	return nil
}

// ── reconcile ─────────────────────────────────────────────────────────────────

func reconcileCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Start the standalone reconciliation scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer d.db.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			r := newReconciler(d)
			if once {
				return r.RunOnce(ctx)
			}
			slog.Info("reconciler started")
			r.Run(ctx)
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single sweep and exit")
	return cmd
}

// ── migrate ───────────────────────────────────────────────────────────────────

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run pending database migrations and exit",
		RunE:  runMigrate,
	}
}

func runMigrate(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	slog.SetDefault(newLogger(cfg))
	slog.Info("running migrations")

	// Source: embedded SQL files from the migrations package.
	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB. Use pgx's stdlib adapter so the same
	// driver is used project-wide. No pooling needed here — this is a one-shot
	// migration run.
	connCfg, err := pgx.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse db url: %w", err)
	}
	db := stdlib.OpenDB(*connCfg)
	defer db.Close() //nolint:errcheck

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}

	version, _, _ := m.Version()
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── helpers ───────────────────────────────────────────────────────────────────

// newPool creates and validates a pgxpool. Retries with linear backoff to
// handle the Docker Compose startup race where Postgres is not immediately
// ready.
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// PgBouncer transaction-pooling compatibility.
	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	// Global per-query statement timeout prevents runaway queries from
	// holding connections indefinitely.
	poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(cfg.DBStatementTimeoutMS)

	poolCfg.MaxConns = cfg.DBMaxConns
	poolCfg.MaxConnIdleTime = cfg.DBMaxConnIdleTime

	var (
		db      *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		db, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = db.Ping(ctx); connErr == nil {
				break
			}
			db.Close()
		}
		slog.Warn("database not ready, retrying",
			"attempt", attempt,
			"error", connErr,
		)
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx
		// is cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if connErr != nil {
		return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
	}
	return db, nil
}

// newLogger creates a slog.Logger based on the configured log level and
// format. Development gets colorized tint output; production gets JSON.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.HalfOpen:
		return 1
	case breaker.Open:
		return 2
	default:
		return 0
	}
}
