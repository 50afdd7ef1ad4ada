// Command receiptq is the receipt processing server binary.
//
// Subcommands:
//
//	serve    HTTP API, optionally with an embedded worker pool
//	worker   standalone worker pool; exposes /healthz and /metrics only
//	migrate  run pending database migrations and exit
//	token    mint an access token for a user (operators and local testing)
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
	// time.LoadLocation works inside distroless containers.
	_ "time/tzdata"

	// Sets GOMEMLIMIT from the cgroup memory limit so the GC triggers
	// before the OOM killer fires in containers.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/caarlos0/env/v11"
	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/bvd757/receipt-analysis-system/internal/api"
	"github.com/bvd757/receipt-analysis-system/internal/auth"
	"github.com/bvd757/receipt-analysis-system/internal/blob"
	"github.com/bvd757/receipt-analysis-system/internal/config"
	"github.com/bvd757/receipt-analysis-system/internal/extract"
	"github.com/bvd757/receipt-analysis-system/internal/processor"
	"github.com/bvd757/receipt-analysis-system/internal/store"
	"github.com/bvd757/receipt-analysis-system/internal/worker"
	"github.com/bvd757/receipt-analysis-system/migrations"
)

func main() {
	root := &cobra.Command{
		Use:   "receiptq",
		Short: "receiptq: receipt recognition with a Postgres task queue",
		// Silence default error printing; we print it ourselves with slog.
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCmd(),
		workerCmd(),
		migrateCmd(),
		tokenCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// ── serve ─────────────────────────────────────────────────────────────────────

func serveCmd() *cobra.Command {
	var embedded bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, embedded)
		},
	}
	cmd.Flags().BoolVar(&embedded, "with-worker", false, "also run the worker pool in this process")
	return cmd
}

func runServe(cmd *cobra.Command, embedded bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}

	// The extractor backs currency detection on the API and, with
	// --with-worker, the embedded pool.
	var (
		gem      *extract.Gemini
		detector api.CurrencyDetector
	)
	if cfg.GeminiAPIKey != "" {
		gem, err = newExtractor(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeExtractor(gem)
		detector = gem
	} else {
		slog.Warn("GEMINI_API_KEY not set, currency detection disabled")
	}

	poolDone := make(chan struct{})
	if embedded {
		if gem == nil {
			return errors.New("GEMINI_API_KEY is required to run workers")
		}
		pool := newWorkerPool(cfg, st, blobs, gem, logger)
		go func() {
			defer close(poolDone)
			pool.Start(ctx) //nolint:contextcheck // ctx is the process-lifetime context
		}()
	} else {
		close(poolDone)
	}

	srv := &http.Server{ //nolint:exhaustruct // WriteTimeout omitted: uploads stream for up to ReadTimeout
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(st, blobs, detector, cfg, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	err = serveUntilDone(ctx, stop, srv, cfg)
	stop()
	<-poolDone
	if err != nil {
		return err
	}
	slog.Info("server stopped")
	return nil
}

// ── worker ────────────────────────────────────────────────────────────────────

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Start the standalone worker pool",
		RunE:  runWorker,
	}
}

func runWorker(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := newPool(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	st := store.New(db)
	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("blob store: %w", err)
	}
	if cfg.GeminiAPIKey == "" {
		return errors.New("GEMINI_API_KEY is required to run workers")
	}
	gem, err := newExtractor(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeExtractor(gem)
	pool := newWorkerPool(cfg, st, blobs, gem, logger)

	if cfg.MetricsEnabled {
		ops := &http.Server{ //nolint:exhaustruct // ops endpoints only
			Addr:              cfg.ListenAddr,
			Handler:           api.OpsHandler(st),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				slog.Error("ops listener failed", "addr", cfg.ListenAddr, "error", err)
			}
		}()
		defer ops.Close() //nolint:errcheck
	}

	slog.Info("worker started", "workers", pool.WorkerIDs())
	pool.Start(ctx) // blocks until ctx cancelled and every loop has returned
	slog.Info("worker stopped")
	return nil
}

func newExtractor(ctx context.Context, cfg *config.Config) (*extract.Gemini, error) {
	gem, err := extract.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiOCRModel, cfg.GeminiStructModel)
	if err != nil {
		return nil, fmt.Errorf("extractor: %w", err)
	}
	return gem, nil
}

func closeExtractor(gem *extract.Gemini) {
	if err := gem.Close(); err != nil {
		slog.Warn("close extractor", "error", err)
	}
}

// newWorkerPool wires processor and queue metrics into a pool.
func newWorkerPool(cfg *config.Config, st *store.Store, blobs blob.Store, gem *extract.Gemini, logger *slog.Logger) *worker.Pool {
	proc := processor.New(st, blobs, gem, cfg.FXRates(), logger)

	opts := []worker.Option{worker.WithLogger(logger)}
	if cfg.MetricsEnabled {
		opts = append(opts, worker.WithMetrics(worker.NewMetrics(nil)))
	}
	return worker.New(st, proc, worker.Config{
		ID:           cfg.WorkerID,
		Concurrency:  cfg.WorkerConcurrency,
		PollInterval: cfg.WorkerPollInterval,
		LeaseTimeout: cfg.TaskLockTimeout,
		MaxAttempts:  cfg.TaskMaxAttempts,
		BackoffBase:  cfg.TaskBackoffBase,
		ExecTimeout:  cfg.TaskExecTimeout,
	}, opts...)
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

	slog.Info("running migrations")

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}

	// golang-migrate requires a *sql.DB; pgx's stdlib adapter keeps one
	// driver project-wide.
	migrateURL := cfg.DatabaseURL
	if cfg.DatabaseURLMigrate != "" {
		migrateURL = cfg.DatabaseURLMigrate
	}
	connCfg, err := pgx.ParseConfig(migrateURL)
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

	version, _, _ := m.Version() //nolint:errcheck
	slog.Info("migrations complete", "version", version)
	return nil
}

// ── token ─────────────────────────────────────────────────────────────────────

func tokenCmd() *cobra.Command {
	var (
		user string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a signed access token for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			// Only the signing secret is needed; skip the full config.
			var c struct {
				JWTSecret string `env:"JWT_SECRET,required"`
			}
			if err := env.Parse(&c); err != nil {
				return fmt.Errorf("config: %w", err)
			}
			userID := uuid.New()
			if user != "" {
				parsed, err := uuid.Parse(user)
				if err != nil {
					return fmt.Errorf("--user: %w", err)
				}
				userID = parsed
			}
			tok, err := auth.IssueAccessToken([]byte(c.JWTSecret), userID, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user UUID (random when empty)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// ── helpers ───────────────────────────────────────────────────────────────────

// serveUntilDone runs srv until ctx is cancelled, then shuts it down within
// the configured timeout.
func serveUntilDone(ctx context.Context, stop context.CancelFunc, srv *http.Server, cfg *config.Config) error {
	serverErr := make(chan error, 1)
	go func() {
		slog.Info("server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		stop() // release signal notification
	}

	slog.Info("shutting down", "timeout_seconds", cfg.ShutdownTimeoutSeconds)
	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.ShutdownTimeoutSeconds)*time.Second,
	)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blob.Store, error) {
	if cfg.BlobBackend == "s3" {
		return blob.NewS3(ctx, blob.S3Config{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			BaseEndpoint: cfg.S3BaseEndpoint,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
		})
	}
	return blob.NewFS(cfg.BlobDir)
}

// newPool creates and validates a pgxpool: PgBouncer-compatible exec mode,
// statement timeout and pool sizing from config.
//
// Retries up to 10 times with linear backoff to ride out a database that is
// still starting (Docker Compose).
func newPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBQueryExecMode == "simple_protocol" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
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

	var schemaVersion int
	err = db.QueryRow(ctx,
		"SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1",
	).Scan(&schemaVersion)
	if err == nil && schemaVersion != expectedSchemaVersion {
		slog.Warn("schema version mismatch, run `receiptq migrate`",
			"applied_version", schemaVersion,
			"expected_version", expectedSchemaVersion,
		)
	}

	return db, nil
}

// expectedSchemaVersion is the database migration version this binary requires.
// Update this constant when new migrations are added.
const expectedSchemaVersion = 2

// newLogger creates a slog.Logger based on the configured log level and format.
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

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" || cfg.IsDevelopment() {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
