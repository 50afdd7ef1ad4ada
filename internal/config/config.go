// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL          string        `env:"DATABASE_URL,required"`
	DatabaseURLMigrate   string        `env:"DATABASE_URL_MIGRATE"`
	DBMaxConns           int32         `env:"DB_MAX_CONNS"            envDefault:"10"`
	DBMaxConnIdleTime    time.Duration `env:"DB_MAX_CONN_IDLE_TIME"   envDefault:"5m"`
	DBStatementTimeoutMS int           `env:"DB_STATEMENT_TIMEOUT_MS" envDefault:"14000"`
	// DBQueryExecMode: "simple_protocol" (PgBouncer-compatible) or "extended_protocol".
	DBQueryExecMode string `env:"DB_QUERY_EXEC_MODE" envDefault:"extended_protocol"`

	// ── Server ───────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	AppEnv                 string `env:"APP_ENV"                  envDefault:"development"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Auth ─────────────────────────────────────────────────────────────────────
	// Tokens are issued elsewhere; this service only verifies them.
	JWTSecret string `env:"JWT_SECRET,required"`

	// ── Uploads ──────────────────────────────────────────────────────────────────
	UploadMaxBytes      int64 `env:"UPLOAD_MAX_BYTES"       envDefault:"10485760"`
	UploadRatePerMinute int   `env:"UPLOAD_RATE_PER_MINUTE" envDefault:"30"`

	// ── Worker / task queue ─────────────────────────────────────────────────────
	// WorkerID is the locked_by prefix; a random UUID is used when empty.
	WorkerID           string        `env:"WORKER_ID"`
	WorkerConcurrency  int           `env:"WORKER_CONCURRENCY"   envDefault:"1"`
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"2s"`
	TaskMaxAttempts    int           `env:"TASK_MAX_ATTEMPTS"    envDefault:"3"`
	TaskLockTimeout    time.Duration `env:"TASK_LOCK_TIMEOUT"    envDefault:"180s"`
	TaskBackoffBase    time.Duration `env:"TASK_BACKOFF_BASE"    envDefault:"1m"`
	// TaskExecTimeout bounds one execution; keep it below TaskLockTimeout so a
	// slow attempt gives up before its lease can be reclaimed.
	TaskExecTimeout time.Duration `env:"TASK_EXEC_TIMEOUT" envDefault:"150s"`

	// ── Extraction (Google Gemini) ──────────────────────────────────────────────
	GeminiAPIKey      string `env:"GEMINI_API_KEY"`
	GeminiOCRModel    string `env:"GEMINI_OCR_MODEL"    envDefault:"gemini-2.0-flash"`
	GeminiStructModel string `env:"GEMINI_STRUCT_MODEL" envDefault:"gemini-2.0-flash"`

	// ── Blob storage ─────────────────────────────────────────────────────────────
	// BlobBackend: "fs" (local directory) or "s3" (any S3-compatible endpoint).
	BlobBackend    string `env:"BLOB_BACKEND"     envDefault:"fs"`
	BlobDir        string `env:"BLOB_DIR"         envDefault:"./data/uploads"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3Region       string `env:"S3_REGION"        envDefault:"us-east-1"`
	S3BaseEndpoint string `env:"S3_BASE_ENDPOINT"`
	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`

	// ── Currency normalisation (reference currency is USD) ──────────────────────
	FXEURToUSD float64 `env:"FX_EUR_TO_USD" envDefault:"1.0"`
	FXCHFToUSD float64 `env:"FX_CHF_TO_USD" envDefault:"1.0"`
	FXRUBToUSD float64 `env:"FX_RUB_TO_USD" envDefault:"1.0"`

	// ── Observability ───────────────────────────────────────────────────────────
	LogLevel       string `env:"LOG_LEVEL"       envDefault:"info"`
	LogFormat      string `env:"LOG_FORMAT"      envDefault:"json"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing or a value is out of range.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the worker loop cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", c.WorkerConcurrency))
	}
	if c.WorkerPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_POLL_INTERVAL must be positive, got %s", c.WorkerPollInterval))
	}
	if c.TaskMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("TASK_MAX_ATTEMPTS must be >= 1, got %d", c.TaskMaxAttempts))
	}
	if c.TaskLockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TASK_LOCK_TIMEOUT must be positive, got %s", c.TaskLockTimeout))
	}
	if c.TaskBackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("TASK_BACKOFF_BASE must be positive, got %s", c.TaskBackoffBase))
	}
	if c.TaskExecTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TASK_EXEC_TIMEOUT must be positive, got %s", c.TaskExecTimeout))
	}
	// A live attempt must give up before its lease can be reclaimed.
	if c.TaskExecTimeout >= c.TaskLockTimeout {
		errs = append(errs, fmt.Errorf("TASK_EXEC_TIMEOUT (%s) must be below TASK_LOCK_TIMEOUT (%s)",
			c.TaskExecTimeout, c.TaskLockTimeout))
	}
	switch c.BlobBackend {
	case "fs":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET is required when BLOB_BACKEND=s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("BLOB_BACKEND must be fs or s3, got %q", c.BlobBackend))
	}
	return errors.Join(errs...)
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// FXRates returns the configured conversion factors into USD keyed by ISO code.
func (c *Config) FXRates() map[string]float64 {
	return map[string]float64{
		"USD": 1.0,
		"EUR": c.FXEURToUSD,
		"CHF": c.FXCHFToUSD,
		"RUB": c.FXRUBToUSD,
	}
}
