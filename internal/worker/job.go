// Package worker runs the receipt task loop: each iteration reclaims expired
// leases, claims the oldest due task with FOR UPDATE SKIP LOCKED, executes it
// and records the outcome.
//
// Loops share nothing but the database. Any number of loops, in one process
// or many, may run against the same receipt_tasks table.
package worker

import (
	"context"
	"time"

	"github.com/bvd757/receipt-analysis-system/internal/store"
)

// Queue is the task-queue surface of *store.Store.
type Queue interface {
	ReclaimStaleTasks(ctx context.Context, now time.Time, leaseTimeout time.Duration) (int64, error)
	ClaimTask(ctx context.Context, workerID string, now time.Time) (*store.ClaimedTask, error)
	CompleteTask(ctx context.Context, id int64, attempts int, now time.Time) error
	RetryTask(ctx context.Context, id int64, attempts int, runAfter time.Time, lastError string, now time.Time) error
	FailTask(ctx context.Context, id int64, attempts int, lastError string, now time.Time) error
	ForceFailTask(ctx context.Context, id int64, workerID, lastError string, now time.Time) error
	MarkReceiptFailed(ctx context.Context, id int64, version int, status store.Status, msg string) error
}

// Processor executes one claimed task. A nil return marks the task done;
// a non-nil return consumes one attempt under the retry policy.
type Processor interface {
	Process(ctx context.Context, task store.ClaimedTask) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, task store.ClaimedTask) error

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, task store.ClaimedTask) error {
	return f(ctx, task)
}

// Config holds loop tuning parameters (sourced from config.Config).
type Config struct {
	ID           string // locked_by identity; loop N>0 uses ID-N
	Concurrency  int
	PollInterval time.Duration
	LeaseTimeout time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
	ExecTimeout  time.Duration // zero means no per-task deadline
}

func (c Config) withDefaults() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = 180 * time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Minute
	}
	return c
}
