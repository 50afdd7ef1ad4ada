// ABOUTME: Store methods for the receipt_tasks work queue: enqueue, claim, lease recovery, finalize.
// ABOUTME: Every queue state change is one conditional statement; no locks outlive a statement.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClaimedTask is the row returned by ClaimTask.
type ClaimedTask struct {
	ID             int64
	ReceiptID      int64
	ReceiptVersion int
	Attempts       int
}

// Validate reports whether the claimed row carries usable values. A row that
// fails validation would fail identically on every retry.
func (t ClaimedTask) Validate() error {
	switch {
	case t.ID <= 0:
		return fmt.Errorf("invalid task id %d", t.ID)
	case t.ReceiptID <= 0:
		return fmt.Errorf("task %d: invalid receipt id %d", t.ID, t.ReceiptID)
	case t.ReceiptVersion < 1:
		return fmt.Errorf("task %d: invalid receipt version %d", t.ID, t.ReceiptVersion)
	case t.Attempts < 1:
		return fmt.Errorf("task %d: invalid attempt count %d", t.ID, t.Attempts)
	}
	return nil
}

// Task is the full queue row, used by the status projection.
type Task struct {
	ID             int64      `json:"id"`
	ReceiptID      int64      `json:"receipt_id"`
	ReceiptVersion int        `json:"receipt_version"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	RunAfter       time.Time  `json:"run_after"`
	LockedAt       *time.Time `json:"locked_at"`
	LockedBy       *string    `json:"locked_by"`
	LastError      *string    `json:"last_error"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

const enqueueTaskSQL = `
INSERT INTO receipt_tasks (receipt_id, receipt_version, status, attempts, run_after, created_at, updated_at)
VALUES ($1, $2, 'queued', 0, $3, $3, $3)
RETURNING id`

// claimTaskSQL picks the oldest due queued task and leases it in one
// statement. SKIP LOCKED keeps concurrent claimants from blocking on (or
// double-taking) the same row; the outer status check re-asserts eligibility
// after the row lock is held.
const claimTaskSQL = `
UPDATE receipt_tasks
SET status     = 'processing',
    locked_at  = $1,
    locked_by  = $2,
    attempts   = attempts + 1,
    updated_at = $1
WHERE id = (
    SELECT id
    FROM receipt_tasks
    WHERE status = 'queued' AND run_after <= $1
    ORDER BY created_at, id
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
  AND status = 'queued'
RETURNING id, receipt_id, receipt_version, attempts`

const reclaimStaleTasksSQL = `
UPDATE receipt_tasks
SET status     = 'queued',
    locked_at  = NULL,
    locked_by  = NULL,
    run_after  = $1,
    updated_at = $1
WHERE status = 'processing'
  AND locked_at IS NOT NULL
  AND locked_at <= $2`

// Finalize statements match only the claim generation that produced them:
// status must still be 'processing' and attempts must equal the value the
// claim returned. A reclaimed or re-claimed task therefore never gets
// overwritten by a late finisher, and done/error rows are never touched.
const completeTaskSQL = `
UPDATE receipt_tasks
SET status     = 'done',
    locked_at  = NULL,
    locked_by  = NULL,
    updated_at = $3
WHERE id = $1 AND status = 'processing' AND attempts = $2`

const retryTaskSQL = `
UPDATE receipt_tasks
SET status     = 'queued',
    run_after  = $3,
    last_error = $4,
    locked_at  = NULL,
    locked_by  = NULL,
    updated_at = $5
WHERE id = $1 AND status = 'processing' AND attempts = $2`

const failTaskSQL = `
UPDATE receipt_tasks
SET status     = 'error',
    last_error = $3,
    locked_at  = NULL,
    locked_by  = NULL,
    updated_at = $4
WHERE id = $1 AND status = 'processing' AND attempts = $2`

// forceFailTaskSQL is used when the claimed row itself is unusable, so the
// attempt counter cannot be trusted; the lease holder identifies the claim.
const forceFailTaskSQL = `
UPDATE receipt_tasks
SET status     = 'error',
    last_error = $3,
    locked_at  = NULL,
    locked_by  = NULL,
    updated_at = $4
WHERE id = $1 AND status = 'processing' AND locked_by = $2`

const latestTaskSQL = `
SELECT id, receipt_id, receipt_version, status, attempts, run_after,
       locked_at, locked_by, last_error, created_at, updated_at
FROM receipt_tasks
WHERE receipt_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`

// EnqueueTask inserts a queued task for (receiptID, version) that is due
// immediately and returns its ID.
func (s *Store) EnqueueTask(ctx context.Context, receiptID int64, version int, now time.Time) (int64, error) {
	return enqueueTask(ctx, s.db, receiptID, version, now)
}

func enqueueTask(ctx context.Context, q dbtx, receiptID int64, version int, now time.Time) (int64, error) {
	var id int64
	if err := q.QueryRowContext(ctx, enqueueTaskSQL, receiptID, version, now).Scan(&id); err != nil {
		return 0, fmt.Errorf("enqueue task: %w", err)
	}
	return id, nil
}

// ClaimTask atomically leases the oldest due queued task to workerID.
// Returns (nil, nil) when no task is currently eligible.
func (s *Store) ClaimTask(ctx context.Context, workerID string, now time.Time) (*ClaimedTask, error) {
	var (
		id                          int64
		receiptID, version, attempt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, claimTaskSQL, now, workerID).
		Scan(&id, &receiptID, &version, &attempt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	// NULLs decode to zero and are rejected by Validate.
	return &ClaimedTask{
		ID:             id,
		ReceiptID:      receiptID.Int64,
		ReceiptVersion: int(version.Int64),
		Attempts:       int(attempt.Int64),
	}, nil
}

// ReclaimStaleTasks returns every task whose lease was taken at or before
// now-leaseTimeout to the queue, due immediately. Returns the number of
// tasks reclaimed; zero when nothing is stale.
func (s *Store) ReclaimStaleTasks(ctx context.Context, now time.Time, leaseTimeout time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, reclaimStaleTasksSQL, now, now.Add(-leaseTimeout))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale tasks: rows affected: %w", err)
	}
	return n, nil
}

// CompleteTask marks a claimed task done.
func (s *Store) CompleteTask(ctx context.Context, id int64, attempts int, now time.Time) error {
	res, err := s.db.ExecContext(ctx, completeTaskSQL, id, attempts, now)
	if err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	if err := expectOneRow(res, ErrLeaseLost); err != nil {
		return fmt.Errorf("complete task %d: %w", id, err)
	}
	return nil
}

// RetryTask puts a claimed task back in the queue, due at runAfter.
func (s *Store) RetryTask(ctx context.Context, id int64, attempts int, runAfter time.Time, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, retryTaskSQL, id, attempts, runAfter, lastError, now)
	if err != nil {
		return fmt.Errorf("retry task %d: %w", id, err)
	}
	if err := expectOneRow(res, ErrLeaseLost); err != nil {
		return fmt.Errorf("retry task %d: %w", id, err)
	}
	return nil
}

// FailTask marks a claimed task terminally failed.
func (s *Store) FailTask(ctx context.Context, id int64, attempts int, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, failTaskSQL, id, attempts, lastError, now)
	if err != nil {
		return fmt.Errorf("fail task %d: %w", id, err)
	}
	if err := expectOneRow(res, ErrLeaseLost); err != nil {
		return fmt.Errorf("fail task %d: %w", id, err)
	}
	return nil
}

// ForceFailTask marks a task held by workerID terminally failed without
// consulting its attempt counter.
func (s *Store) ForceFailTask(ctx context.Context, id int64, workerID, lastError string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, forceFailTaskSQL, id, workerID, lastError, now)
	if err != nil {
		return fmt.Errorf("force fail task %d: %w", id, err)
	}
	if err := expectOneRow(res, ErrLeaseLost); err != nil {
		return fmt.Errorf("force fail task %d: %w", id, err)
	}
	return nil
}

// LatestTask returns the most recently created task for receiptID, or
// (nil, nil) if the receipt has no tasks.
func (s *Store) LatestTask(ctx context.Context, receiptID int64) (*Task, error) {
	var t Task
	err := s.db.QueryRowContext(ctx, latestTaskSQL, receiptID).Scan(
		&t.ID, &t.ReceiptID, &t.ReceiptVersion, &t.Status, &t.Attempts, &t.RunAfter,
		&t.LockedAt, &t.LockedBy, &t.LastError, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest task for receipt %d: %w", receiptID, err)
	}
	return &t, nil
}
