// Package store provides the data access layer for receipts, their line items
// and the receipt_tasks work queue. Queries run through a *sql.DB that wraps
// the pgxpool via pgx's stdlib adapter, so the same pool serves both the
// queue statements and the multi-statement transactions.
//
// Queue state changes (claim, reclaim, finalize) are single conditional
// statements. Multi-step mutations (upload, reprocess, result application)
// run inside one transaction each.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

var (
	// ErrNotFound is returned when a receipt does not exist or is not owned
	// by the caller.
	ErrNotFound = errors.New("not found")

	// ErrStaleVersion is returned when a version-guarded write finds that the
	// receipt has moved on to a newer version.
	ErrStaleVersion = errors.New("stale receipt version")

	// ErrLeaseLost is returned by finalize operations when the task is no
	// longer held under the caller's claim (reclaimed, or claimed again).
	ErrLeaseLost = errors.New("task lease lost")
)

// Status is the lifecycle state shared by receipts and tasks.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
	db   *sql.DB
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
}

// NewWithDB creates a Store over an existing *sql.DB. Pool returns nil for
// stores built this way.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Pool returns the underlying pgxpool, or nil when built with NewWithDB.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// DB returns the stdlib-wrapped *sql.DB.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// withTx runs fn inside a database/sql transaction. The transaction is
// committed if fn returns nil, rolled back otherwise.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// expectOneRow maps a conditional UPDATE result onto miss when no row matched.
func expectOneRow(res sql.Result, miss error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return miss
	}
	return nil
}
