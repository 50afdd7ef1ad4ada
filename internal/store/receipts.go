// ABOUTME: Store methods for the receipt aggregate: create+enqueue, reprocess, reads, version-guarded writes.
// ABOUTME: Any write made on behalf of a task is conditioned on the version that task captured.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

// CategoryOther is the category a receipt carries until extraction assigns one.
const CategoryOther = "OTHER"

// Receipt is the aggregate root for one uploaded receipt image.
type Receipt struct {
	ID               int64      `json:"id"`
	UserID           uuid.UUID  `json:"user_id"`
	Status           Status     `json:"status"`
	Version          int        `json:"version"`
	UploadedAt       time.Time  `json:"uploaded_at"`
	ImageRef         *string    `json:"image_ref"`
	Currency         *string    `json:"currency"`
	DetectedCurrency *string    `json:"detected_currency"`
	Merchant         *string    `json:"merchant"`
	PurchaseTime     *time.Time `json:"purchase_time"`
	Total            *float64   `json:"total"`
	TotalUSD         *float64   `json:"total_usd"`
	Category         string     `json:"category"`
	RawOCRText       *string    `json:"raw_ocr_text"`
	RawLLMJSON       *string    `json:"raw_llm_json"`
	Error            *string    `json:"error"`
	Items            []Item     `json:"items"`
}

// Item is one receipt line.
type Item struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	Quantity     *float64 `json:"quantity"`
	UnitPrice    *float64 `json:"unit_price"`
	LineTotal    *float64 `json:"line_total"`
	LineTotalUSD *float64 `json:"line_total_usd"`
}

// NewReceipt holds the producer-supplied fields of an upload.
type NewReceipt struct {
	UserID   uuid.UUID
	ImageRef string
	Currency string
}

// Result is the extraction output applied to a receipt version.
type Result struct {
	Merchant         *string
	PurchaseTime     *time.Time
	Total            *float64
	TotalUSD         *float64
	Currency         *string // nil keeps the stored currency
	DetectedCurrency *string
	Category         string
	RawLLMJSON       string
	Items            []Item
}

const receiptColumns = `id, user_id, status, version, uploaded_at, image_ref, currency, detected_currency,
       merchant, purchase_time, total, total_usd, category, raw_ocr_text, raw_llm_json, error`

const insertReceiptSQL = `
INSERT INTO receipts (user_id, status, version, uploaded_at, image_ref, currency)
VALUES ($1, 'queued', 1, $2, $3, $4)
RETURNING id`

// reprocessReceiptSQL bumps the version and resets every extracted field.
// currency is replaced only when $3 is non-NULL.
const reprocessReceiptSQL = `
UPDATE receipts
SET version           = version + 1,
    status            = 'queued',
    error             = NULL,
    currency          = COALESCE($3, currency),
    detected_currency = NULL,
    merchant          = NULL,
    purchase_time     = NULL,
    total             = NULL,
    total_usd         = NULL,
    category          = 'OTHER',
    raw_ocr_text      = NULL,
    raw_llm_json      = NULL
WHERE id = $1 AND user_id = $2
RETURNING version`

const deleteItemsSQL = `DELETE FROM receipt_items WHERE receipt_id = $1`

const lockReceiptVersionSQL = `SELECT version FROM receipts WHERE id = $1 FOR UPDATE`

const applyResultSQL = `
UPDATE receipts
SET status            = 'done',
    error             = NULL,
    merchant          = $2,
    purchase_time     = $3,
    total             = $4,
    total_usd         = $5,
    currency          = COALESCE($6, currency),
    detected_currency = $7,
    category          = $8,
    raw_llm_json      = $9
WHERE id = $1`

const markReceiptProcessingSQL = `
UPDATE receipts SET status = 'processing', error = NULL
WHERE id = $1 AND version = $2`

const setRawTextSQL = `
UPDATE receipts SET raw_ocr_text = $3
WHERE id = $1 AND version = $2`

const markReceiptFailedSQL = `
UPDATE receipts SET status = $3, error = $4
WHERE id = $1 AND version = $2`

// CreateReceipt inserts a receipt at version 1 together with its first task,
// in one transaction. Returns the receipt ID and the task ID.
func (s *Store) CreateReceipt(ctx context.Context, r NewReceipt, now time.Time) (receiptID, taskID int64, err error) {
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, insertReceiptSQL, r.UserID, now, r.ImageRef, r.Currency).Scan(&receiptID); err != nil {
			return fmt.Errorf("insert receipt: %w", err)
		}
		var err error
		taskID, err = enqueueTask(ctx, tx, receiptID, 1, now)
		return err
	})
	if err != nil {
		return 0, 0, fmt.Errorf("create receipt: %w", err)
	}
	return receiptID, taskID, nil
}

// ReprocessReceipt supersedes whatever work exists for a receipt: it bumps the
// version, resets extracted fields, deletes all items and enqueues a task for
// the new version, all or nothing. currency replaces the requested currency
// when non-nil. Returns the new version, or ErrNotFound if userID does not
// own the receipt.
func (s *Store) ReprocessReceipt(ctx context.Context, userID uuid.UUID, receiptID int64, currency *string, now time.Time) (int, error) {
	var version int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, reprocessReceiptSQL, receiptID, userID, currency).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("bump version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteItemsSQL, receiptID); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		_, err = enqueueTask(ctx, tx, receiptID, version, now)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("reprocess receipt %d: %w", receiptID, err)
	}
	return version, nil
}

// GetReceipt returns the receipt (without items) regardless of owner, or
// (nil, nil) if it does not exist. Used by the worker.
func (s *Store) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	r, err := scanReceipt(s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %d: %w", id, err)
	}
	return r, nil
}

// GetUserReceipt returns a receipt owned by userID with its items, or
// ErrNotFound.
func (s *Store) GetUserReceipt(ctx context.Context, userID uuid.UUID, id int64) (*Receipt, error) {
	r, err := scanReceipt(s.db.QueryRowContext(ctx,
		`SELECT `+receiptColumns+` FROM receipts WHERE id = $1 AND user_id = $2`, id, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt %d: %w", id, err)
	}
	items, err := s.listItems(ctx, []int64{r.ID})
	if err != nil {
		return nil, err
	}
	r.Items = items[r.ID]
	return r, nil
}

// ListReceipts returns a page of userID's receipts, newest first, with items.
func (s *Store) ListReceipts(ctx context.Context, userID uuid.UUID, limit, offset int) ([]Receipt, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	query, args, err := psql.
		Select(receiptColumns).
		From("receipts").
		Where("user_id = ?", userID).
		OrderBy("uploaded_at DESC", "id DESC").
		Limit(uint64(limit)).   //nolint:gosec // G115: limit validated by caller
		Offset(uint64(offset)). //nolint:gosec // G115: offset validated by caller
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list receipts query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var (
		out []Receipt
		ids []int64
	)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan receipt: %w", err)
		}
		out = append(out, *r)
		ids = append(ids, r.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	if len(ids) == 0 {
		return out, nil
	}

	items, err := s.listItems(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Items = items[out[i].ID]
	}
	return out, nil
}

func (s *Store) listItems(ctx context.Context, receiptIDs []int64) (map[int64][]Item, error) {
	psql := sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
	query, args, err := psql.
		Select("id", "receipt_id", "name", "quantity", "unit_price", "line_total", "line_total_usd").
		From("receipt_items").
		Where(sq.Eq{"receipt_id": receiptIDs}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list items query: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	out := make(map[int64][]Item, len(receiptIDs))
	for rows.Next() {
		var (
			it        Item
			receiptID int64
		)
		if err := rows.Scan(&it.ID, &receiptID, &it.Name, &it.Quantity, &it.UnitPrice, &it.LineTotal, &it.LineTotalUSD); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out[receiptID] = append(out[receiptID], it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	return out, nil
}

// MarkReceiptProcessing flips the receipt to processing if it is still at
// version. Returns ErrStaleVersion when it is not.
func (s *Store) MarkReceiptProcessing(ctx context.Context, id int64, version int) error {
	res, err := s.db.ExecContext(ctx, markReceiptProcessingSQL, id, version)
	if err != nil {
		return fmt.Errorf("mark receipt %d processing: %w", id, err)
	}
	return expectOneRow(res, ErrStaleVersion)
}

// SetRawText stores the recognised text if the receipt is still at version.
func (s *Store) SetRawText(ctx context.Context, id int64, version int, text string) error {
	res, err := s.db.ExecContext(ctx, setRawTextSQL, id, version, text)
	if err != nil {
		return fmt.Errorf("set raw text on receipt %d: %w", id, err)
	}
	return expectOneRow(res, ErrStaleVersion)
}

// MarkReceiptFailed records an attempt failure on the receipt if it is still
// at version. status is StatusQueued while retries remain, StatusError once
// they are exhausted.
func (s *Store) MarkReceiptFailed(ctx context.Context, id int64, version int, status Status, msg string) error {
	res, err := s.db.ExecContext(ctx, markReceiptFailedSQL, id, version, status, msg)
	if err != nil {
		return fmt.Errorf("mark receipt %d failed: %w", id, err)
	}
	return expectOneRow(res, ErrStaleVersion)
}

// ApplyResult writes an extraction result to a receipt version and replaces
// its items as a unit. The version is re-read under a row lock in the same
// transaction, so a concurrent reprocess either commits first (and this
// returns ErrStaleVersion without writing) or waits for this to finish.
// Applying the same result twice leaves the same state.
func (s *Store) ApplyResult(ctx context.Context, id int64, version int, res Result) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var live int
		err := tx.QueryRowContext(ctx, lockReceiptVersionSQL, id).Scan(&live)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock receipt: %w", err)
		}
		if live != version {
			return ErrStaleVersion
		}

		category := res.Category
		if category == "" {
			category = CategoryOther
		}
		if _, err := tx.ExecContext(ctx, applyResultSQL, id,
			res.Merchant, res.PurchaseTime, res.Total, res.TotalUSD,
			res.Currency, res.DetectedCurrency, category, res.RawLLMJSON,
		); err != nil {
			return fmt.Errorf("update receipt: %w", err)
		}
		if _, err := tx.ExecContext(ctx, deleteItemsSQL, id); err != nil {
			return fmt.Errorf("delete items: %w", err)
		}
		return insertItems(ctx, tx, id, res.Items)
	})
	if err != nil {
		return fmt.Errorf("apply result to receipt %d v%d: %w", id, version, err)
	}
	return nil
}

func insertItems(ctx context.Context, tx *sql.Tx, receiptID int64, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	ib := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Insert("receipt_items").
		Columns("receipt_id", "name", "quantity", "unit_price", "line_total", "line_total_usd")
	for _, it := range items {
		ib = ib.Values(receiptID, it.Name, it.Quantity, it.UnitPrice, it.LineTotal, it.LineTotalUSD)
	}
	query, args, err := ib.ToSql()
	if err != nil {
		return fmt.Errorf("build insert items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert items: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var r Receipt
	if err := row.Scan(
		&r.ID, &r.UserID, &r.Status, &r.Version, &r.UploadedAt, &r.ImageRef, &r.Currency, &r.DetectedCurrency,
		&r.Merchant, &r.PurchaseTime, &r.Total, &r.TotalUSD, &r.Category, &r.RawOCRText, &r.RawLLMJSON, &r.Error,
	); err != nil {
		return nil, err
	}
	return &r, nil
}
