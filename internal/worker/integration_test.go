package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvd757/receipt-analysis-system/internal/clock"
	"github.com/bvd757/receipt-analysis-system/internal/store"
	"github.com/bvd757/receipt-analysis-system/internal/testutil"
	"github.com/bvd757/receipt-analysis-system/internal/worker"
)

func TestBackoffSequenceAgainstPostgres(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rid, _, err := db.CreateReceipt(ctx, store.NewReceipt{
		UserID: uuid.New(), ImageRef: "receipts/x.png", Currency: "AUTO",
	}, t0)
	require.NoError(t, err)

	clk := clock.NewFake(t0)
	p := worker.New(db.Store, worker.ProcessorFunc(func(context.Context, store.ClaimedTask) error {
		return errors.New("recognition service unavailable")
	}), worker.Config{
		ID:          "w1",
		MaxAttempts: 3,
		BackoffBase: time.Minute,
	}, worker.WithClock(clk), worker.WithLogger(slog.New(slog.DiscardHandler)))

	// Attempt 1 fails: due again after one minute.
	require.True(t, p.Tick(ctx, "w1"))
	task, err := db.LatestTask(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, task.Status)
	assert.Equal(t, 1, task.Attempts)
	assert.True(t, task.RunAfter.Equal(t0.Add(time.Minute)), "run_after %v", task.RunAfter)

	r, err := db.GetReceipt(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, r.Status)
	require.NotNil(t, r.Error)

	clk.Advance(59 * time.Second)
	assert.False(t, p.Tick(ctx, "w1"), "not due yet")

	// Attempt 2 fails: due again after two minutes.
	clk.Set(t0.Add(time.Minute))
	require.True(t, p.Tick(ctx, "w1"))
	task, err = db.LatestTask(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, 2, task.Attempts)
	assert.True(t, task.RunAfter.Equal(t0.Add(3*time.Minute)), "run_after %v", task.RunAfter)

	// Attempt 3 fails: terminal.
	clk.Set(t0.Add(3 * time.Minute))
	require.True(t, p.Tick(ctx, "w1"))
	task, err = db.LatestTask(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, task.Status)
	assert.Equal(t, 3, task.Attempts)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "recognition service unavailable", *task.LastError)

	r, err = db.GetReceipt(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, r.Status)

	clk.Advance(time.Hour)
	assert.False(t, p.Tick(ctx, "w1"), "error is terminal")
}

func TestReprocessWhileInFlightDiscardsOldResult(t *testing.T) {
	t.Parallel()
	db := testutil.NewTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	user := uuid.New()

	rid, _, err := db.CreateReceipt(ctx, store.NewReceipt{
		UserID: user, ImageRef: "receipts/x.png", Currency: "AUTO",
	}, t0)
	require.NoError(t, err)

	merchant := "Coop"
	p := worker.New(db.Store, worker.ProcessorFunc(func(ctx context.Context, task store.ClaimedTask) error {
		if task.ReceiptVersion == 1 {
			// A user reprocesses while version 1 is being extracted.
			if _, err := db.ReprocessReceipt(ctx, user, rid, nil, t0); err != nil {
				return err
			}
		}
		err := db.ApplyResult(ctx, task.ReceiptID, task.ReceiptVersion, store.Result{Merchant: &merchant})
		if errors.Is(err, store.ErrStaleVersion) {
			return nil
		}
		return err
	}), worker.Config{ID: "w1"}, worker.WithClock(clock.NewFake(t0)), worker.WithLogger(slog.New(slog.DiscardHandler)))

	require.True(t, p.Tick(ctx, "w1"))
	r, err := db.GetReceipt(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, 2, r.Version)
	assert.Equal(t, store.StatusQueued, r.Status)
	assert.Nil(t, r.Merchant)

	require.True(t, p.Tick(ctx, "w1"))
	r, err = db.GetReceipt(ctx, rid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, r.Status)
	require.NotNil(t, r.Merchant)
	assert.Equal(t, "Coop", *r.Merchant)
}
