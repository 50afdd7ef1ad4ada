// ABOUTME: Integration tests for the receipt task queue against a real Postgres.
// ABOUTME: Uses testutil.NewTestDB; each test runs in its own container (t.Parallel).
package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bvd757/receipt-analysis-system/internal/store"
	"github.com/bvd757/receipt-analysis-system/internal/testutil"
)

// mustCreateReceipt inserts a receipt plus its first task at now.
func mustCreateReceipt(t *testing.T, s *testutil.TestDB, ctx context.Context, userID uuid.UUID, now time.Time) (int64, int64) {
	t.Helper()
	rid, tid, err := s.CreateReceipt(ctx, store.NewReceipt{
		UserID:   userID,
		ImageRef: "receipts/" + uuid.NewString() + ".png",
		Currency: "AUTO",
	}, now)
	if err != nil {
		t.Fatalf("CreateReceipt: %v", err)
	}
	return rid, tid
}

func countTasks(t *testing.T, s *testutil.TestDB, ctx context.Context, receiptID int64) int {
	t.Helper()
	var n int
	if err := s.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM receipt_tasks WHERE receipt_id = $1`, receiptID).Scan(&n); err != nil {
		t.Fatalf("countTasks: %v", err)
	}
	return n
}

func TestQueue_ConcurrentClaimHasOneWinner(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	mustCreateReceipt(t, s, ctx, uuid.New(), t0)

	const claimants = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := range claimants {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			task, err := s.ClaimTask(ctx, id, t0)
			if err != nil {
				t.Errorf("ClaimTask(%s): %v", id, err)
				return
			}
			if task != nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(string(rune('a' + i)))
	}
	wg.Wait()

	assert.Len(t, winners, 1)
}

func TestQueue_ClaimsOldestFirst(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	user := uuid.New()

	var want []int64
	for i := range 3 {
		rid, _ := mustCreateReceipt(t, s, ctx, user, t0.Add(time.Duration(i)*time.Second))
		want = append(want, rid)
	}

	now := t0.Add(time.Minute)
	var got []int64
	for range 3 {
		task, err := s.ClaimTask(ctx, "w1", now)
		require.NoError(t, err)
		require.NotNil(t, task)
		got = append(got, task.ReceiptID)
	}
	assert.Equal(t, want, got)

	task, err := s.ClaimTask(ctx, "w1", now)
	require.NoError(t, err)
	assert.Nil(t, task, "queue should be empty")
}

func TestQueue_RunAfterInFutureNotClaimable(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	rid, _ := mustCreateReceipt(t, s, ctx, uuid.New(), t0)

	task, err := s.ClaimTask(ctx, "w1", t0)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.NoError(t, s.RetryTask(ctx, task.ID, task.Attempts, t0.Add(time.Minute), "boom", t0))

	task, err = s.ClaimTask(ctx, "w1", t0.Add(59*time.Second))
	require.NoError(t, err)
	assert.Nil(t, task)

	task, err = s.ClaimTask(ctx, "w1", t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, rid, task.ReceiptID)
	assert.Equal(t, 2, task.Attempts)
}

func TestQueue_LeaseRecovery(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	mustCreateReceipt(t, s, ctx, uuid.New(), t0)
	lease := 180 * time.Second

	first, err := s.ClaimTask(ctx, "crashed", t0)
	require.NoError(t, err)
	require.NotNil(t, first)

	n, err := s.ReclaimStaleTasks(ctx, t0.Add(179*time.Second), lease)
	require.NoError(t, err)
	assert.Zero(t, n, "lease not yet expired")

	at := t0.Add(181 * time.Second)
	n, err = s.ReclaimStaleTasks(ctx, at, lease)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.ReclaimStaleTasks(ctx, at, lease)
	require.NoError(t, err)
	assert.Zero(t, n, "reclaim is idempotent")

	second, err := s.ClaimTask(ctx, "w2", at)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	// The crashed holder's late finish must not clobber the new claim.
	err = s.CompleteTask(ctx, first.ID, first.Attempts, at)
	assert.ErrorIs(t, err, store.ErrLeaseLost)

	require.NoError(t, s.CompleteTask(ctx, second.ID, second.Attempts, at))
	err = s.FailTask(ctx, second.ID, second.Attempts, "late", at)
	assert.ErrorIs(t, err, store.ErrLeaseLost, "done is terminal")
}

func TestQueue_ForceFailUsesLeaseHolder(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	rid, _ := mustCreateReceipt(t, s, ctx, uuid.New(), t0)

	task, err := s.ClaimTask(ctx, "w1", t0)
	require.NoError(t, err)
	require.NotNil(t, task)

	assert.ErrorIs(t, s.ForceFailTask(ctx, task.ID, "w2", "bad row", t0), store.ErrLeaseLost)
	require.NoError(t, s.ForceFailTask(ctx, task.ID, "w1", "bad row", t0))

	latest, err := s.LatestTask(ctx, rid)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, store.StatusError, latest.Status)
	require.NotNil(t, latest.LastError)
	assert.Equal(t, "bad row", *latest.LastError)
	assert.Nil(t, latest.LockedBy)
}

func TestReprocess_SupersedesOlderVersion(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	user := uuid.New()
	rid, _ := mustCreateReceipt(t, s, ctx, user, t0)

	task, err := s.ClaimTask(ctx, "w1", t0)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, 1, task.ReceiptVersion)

	version, err := s.ReprocessReceipt(ctx, user, rid, ptr("CHF"), t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	assert.Equal(t, 2, countTasks(t, s, ctx, rid))

	stale := store.Result{
		Merchant: ptr("Old"),
		Category: "GROCERIES",
		Items:    []store.Item{{Name: "stale", LineTotal: ptr(1.0)}},
	}
	assert.ErrorIs(t, s.ApplyResult(ctx, rid, task.ReceiptVersion, stale), store.ErrStaleVersion)

	r, err := s.GetUserReceipt(ctx, user, rid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, r.Status)
	assert.Nil(t, r.Merchant)
	assert.Empty(t, r.Items)
	require.NotNil(t, r.Currency)
	assert.Equal(t, "CHF", *r.Currency)

	latest, err := s.LatestTask(ctx, rid)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 2, latest.ReceiptVersion)
	assert.Equal(t, store.StatusQueued, latest.Status)

	fresh := store.Result{
		Merchant: ptr("Coop"),
		Category: "GROCERIES",
		Items: []store.Item{
			{Name: "Apples", Quantity: ptr(2.0), UnitPrice: ptr(1.25), LineTotal: ptr(2.5)},
			{Name: "Pears", LineTotal: ptr(3.0)},
		},
	}
	require.NoError(t, s.ApplyResult(ctx, rid, 2, fresh))
	// Applying the same result again must not duplicate items.
	require.NoError(t, s.ApplyResult(ctx, rid, 2, fresh))

	r, err = s.GetUserReceipt(ctx, user, rid)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, r.Status)
	require.NotNil(t, r.Merchant)
	assert.Equal(t, "Coop", *r.Merchant)
	assert.Len(t, r.Items, 2)
}

func TestReprocess_IsAllOrNothing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	user := uuid.New()
	rid, _ := mustCreateReceipt(t, s, ctx, user, t0)

	require.NoError(t, s.ApplyResult(ctx, rid, 1, store.Result{
		Merchant: ptr("Migros"),
		Items:    []store.Item{{Name: "Milk", LineTotal: ptr(1.8)}},
	}))

	_, err := s.DB().ExecContext(ctx, `
		CREATE FUNCTION reject_task_insert() RETURNS trigger AS $$
		BEGIN
			RAISE EXCEPTION 'task insert rejected';
		END $$ LANGUAGE plpgsql`)
	require.NoError(t, err)
	_, err = s.DB().ExecContext(ctx, `
		CREATE TRIGGER reject_task_insert BEFORE INSERT ON receipt_tasks
			FOR EACH ROW EXECUTE FUNCTION reject_task_insert()`)
	require.NoError(t, err)

	_, err = s.ReprocessReceipt(ctx, user, rid, nil, t0.Add(time.Second))
	require.Error(t, err)

	r, err := s.GetUserReceipt(ctx, user, rid)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Version)
	assert.Equal(t, store.StatusDone, r.Status)
	require.NotNil(t, r.Merchant)
	assert.Equal(t, "Migros", *r.Merchant)
	assert.Len(t, r.Items, 1)
	assert.Equal(t, 1, countTasks(t, s, ctx, rid))
}

func TestReprocess_OtherUserNotFound(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	rid, _ := mustCreateReceipt(t, s, ctx, uuid.New(), t0)

	_, err := s.ReprocessReceipt(ctx, uuid.New(), rid, nil, t0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, countTasks(t, s, ctx, rid))
}

func TestVersionGuardedWrites(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	user := uuid.New()
	rid, _ := mustCreateReceipt(t, s, ctx, user, t0)

	require.NoError(t, s.MarkReceiptProcessing(ctx, rid, 1))
	require.NoError(t, s.SetRawText(ctx, rid, 1, "MIGROS\nMILK 1.80"))

	_, err := s.ReprocessReceipt(ctx, user, rid, nil, t0.Add(time.Second))
	require.NoError(t, err)

	assert.ErrorIs(t, s.MarkReceiptProcessing(ctx, rid, 1), store.ErrStaleVersion)
	assert.ErrorIs(t, s.SetRawText(ctx, rid, 1, "late"), store.ErrStaleVersion)
	assert.ErrorIs(t, s.MarkReceiptFailed(ctx, rid, 1, store.StatusError, "late"), store.ErrStaleVersion)

	r, err := s.GetReceipt(ctx, rid)
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, store.StatusQueued, r.Status)
	assert.Nil(t, r.RawOCRText)
	assert.Nil(t, r.Error)
}

func TestListReceipts_NewestFirstWithItems(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	user := uuid.New()

	older, _ := mustCreateReceipt(t, s, ctx, user, t0)
	newer, _ := mustCreateReceipt(t, s, ctx, user, t0.Add(time.Hour))
	mustCreateReceipt(t, s, ctx, uuid.New(), t0.Add(2*time.Hour))

	require.NoError(t, s.ApplyResult(ctx, older, 1, store.Result{
		Items: []store.Item{{Name: "Bread", LineTotal: ptr(2.0)}},
	}))

	list, err := s.ListReceipts(ctx, user, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, newer, list[0].ID)
	assert.Equal(t, older, list[1].ID)
	assert.Empty(t, list[0].Items)
	assert.Len(t, list[1].Items, 1)

	page, err := s.ListReceipts(ctx, user, 1, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, older, page[0].ID)

	missing, err := s.GetReceipt(ctx, 999999)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
