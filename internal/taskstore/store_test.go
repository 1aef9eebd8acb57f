package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nlstn/go-channelsync/internal/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "tasks.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func newTestStore(t *testing.T, policy retry.Policy) (*Store, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	s, err := New(newTestDB(t), WithRetryPolicy(policy), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return s, clock
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxRetries: 3, BaseDelay: time.Second, Factor: 2, MaxDelay: time.Minute}
}

func enqueue(t *testing.T, s *Store, parent *int64) *TaskRecord {
	t.Helper()
	res, err := s.Enqueue(context.Background(), EnqueueParams{
		CompanyID:     1,
		ChannelID:     7,
		Operation:     "sync_product",
		OperationData: []byte(`{"productId":42}`),
		ParentID:      parent,
	})
	require.NoError(t, err)
	return res.Task
}

func claim(t *testing.T, s *Store, id int64) *TaskRecord {
	t.Helper()
	rec, err := s.Claim(context.Background(), id, 30*time.Second)
	require.NoError(t, err)
	return rec
}

func TestEnqueueValidation(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	cases := []EnqueueParams{
		{ChannelID: 1, Operation: "x"},
		{CompanyID: 1, Operation: "x"},
		{CompanyID: 1, ChannelID: 1},
		{CompanyID: 1, ChannelID: 1, Operation: "x", OperationData: []byte("{not json")},
	}
	for i, p := range cases {
		_, err := s.Enqueue(ctx, p)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("case %d: expected ErrValidation, got %v", i, err)
		}
	}

	missing := int64(999)
	_, err := s.Enqueue(ctx, EnqueueParams{CompanyID: 1, ChannelID: 1, Operation: "x", ParentID: &missing})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for missing parent, got %v", err)
	}
}

func TestEnqueueCreatesPendingTask(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	rec := enqueue(t, s, nil)

	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Nil(t, got.StateExpiresAt)
	assert.Nil(t, got.ParentID)
	assert.Empty(t, got.SuspensionPoint)
	assert.Equal(t, 0, got.Retry)
	assert.True(t, got.Modified)
	assert.True(t, got.CreatedAt.Equal(clock.Now()))
	assert.JSONEq(t, `{"productId":42}`, string(got.OperationData))
}

func TestEnqueueDeduplicatesUnfinishedTask(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	p := EnqueueParams{CompanyID: 1, ChannelID: 7, Operation: "sync_product", OperationData: []byte(`{"productId": 42}`), Deduplicate: true}
	first, err := s.Enqueue(ctx, p)
	require.NoError(t, err)
	require.NoError(t, s.ClearModified(ctx, first.Task.ID))

	p.OperationData = []byte(`{"productId":42}`)
	second, err := s.Enqueue(ctx, p)
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.Task.ID, second.Task.ID)

	got, err := s.Get(ctx, first.Task.ID)
	require.NoError(t, err)
	assert.True(t, got.Modified)

	p.OperationData = []byte(`{"productId":43}`)
	third, err := s.Enqueue(ctx, p)
	require.NoError(t, err)
	assert.False(t, third.Deduplicated)
	assert.NotEqual(t, first.Task.ID, third.Task.ID)
}

func TestClaimHasSingleWinner(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	rec := enqueue(t, s, nil)

	const workers = 8
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(context.Background(), rec.ID, time.Minute)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrClaimConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("expected exactly one claimant, got %d", wins.Load())
	}
	if conflicts.Load() != workers-1 {
		t.Fatalf("expected %d conflicts, got %d", workers-1, conflicts.Load())
	}
}

func TestClaimMissingTask(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	_, err := s.Claim(context.Background(), 404, time.Minute)
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestExpiredLeaseIsReclaimableOnlyAfterExpiry(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()
	rec := enqueue(t, s, nil)
	first := claim(t, s, rec.ID)

	clock.Advance(29 * time.Second)
	_, err := s.Claim(ctx, rec.ID, 30*time.Second)
	require.ErrorIs(t, err, ErrClaimConflict)
	ids, err := s.ReclaimExpired(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clock.Advance(2 * time.Second)
	second, err := s.Claim(ctx, rec.ID, 30*time.Second)
	require.NoError(t, err)

	// the first holder is fenced off
	_, err = s.Complete(ctx, first.Lease(), nil)
	require.ErrorIs(t, err, ErrLeaseLost)

	tr, err := s.Complete(ctx, second.Lease(), json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, tr.State)
}

func TestReclaimExpiredReturnsTasksToPending(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()
	rec := enqueue(t, s, nil)
	claim(t, s, rec.ID)

	clock.Advance(31 * time.Second)
	ids, err := s.ReclaimExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{rec.ID}, ids)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Nil(t, got.StateExpiresAt)
}

func TestRetryThenSuccess(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()
	rec := enqueue(t, s, nil)

	for i := 1; i <= 3; i++ {
		c := claim(t, s, rec.ID)
		tr, err := s.Fail(ctx, c.Lease(), errors.New("503 from channel"), true)
		require.NoError(t, err)
		assert.Equal(t, StatePending, tr.State)
		assert.Equal(t, i, tr.Retry)
		require.NotNil(t, tr.NotBefore)

		// not claimable before the backoff elapses
		_, err = s.Claim(ctx, rec.ID, 30*time.Second)
		require.ErrorIs(t, err, ErrClaimConflict)
		clock.Advance(time.Minute)
	}

	c := claim(t, s, rec.ID)
	tr, err := s.Complete(ctx, c.Lease(), json.RawMessage(`{"synced":1}`))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, tr.State)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Retry)
	assert.Equal(t, StateSucceeded, got.State)
	res, err := got.DecodeResult()
	require.NoError(t, err)
	assert.JSONEq(t, `{"synced":1}`, string(res.Data))
}

func TestRetriesExhaustedFailsTask(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()
	rec := enqueue(t, s, nil)

	for i := 0; i < 3; i++ {
		c := claim(t, s, rec.ID)
		_, err := s.Fail(ctx, c.Lease(), errors.New("timeout"), true)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	c := claim(t, s, rec.ID)
	tr, err := s.Fail(ctx, c.Lease(), errors.New("timeout"), true)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tr.State)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, 3, got.Retry)
	res, err := got.DecodeResult()
	require.NoError(t, err)
	assert.Equal(t, KindRetriesExhausted, res.Kind)
	assert.Equal(t, "timeout", res.Error)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()
	rec := enqueue(t, s, nil)
	c := claim(t, s, rec.ID)

	tr, err := s.Fail(ctx, c.Lease(), errors.New("product not found"), false)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, tr.State)
	assert.Equal(t, 0, tr.Retry)

	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	res, err := got.DecodeResult()
	require.NoError(t, err)
	assert.Equal(t, KindPermanent, res.Kind)
}

func TestSuspendAndResumeReturnsToken(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()
	rec := enqueue(t, s, nil)
	c := claim(t, s, rec.ID)

	token := []byte(`{"page":3}`)
	resumeAt := clock.Now().Add(10 * time.Minute)
	tr, err := s.Suspend(ctx, c.Lease(), token, resumeAt)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, tr.State)

	ids, err := s.ResumeDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	clock.Advance(10 * time.Minute)
	ids, err = s.ResumeDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{rec.ID}, ids)

	again := claim(t, s, rec.ID)
	assert.Equal(t, token, again.SuspensionPoint)

	_, err = s.Complete(ctx, again.Lease(), nil)
	require.NoError(t, err)
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, got.SuspensionPoint)
}

func TestSuspendRequiresToken(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	rec := enqueue(t, s, nil)
	c := claim(t, s, rec.ID)
	_, err := s.Suspend(context.Background(), c.Lease(), nil, time.Time{})
	require.ErrorIs(t, err, ErrValidation)
}

func TestParentWaitsForChildrenAndIsWoken(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	parent := enqueue(t, s, nil)
	pc := claim(t, s, parent.ID)
	children := []*TaskRecord{enqueue(t, s, &parent.ID), enqueue(t, s, &parent.ID), enqueue(t, s, &parent.ID)}

	_, err := s.Complete(ctx, pc.Lease(), nil)
	require.ErrorIs(t, err, ErrChildrenPending)

	tr, err := s.Suspend(ctx, pc.Lease(), []byte(`{"phase":"wait"}`), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, tr.State)

	for i, ch := range children {
		cc := claim(t, s, ch.ID)
		var tr Transition
		if i == 1 {
			tr, err = s.Fail(ctx, cc.Lease(), errors.New("bad attribute"), false)
		} else {
			tr, err = s.Complete(ctx, cc.Lease(), nil)
		}
		require.NoError(t, err)
		if i < len(children)-1 {
			assert.Zero(t, tr.WokenParent)
		} else {
			assert.Equal(t, parent.ID, tr.WokenParent)
		}
	}

	summary, err := s.ChildSummary(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, Counts{Succeeded: 2, Failed: 1}, summary)

	unfinished, err := s.HasUnfinishedChildren(ctx, parent.ID)
	require.NoError(t, err)
	assert.False(t, unfinished)

	pc = claim(t, s, parent.ID)
	assert.Equal(t, []byte(`{"phase":"wait"}`), pc.SuspensionPoint)
	tr, err = s.Complete(ctx, pc.Lease(), json.RawMessage(`{"partial":true}`))
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, tr.State)
}

func TestSuspendWithFinishedChildrenIsImmediatelyPending(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	parent := enqueue(t, s, nil)
	pc := claim(t, s, parent.ID)
	child := enqueue(t, s, &parent.ID)
	cc := claim(t, s, child.ID)
	_, err := s.Complete(ctx, cc.Lease(), nil)
	require.NoError(t, err)

	tr, err := s.Suspend(ctx, pc.Lease(), []byte("wait"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, StatePending, tr.State)

	due, err := s.DueTasks(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, due, parent.ID)
}

func TestEnqueueRejectsTerminalParent(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()
	parent := enqueue(t, s, nil)
	pc := claim(t, s, parent.ID)
	_, err := s.Complete(ctx, pc.Lease(), nil)
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, EnqueueParams{CompanyID: 1, ChannelID: 7, Operation: "sync_product", ParentID: &parent.ID})
	require.ErrorIs(t, err, ErrValidation)
}

func TestDeleteSubtreeRemovesAllDescendants(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	root := enqueue(t, s, nil)
	claim(t, s, root.ID)
	a := enqueue(t, s, &root.ID)
	b := enqueue(t, s, &root.ID)
	claim(t, s, a.ID)
	enqueue(t, s, &a.ID)
	enqueue(t, s, &a.ID)
	enqueue(t, s, &b.ID)
	other := enqueue(t, s, nil)

	removed, err := s.DeleteSubtree(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), removed)

	ok, err := s.Exists(ctx, root.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.Exists(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	counts, err := s.CountByState(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Total())

	_, err = s.DeleteSubtree(ctx, root.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDeletedTaskCannotBeCompleted(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()
	root := enqueue(t, s, nil)
	claim(t, s, root.ID)
	child := enqueue(t, s, &root.ID)
	cc := claim(t, s, child.ID)

	_, err := s.DeleteSubtree(ctx, root.ID)
	require.NoError(t, err)

	_, err = s.Complete(ctx, cc.Lease(), nil)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDropCompletedChildren(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()
	parent := enqueue(t, s, nil)
	claim(t, s, parent.ID)
	done := enqueue(t, s, &parent.ID)
	open := enqueue(t, s, &parent.ID)
	dc := claim(t, s, done.ID)
	_, err := s.Complete(ctx, dc.Lease(), nil)
	require.NoError(t, err)

	removed, err := s.DropCompletedChildren(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	kids, err := s.Children(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, open.ID, kids[0].ID)
}

func TestChildrenPage(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()
	parent := enqueue(t, s, nil)
	claim(t, s, parent.ID)
	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueue(t, s, &parent.ID).ID)
	}

	page, err := s.ChildrenPage(ctx, parent.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[0], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	page, err = s.ChildrenPage(ctx, parent.ID, ids[1], 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)

	page, err = s.ChildrenPage(ctx, parent.ID, ids[3], 0)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, ids[4], page[0].ID)
}

func TestPruneRemovesOldTerminalTasksLeafFirst(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()

	parent := enqueue(t, s, nil)
	pc := claim(t, s, parent.ID)
	child := enqueue(t, s, &parent.ID)
	cc := claim(t, s, child.ID)
	_, err := s.Complete(ctx, cc.Lease(), nil)
	require.NoError(t, err)
	_, err = s.Complete(ctx, pc.Lease(), nil)
	require.NoError(t, err)

	pending := enqueue(t, s, nil)

	clock.Advance(8 * 24 * time.Hour)
	fresh := enqueue(t, s, nil)
	fc := claim(t, s, fresh.ID)
	_, err = s.Complete(ctx, fc.Lease(), nil)
	require.NoError(t, err)

	removed, err := s.Prune(ctx, clock.Now().Add(-7*24*time.Hour), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	for _, id := range []int64{parent.ID, child.ID} {
		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok, "task %d should be pruned", id)
	}
	for _, id := range []int64{pending.ID, fresh.ID} {
		ok, err := s.Exists(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok, "task %d should survive", id)
	}
}

func TestAcknowledgeCompletionOnce(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()
	rec := enqueue(t, s, nil)

	ok, err := s.AcknowledgeCompletion(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok, "pending task must not be acknowledged")

	c := claim(t, s, rec.ID)
	_, err = s.Complete(ctx, c.Lease(), nil)
	require.NoError(t, err)

	ok, err = s.AcknowledgeCompletion(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AcknowledgeCompletion(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountsByTenantAndTree(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	root := enqueue(t, s, nil)
	claim(t, s, root.ID)
	child := enqueue(t, s, &root.ID)
	cc := claim(t, s, child.ID)
	_, err := s.Fail(ctx, cc.Lease(), errors.New("gone"), false)
	require.NoError(t, err)
	enqueue(t, s, &root.ID)

	_, err = s.Enqueue(ctx, EnqueueParams{CompanyID: 2, ChannelID: 7, Operation: "sync_shop"})
	require.NoError(t, err)

	tenant, err := s.CountByState(ctx, Filter{CompanyID: 1})
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Claimed: 1, Failed: 1}, tenant)

	other, err := s.CountByState(ctx, Filter{CompanyID: 1, ChannelID: 8})
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Total())

	tree, err := s.TreeCounts(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 1, Claimed: 1, Failed: 1}, tree)
}

func TestClaimReportsReenqueueWhileSuspended(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	p := EnqueueParams{CompanyID: 1, ChannelID: 7, Operation: "sync_shop", OperationData: []byte(`{"shopId":5}`), Deduplicate: true}
	first, err := s.Enqueue(ctx, p)
	require.NoError(t, err)

	c := claim(t, s, first.Task.ID)
	assert.True(t, c.Modified, "first claim sees the fresh enqueue")
	child := enqueue(t, s, &first.Task.ID)
	_, err = s.Suspend(ctx, c.Lease(), []byte("restart"), time.Time{})
	require.NoError(t, err)

	again, err := s.Enqueue(ctx, p)
	require.NoError(t, err)
	require.True(t, again.Deduplicated)

	cc := claim(t, s, child.ID)
	tr, err := s.Complete(ctx, cc.Lease(), nil)
	require.NoError(t, err)
	require.Equal(t, first.Task.ID, tr.WokenParent)

	resumed := claim(t, s, first.Task.ID)
	assert.True(t, resumed.Modified)
	assert.Equal(t, []byte("restart"), resumed.SuspensionPoint)

	got, err := s.Get(ctx, first.Task.ID)
	require.NoError(t, err)
	assert.False(t, got.Modified)
}

func TestConcurrentSiblingCompletionWakesParent(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	parent := enqueue(t, s, nil)
	pc := claim(t, s, parent.ID)
	a := claim(t, s, enqueue(t, s, &parent.ID).ID)
	b := claim(t, s, enqueue(t, s, &parent.ID).ID)
	_, err := s.Suspend(ctx, pc.Lease(), []byte(`{"phase":"wait"}`), time.Time{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, c := range []*TaskRecord{a, b} {
		wg.Add(1)
		go func(c *TaskRecord) {
			defer wg.Done()
			_, err := s.Complete(ctx, c.Lease(), nil)
			assert.NoError(t, err)
		}(c)
	}
	wg.Wait()

	_, err = s.ResumeDue(ctx, 10)
	require.NoError(t, err)
	got, err := s.Get(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
}

func TestResumeDueReleasesParentWithMissedWakeUp(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	parent := enqueue(t, s, nil)
	pc := claim(t, s, parent.ID)
	child := claim(t, s, enqueue(t, s, &parent.ID).ID)
	_, err := s.Suspend(ctx, pc.Lease(), []byte(`{"phase":"wait"}`), time.Time{})
	require.NoError(t, err)
	_, err = s.Complete(ctx, child.Lease(), nil)
	require.NoError(t, err)

	// Put the parent back as if both completing transactions had missed it.
	require.NoError(t, s.db.Model(&TaskRecord{}).Where("id = ?", parent.ID).
		Updates(map[string]interface{}{"state": StateSuspended, "state_expires_at": nil}).Error)

	ids, err := s.ResumeDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []int64{parent.ID}, ids)

	idle := enqueue(t, s, nil)
	ic := claim(t, s, idle.ID)
	_, err = s.Suspend(ctx, ic.Lease(), []byte("external"), time.Time{})
	require.NoError(t, err)
	ids, err = s.ResumeDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "a task without children waits for an explicit wake")
}

func TestWakeSuspendedTask(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()

	rec := enqueue(t, s, nil)
	c := claim(t, s, rec.ID)
	_, err := s.Suspend(ctx, c.Lease(), []byte(`{"await":"label"}`), time.Time{})
	require.NoError(t, err)

	clock.Advance(365 * 24 * time.Hour)
	ids, err := s.ResumeDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)

	woke, err := s.Wake(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, woke)
	due, err := s.DueTasks(ctx, 10)
	require.NoError(t, err)
	assert.Contains(t, due, rec.ID)

	woke, err = s.Wake(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, woke)

	_, err = s.Wake(ctx, 404)
	assert.ErrorIs(t, err, ErrTaskNotFound)

	again := claim(t, s, rec.ID)
	assert.Equal(t, []byte(`{"await":"label"}`), again.SuspensionPoint)
}

func TestDeduplicatedEnqueueWakesIdleTask(t *testing.T) {
	s, _ := newTestStore(t, testPolicy())
	ctx := context.Background()

	p := EnqueueParams{CompanyID: 1, ChannelID: 7, Operation: "sync_shop", OperationData: []byte(`{"shopId":5}`), Deduplicate: true}
	first, err := s.Enqueue(ctx, p)
	require.NoError(t, err)
	c := claim(t, s, first.Task.ID)
	_, err = s.Suspend(ctx, c.Lease(), []byte("external"), time.Time{})
	require.NoError(t, err)

	again, err := s.Enqueue(ctx, p)
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.True(t, again.Woken)
	assert.Equal(t, StatePending, again.Task.State)

	resumed := claim(t, s, first.Task.ID)
	assert.True(t, resumed.Modified)
	assert.Equal(t, []byte("external"), resumed.SuspensionPoint)

	// A task parked until a resume time keeps waiting for it.
	_, err = s.Suspend(ctx, resumed.Lease(), []byte("later"), s.Now().Add(time.Hour))
	require.NoError(t, err)
	again, err = s.Enqueue(ctx, p)
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.False(t, again.Woken)
	got, err := s.Get(ctx, first.Task.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSuspended, got.State)
}

func TestContinuationTokenSurvivesReclaimUntilTerminal(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()

	rec := enqueue(t, s, nil)
	c := claim(t, s, rec.ID)
	_, err := s.Suspend(ctx, c.Lease(), []byte(`{"page":2}`), clock.Now())
	require.NoError(t, err)
	_, err = s.ResumeDue(ctx, 10)
	require.NoError(t, err)

	first := claim(t, s, rec.ID)
	assert.Equal(t, []byte(`{"page":2}`), first.SuspensionPoint)

	clock.Advance(time.Minute)
	ids, err := s.ReclaimExpired(ctx, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{rec.ID}, ids)

	second := claim(t, s, rec.ID)
	assert.Equal(t, []byte(`{"page":2}`), second.SuspensionPoint, "a reclaimed task resumes where it left off")

	_, err = s.Fail(ctx, second.Lease(), errors.New("listing gone"), false)
	require.NoError(t, err)
	got, err := s.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Empty(t, got.SuspensionPoint)
}

func TestPruneKeepsChildrenOfUnfinishedParent(t *testing.T) {
	s, clock := newTestStore(t, testPolicy())
	ctx := context.Background()

	parent := enqueue(t, s, nil)
	pc := claim(t, s, parent.ID)
	done := claim(t, s, enqueue(t, s, &parent.ID).ID)
	open := enqueue(t, s, &parent.ID)
	_, err := s.Complete(ctx, done.Lease(), nil)
	require.NoError(t, err)
	_, err = s.Suspend(ctx, pc.Lease(), []byte(`{"phase":"wait"}`), time.Time{})
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	removed, err := s.Prune(ctx, clock.Now().Add(-7*24*time.Hour), 10)
	require.NoError(t, err)
	assert.Zero(t, removed)

	summary, err := s.ChildSummary(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Succeeded)
	assert.Equal(t, int64(1), summary.Unfinished())
	ok, err := s.Exists(ctx, open.ID)
	require.NoError(t, err)
	assert.True(t, ok)
}
