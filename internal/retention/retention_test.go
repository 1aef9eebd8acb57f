package retention

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nlstn/go-channelsync/internal/taskstore"
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

func newTestStore(t *testing.T) (*taskstore.Store, *testClock) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "retention.db")),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	store, err := taskstore.New(db, taskstore.WithClock(clock.Now))
	require.NoError(t, err)
	return store, clock
}

func completedTask(t *testing.T, s *taskstore.Store) int64 {
	t.Helper()
	ctx := context.Background()
	res, err := s.Enqueue(ctx, taskstore.EnqueueParams{CompanyID: 1, ChannelID: 1, Operation: "sync_shop"})
	require.NoError(t, err)
	rec, err := s.Claim(ctx, res.Task.ID, time.Minute)
	require.NoError(t, err)
	_, err = s.Complete(ctx, rec.Lease(), nil)
	require.NoError(t, err)
	return rec.ID
}

func TestRunOncePrunesOnlyOldTasks(t *testing.T) {
	store, clock := newTestStore(t)
	ctx := context.Background()

	old := completedTask(t, store)
	clock.Advance(8 * 24 * time.Hour)
	fresh := completedTask(t, store)

	p, err := New(store)
	require.NoError(t, err)
	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := store.Exists(ctx, old)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = store.Exists(ctx, fresh)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWindowOption(t *testing.T) {
	store, clock := newTestStore(t)
	id := completedTask(t, store)
	clock.Advance(2 * time.Hour)

	p, err := New(store, WithWindow(time.Hour), WithBatchSize(10))
	require.NoError(t, err)
	n, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := store.Exists(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartAndClose(t *testing.T) {
	store, clock := newTestStore(t)
	id := completedTask(t, store)
	clock.Advance(8 * 24 * time.Hour)

	p, err := New(store, WithInterval(time.Hour))
	require.NoError(t, err)
	p.Start(context.Background())

	require.Eventually(t, func() bool {
		ok, err := store.Exists(context.Background(), id)
		return err == nil && !ok
	}, 5*time.Second, 10*time.Millisecond)

	p.Close()
	p.Close()
}

func TestNewRequiresStore(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestCloseWithoutStart(t *testing.T) {
	store, _ := newTestStore(t)
	p, err := New(store)
	require.NoError(t, err)
	p.Close()
}
