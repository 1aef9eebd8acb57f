package ratelimit

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

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

func newTestLimiter(t *testing.T, opts ...Option) (*Limiter, *testClock) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "quota.db")
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

	clock := &testClock{now: time.Date(2024, 3, 1, 12, 20, 0, 0, time.UTC)}
	l, err := New(db, append([]Option{WithClock(clock.Now)}, opts...)...)
	if err != nil {
		t.Fatalf("failed to create limiter: %v", err)
	}
	return l, clock
}

var shop = AccountKey{CompanyID: 1, ChannelID: 2, AccountID: "shop-1"}

// primed spends the discovery permit and reports remaining quota.
func primed(t *testing.T, l *Limiter, remaining, limit int64) {
	t.Helper()
	ctx := context.Background()
	r, err := l.Reserve(ctx, shop)
	require.NoError(t, err)
	require.NotNil(t, r.Permit, "discovery permit")
	require.NoError(t, l.Observe(ctx, shop, Observation{Remaining: remaining, Limit: limit}))
}

func TestUnseenAccountGetsSingleDiscoveryCall(t *testing.T) {
	l, clock := newTestLimiter(t, WithDiscoveryWait(5*time.Second))
	ctx := context.Background()

	first, err := l.Reserve(ctx, shop)
	require.NoError(t, err)
	require.NotNil(t, first.Permit)

	second, err := l.Reserve(ctx, shop)
	require.NoError(t, err)
	assert.True(t, second.Deferred)
	assert.True(t, second.ResumeAt.Equal(clock.Now().Add(5*time.Second)), "resume at %s", second.ResumeAt)

	require.NoError(t, l.Observe(ctx, shop, Observation{Remaining: 40, Limit: 100}))
	q, err := l.Snapshot(ctx, shop)
	require.NoError(t, err)
	assert.Equal(t, int64(40), q.Remaining)
	assert.Equal(t, int64(0), q.InFlight)
	assert.Equal(t, int64(100), q.DailyLimit)
}

func TestReserveNeverOverIssues(t *testing.T) {
	l, _ := newTestLimiter(t)
	primed(t, l, 5, 100)

	const callers = 20
	var granted, deferred atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := l.Reserve(context.Background(), shop)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			if r.Deferred {
				deferred.Add(1)
			} else {
				granted.Add(1)
			}
		}()
	}
	wg.Wait()

	if granted.Load() != 5 {
		t.Fatalf("expected 5 permits, got %d", granted.Load())
	}
	if deferred.Load() != callers-5 {
		t.Fatalf("expected %d deferrals, got %d", callers-5, deferred.Load())
	}
	q, err := l.Snapshot(context.Background(), shop)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Remaining)
	assert.Equal(t, int64(5), q.InFlight)
}

func TestDeferredWithoutResetWaitsForNextHour(t *testing.T) {
	l, _ := newTestLimiter(t)
	primed(t, l, 0, 100)

	_, err := l.Acquire(context.Background(), shop)
	var deferred *DeferredError
	require.True(t, errors.As(err, &deferred), "expected DeferredError, got %v", err)
	assert.True(t, deferred.ResumeAt.Equal(time.Date(2024, 3, 1, 13, 0, 0, 0, time.UTC)), "resume at %s", deferred.ResumeAt)
	assert.Equal(t, shop, deferred.Key)
}

func TestReserveFloorHoldsBackQuota(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()
	primed(t, l, 12, 100)
	require.NoError(t, l.SetReserve(ctx, shop, 10, clock.Now().Add(time.Hour)))

	for i := 0; i < 2; i++ {
		_, err := l.Acquire(ctx, shop)
		require.NoError(t, err)
	}
	_, err := l.Acquire(ctx, shop)
	var deferred *DeferredError
	require.ErrorAs(t, err, &deferred)

	exhausted, err := l.Exhausted(ctx)
	require.NoError(t, err)
	require.Len(t, exhausted, 1)
	assert.Equal(t, shop, exhausted[0].Key())

	// the reserve lapses
	clock.Advance(time.Hour)
	_, err = l.Acquire(ctx, shop)
	require.NoError(t, err)

	exhausted, err = l.Exhausted(ctx)
	require.NoError(t, err)
	assert.Empty(t, exhausted)
}

func TestObserveAccountsForOtherInFlightPermits(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	primed(t, l, 10, 100)

	for i := 0; i < 3; i++ {
		_, err := l.Acquire(ctx, shop)
		require.NoError(t, err)
	}
	// the channel has seen one of the three calls
	require.NoError(t, l.Observe(ctx, shop, Observation{Remaining: 9, Limit: 100}))

	q, err := l.Snapshot(ctx, shop)
	require.NoError(t, err)
	assert.Equal(t, int64(7), q.Remaining)
	assert.Equal(t, int64(2), q.InFlight)
}

func TestResetWindowRefillsWithDiscoveryCall(t *testing.T) {
	l, clock := newTestLimiter(t)
	ctx := context.Background()
	primed(t, l, 3, 100)

	p, err := l.Acquire(ctx, shop)
	require.NoError(t, err)
	require.NotNil(t, p)
	resetAt := clock.Now().Add(30 * time.Minute)
	require.NoError(t, l.Observe(ctx, shop, Observation{Remaining: 0, Limit: 100, ResetAt: resetAt}))

	r, err := l.Reserve(ctx, shop)
	require.NoError(t, err)
	require.True(t, r.Deferred)
	assert.True(t, r.ResumeAt.Equal(resetAt), "resume at %s", r.ResumeAt)

	clock.Advance(30 * time.Minute)
	r, err = l.Reserve(ctx, shop)
	require.NoError(t, err)
	require.NotNil(t, r.Permit)

	q, err := l.Snapshot(ctx, shop)
	require.NoError(t, err)
	assert.Equal(t, int64(0), q.Remaining)
	assert.Nil(t, q.ResetAt)
}

func TestReleaseAndSettle(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()
	primed(t, l, 4, 100)

	p1, err := l.Acquire(ctx, shop)
	require.NoError(t, err)
	p2, err := l.Acquire(ctx, shop)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, p1))
	require.NoError(t, l.Settle(ctx, p2))

	q, err := l.Snapshot(ctx, shop)
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Remaining)
	assert.Equal(t, int64(0), q.InFlight)
}

func TestInvalidInput(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	_, err := l.Reserve(ctx, AccountKey{CompanyID: 1, ChannelID: 2})
	require.ErrorIs(t, err, ErrInvalidKey)
	require.ErrorIs(t, l.SetReserve(ctx, shop, 101, time.Time{}), ErrInvalidReserve)
	_, err = l.Snapshot(ctx, AccountKey{CompanyID: 9, ChannelID: 9, AccountID: "none"})
	require.ErrorIs(t, err, ErrUnknownAccount)
}
