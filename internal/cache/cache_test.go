package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saqshy/saqshy/internal/analyzer"
	"github.com/saqshy/saqshy/internal/breaker"
)

func setupStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := New(client, nil)
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})
	return store, mr
}

func TestMessageHistoryWindows(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.February, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordMessage(ctx, 10, 20, base.Add(time.Duration(i)*time.Minute)))
	}
	// An old message outside the hourly window but inside 24h.
	require.NoError(t, store.RecordMessage(ctx, 10, 20, base.Add(-2*time.Hour)))

	store.now = func() time.Time { return base.Add(3 * time.Minute) }

	hourly, err := store.CountInWindow(ctx, 10, 20, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, hourly)

	daily, err := store.CountInWindow(ctx, 10, 20, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 4, daily)

	other, err := store.CountInWindow(ctx, 10, 99, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, other, "windows are per (chat, user)")
}

func TestFirstMessageTimeSetOnce(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	first := time.Date(2026, time.February, 1, 9, 0, 0, 0, time.UTC)

	_, ok, err := store.FirstMessageTime(ctx, 1, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.RecordMessage(ctx, 1, 2, first))
	require.NoError(t, store.RecordMessage(ctx, 1, 2, first.Add(time.Hour)))

	got, ok, err := store.FirstMessageTime(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(first), "first-message marker must not move")
}

func TestJoinTime(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	join := time.Date(2026, time.February, 1, 8, 30, 0, 0, time.UTC)

	require.NoError(t, store.SetJoinTime(ctx, 1, 2, join))
	got, ok, err := store.JoinTime(ctx, 1, 2)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(join))
}

func TestUserStats(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.IncrementStat(ctx, 1, 2, "approved"))
	}
	require.NoError(t, store.IncrementStat(ctx, 1, 2, "flagged"))

	stats, err := store.Stats(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, analyzer.UserStats{Approved: 3, Flagged: 1}, stats)
}

func TestSlidingWindowRate(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.February, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }

	for i := 1; i <= 5; i++ {
		count, err := store.IncrementRate(ctx, 1, 2, 60)
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	// Outside the window the old entries no longer count.
	store.now = func() time.Time { return base.Add(61 * time.Second) }
	count, err := store.IncrementRate(ctx, 1, 2, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	group, err := store.IncrementGroupRate(ctx, 1, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, group, "group window is independent of user windows")
}

func TestIdempotencyClaim(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	assert.True(t, store.FirstExecution(ctx, "abc123"))
	assert.False(t, store.FirstExecution(ctx, "abc123"))
	assert.True(t, store.FirstExecution(ctx, "def456"))
}

func TestDecisionCache(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	_, ok := store.CachedDecision(ctx, "h1")
	assert.False(t, ok)

	store.StoreDecision(ctx, "h1", []byte(`{"verdict":"allow"}`))
	blob, ok := store.CachedDecision(ctx, "h1")
	require.True(t, ok)
	assert.JSONEq(t, `{"verdict":"allow"}`, string(blob))

	mr.FastForward(6 * time.Minute)
	_, ok = store.CachedDecision(ctx, "h1")
	assert.False(t, ok, "decision cache expires after five minutes")
}

func TestAdminCaches(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	_, cached := store.IsAdmin(ctx, 1, 2)
	assert.False(t, cached)

	store.SetAdmin(ctx, 1, 2, true)
	isAdmin, cached := store.IsAdmin(ctx, 1, 2)
	assert.True(t, cached)
	assert.True(t, isAdmin)

	store.SetAdmin(ctx, 1, 3, false)
	isAdmin, cached = store.IsAdmin(ctx, 1, 3)
	assert.True(t, cached)
	assert.False(t, isAdmin)

	store.MarkAdminMessage(ctx, 1, 777)
	ok, err := store.IsAdminMessage(ctx, 1, 777)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = store.IsAdminMessage(ctx, 1, 778)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCrossGroupTracking(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	hash := "deadbeef"
	tracker := store.CrossGroup()

	// Same text in three chats.
	require.NoError(t, tracker.RecordMessage(ctx, 5, 100, hash))
	require.NoError(t, tracker.RecordMessage(ctx, 5, 200, hash))
	require.NoError(t, tracker.RecordMessage(ctx, 5, 300, hash))
	store.MarkFlagged(ctx, 5, 200)
	store.MarkBlocked(ctx, 5, 300)

	info, err := tracker.Snapshot(ctx, 5, 100, hash)
	require.NoError(t, err)
	assert.Equal(t, 2, info.DuplicateGroups, "current chat excluded from duplicates")
	assert.Equal(t, 3, info.GroupsInCommon)
	assert.Equal(t, 1, info.FlaggedGroups)
	assert.Equal(t, 1, info.BlockedGroups)
	assert.False(t, info.GlobalBlocklist)

	require.NoError(t, store.AddToGlobalBlocklist(ctx, 5))
	require.NoError(t, store.AddToGlobalWhitelist(ctx, 6))
	info, err = tracker.Snapshot(ctx, 5, 100, hash)
	require.NoError(t, err)
	assert.True(t, info.GlobalBlocklist)
	assert.False(t, info.GlobalWhitelist)
}

func TestStateCAS(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()
	key := store.SandboxKey(1, 2)

	_, _, ok, err := store.LoadState(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	// Create requires expected version 0.
	require.NoError(t, store.StoreState(ctx, key, []byte(`{"v":1}`), 0, 1, time.Hour))
	assert.ErrorIs(t, store.StoreState(ctx, key, []byte(`{"v":1}`), 0, 1, time.Hour),
		ErrVersionConflict, "create against existing record must conflict")

	data, version, ok, err := store.LoadState(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), version)
	assert.JSONEq(t, `{"v":1}`, string(data))

	// Stale writer loses, current writer wins.
	require.NoError(t, store.StoreState(ctx, key, []byte(`{"v":2}`), 1, 2, time.Hour))
	assert.ErrorIs(t, store.StoreState(ctx, key, []byte(`{"v":2}`), 1, 3, time.Hour), ErrVersionConflict)

	ttl, err := store.StateTTL(ctx, key)
	require.NoError(t, err)
	assert.Greater(t, ttl, 59*time.Minute)

	mr.FastForward(2 * time.Hour)
	_, _, ok, err = store.LoadState(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok, "state expires with its TTL")

	require.NoError(t, store.StoreState(ctx, key, []byte(`{}`), 0, 1, time.Hour))
	require.NoError(t, store.DeleteState(ctx, key))
	_, _, ok, err = store.LoadState(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFailOpenTicksBreaker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	brk := breaker.New(breaker.Config{Name: "kv"})
	store := New(client, brk)
	t.Cleanup(func() { client.Close() })
	ctx := context.Background()

	mr.Close() // everything below hits a dead KV

	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		count, cerr := store.CountInWindow(ctx, 1, 2, time.Hour)
		require.NoError(t, cerr, "reads fail open")
		assert.Zero(t, count)
	}
	assert.Equal(t, breaker.StateOpen, brk.State())

	// With the breaker open the store short-circuits to defaults.
	stats, serr := store.Stats(ctx, 1, 2)
	require.NoError(t, serr)
	assert.Zero(t, stats.Approved)
	assert.True(t, store.FirstExecution(ctx, "k"), "idempotency fails open to execute")
}

type staticChecker struct {
	calls      int
	subscribed bool
	since      *time.Time
	err        error
}

func (c *staticChecker) IsSubscribed(context.Context, int64, int64) (bool, *time.Time, error) {
	c.calls++
	return c.subscribed, c.since, c.err
}

func TestSubscriptionCache(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()
	since := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)

	upstream := &staticChecker{subscribed: true, since: &since}
	sc := NewSubscriptionCache(store, upstream, nil)

	for i := 0; i < 3; i++ {
		subscribed, got, err := sc.IsSubscribed(ctx, 50, 60)
		require.NoError(t, err)
		assert.True(t, subscribed)
		require.NotNil(t, got)
		assert.True(t, got.Equal(since))
	}
	assert.Equal(t, 1, upstream.calls, "positive result is served from cache")

	mr.FastForward(2 * time.Hour)
	_, _, err := sc.IsSubscribed(ctx, 50, 60)
	require.NoError(t, err)
	assert.Equal(t, 2, upstream.calls, "cache entry expired")
}

func TestSubscriptionCacheUpstreamFailure(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	upstream := &staticChecker{err: errors.New("api down")}
	sc := NewSubscriptionCache(store, upstream, nil)

	subscribed, _, err := sc.IsSubscribed(ctx, 50, 60)
	require.NoError(t, err, "upstream failure degrades to non-subscriber")
	assert.False(t, subscribed)

	// The negative result is cached so the broken API is not re-queried.
	_, _, err = sc.IsSubscribed(ctx, 50, 60)
	require.NoError(t, err)
	assert.Equal(t, 1, upstream.calls)
}

func TestSubscriptionBreakerStopsUpstreamCalls(t *testing.T) {
	store, mr := setupStore(t)
	ctx := context.Background()

	upstream := &staticChecker{err: errors.New("api down")}
	brk := breaker.New(breaker.Config{Name: "subscription_checker"})
	sc := NewSubscriptionCache(store, upstream, brk)

	// Each expired negative entry lets one more failure through until the
	// breaker trips.
	for i := 0; i < breaker.DefaultFailureThreshold; i++ {
		subscribed, _, err := sc.IsSubscribed(ctx, 50, 60)
		require.NoError(t, err)
		assert.False(t, subscribed)
		mr.FastForward(6 * time.Minute)
	}
	require.Equal(t, breaker.DefaultFailureThreshold, upstream.calls)
	assert.Equal(t, breaker.StateOpen, brk.State())

	for i := 0; i < 5; i++ {
		subscribed, _, err := sc.IsSubscribed(ctx, 50, 60)
		require.NoError(t, err)
		assert.False(t, subscribed)
		mr.FastForward(6 * time.Minute)
	}
	assert.Equal(t, breaker.DefaultFailureThreshold, upstream.calls,
		"open breaker short-circuits before the upstream")
}
