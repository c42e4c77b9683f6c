package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sprintboard-backend/pkg/errors"
)

func newTestStore(maxEntries int) *Store {
	return NewStore(maxEntries, time.Minute, zap.NewNop())
}

// TestTTLExpiry verifies that an entry is visible before its TTL elapses and
// logically absent afterwards.
func TestTTLExpiry(t *testing.T) {
	store := newTestStore(10)

	base := time.Now()
	store.now = func() time.Time { return base }

	store.Set("schedule:team:1", "hours", 100*time.Millisecond)

	value, ok := store.Get("schedule:team:1")
	require.True(t, ok)
	assert.Equal(t, "hours", value)

	// Advance past the TTL without sleeping.
	store.now = func() time.Time { return base.Add(101 * time.Millisecond) }

	_, ok = store.Get("schedule:team:1")
	assert.False(t, ok)

	stats := store.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Expirations)
	assert.Equal(t, 0, stats.Entries)
}

// TestLRUEviction verifies that inserting beyond capacity evicts the entry
// with the oldest access time.
func TestLRUEviction(t *testing.T) {
	store := newTestStore(3)

	store.Set("a", 1, time.Minute)
	store.Set("b", 2, time.Minute)
	store.Set("c", 3, time.Minute)

	// Touch "a" so "b" becomes the least recently used entry.
	_, ok := store.Get("a")
	require.True(t, ok)

	store.Set("d", 4, time.Minute)

	_, ok = store.Get("b")
	assert.False(t, ok, "b should have been evicted")

	for _, key := range []string{"a", "c", "d"} {
		_, ok := store.Get(key)
		assert.True(t, ok, "%s should still be cached", key)
	}

	assert.Equal(t, int64(1), store.Stats().Evictions)
}

// TestSingleFlightFill verifies that concurrent fills for the same key run
// the fill function exactly once and share its result.
func TestSingleFlightFill(t *testing.T) {
	store := newTestStore(10)

	var fillCalls int64
	slowFill := func(ctx context.Context) (any, error) {
		atomic.AddInt64(&fillCalls, 1)
		time.Sleep(50 * time.Millisecond)
		return "computed", nil
	}

	const callers = 10
	results := make([]any, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = store.GetOrFill(context.Background(), "expensive", slowFill, time.Minute)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&fillCalls))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "computed", results[i])
	}
}

// TestFillFailureNotCached verifies that a failed fill propagates a
// FillFailed error and that the next access retries.
func TestFillFailureNotCached(t *testing.T) {
	store := newTestStore(10)

	var calls int
	fill := func(ctx context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("remote store unavailable")
		}
		return "recovered", nil
	}

	_, err := store.GetOrFill(context.Background(), "k", fill, time.Minute)
	require.Error(t, err)
	assert.True(t, errors.IsFillFailed(err))

	value, err := store.GetOrFill(context.Background(), "k", fill, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "recovered", value)
	assert.Equal(t, 2, calls)
}

// TestFillContinuesAfterCallerAbandons verifies that a caller timing out of
// a single-flight wait does not cancel the fill for everyone else.
func TestFillContinuesAfterCallerAbandons(t *testing.T) {
	store := newTestStore(10)

	fillStarted := make(chan struct{})
	fill := func(ctx context.Context) (any, error) {
		close(fillStarted)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
			return "late", nil
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-fillStarted
		cancel()
	}()

	_, err := store.GetOrFill(ctx, "k", fill, time.Minute)
	require.ErrorIs(t, err, context.Canceled)

	// The detached fill should still complete and populate the cache.
	assert.Eventually(t, func() bool {
		_, ok := store.Get("k")
		return ok
	}, time.Second, 10*time.Millisecond)
}

// TestTagInvalidationIsolation verifies that clearing one tag leaves entries
// with other tags untouched.
func TestTagInvalidationIsolation(t *testing.T) {
	store := newTestStore(10)

	store.Set("hours:1", 40, time.Minute, NewTag("team", "1"))
	store.Set("hours:2", 32, time.Minute, NewTag("team", "2"))
	store.Set("summary", "all", time.Minute, NewTag("team", "1"), NewTag("team", "2"))

	removed := store.InvalidateByTag(NewTag("team", "1"))
	assert.Equal(t, 2, removed)

	_, ok := store.Get("hours:1")
	assert.False(t, ok)
	_, ok = store.Get("summary")
	assert.False(t, ok)
	_, ok = store.Get("hours:2")
	assert.True(t, ok)
}

func TestInvalidateAll(t *testing.T) {
	store := newTestStore(10)

	store.Set("a", 1, time.Minute)
	store.Set("b", 2, time.Minute)

	assert.Equal(t, 2, store.InvalidateAll())
	assert.Equal(t, 0, store.Stats().Entries)

	_, ok := store.Get("a")
	assert.False(t, ok)
}

func TestInvalidateSingleKey(t *testing.T) {
	store := newTestStore(10)

	store.Set("a", 1, time.Minute)

	assert.True(t, store.Invalidate("a"))
	assert.False(t, store.Invalidate("a"), "second invalidation is a no-op")
}

func TestCleanupSweepRemovesExpired(t *testing.T) {
	store := newTestStore(10)

	base := time.Now()
	store.now = func() time.Time { return base }

	store.Set("stale", 1, 10*time.Millisecond)
	store.Set("fresh", 2, time.Hour)

	store.now = func() time.Time { return base.Add(time.Minute) }
	store.cleanupExpired()

	stats := store.Stats()
	assert.Equal(t, 1, stats.Entries)

	_, ok := store.Get("fresh")
	assert.True(t, ok)
}

func TestParseTag(t *testing.T) {
	tests := []struct {
		input   string
		want    Tag
		wantErr bool
	}{
		{input: "team:5", want: Tag{Kind: "team", ID: "5"}},
		{input: "schedules", want: Tag{Kind: "schedules"}},
		{input: "  member:abc  ", want: Tag{Kind: "member", ID: "abc"}},
		{input: "", wantErr: true},
		{input: ":5", wantErr: true},
	}

	for _, tt := range tests {
		tag, err := ParseTag(tt.input)
		if tt.wantErr {
			assert.Error(t, err, "input %q", tt.input)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, tag)
	}
}
