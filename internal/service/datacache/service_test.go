package datacache

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sprintboard-backend/internal/cache"
	"sprintboard-backend/internal/invalidation"
	"sprintboard-backend/internal/resilience"
	"sprintboard-backend/internal/subscription"
	"sprintboard-backend/pkg/observability"
)

// fakeRemote serves canned rows and counts how often the wire is hit.
type fakeRemote struct {
	selects atomic.Int64
	counts  atomic.Int64
	fail    atomic.Bool
}

func (f *fakeRemote) Select(table, columns, filterColumn, filterValue string) resilience.Operation {
	return func(ctx context.Context) (any, error) {
		f.selects.Add(1)
		if f.fail.Load() {
			return nil, fmt.Errorf("remote store down")
		}
		return fmt.Sprintf("%s rows for %s=%s", table, filterColumn, filterValue), nil
	}
}

func (f *fakeRemote) Count(table, filterColumn, filterValue string) resilience.Operation {
	return func(ctx context.Context) (any, error) {
		f.counts.Add(1)
		return int64(3), nil
	}
}

// stubFeed accepts every subscription and captures the event callback.
type stubFeed struct {
	onEvent atomic.Value // func(subscription.ChangeEvent)
}

type stubConn struct{}

func (stubConn) Close() error { return nil }

func (s *stubFeed) Open(ctx context.Context, collection, filter string, onEvent func(subscription.ChangeEvent), onError func(error)) (io.Closer, error) {
	s.onEvent.Store(onEvent)
	return stubConn{}, nil
}

type fixture struct {
	service *Service
	remote  *fakeRemote
	feed    *stubFeed
	store   *cache.Store
	manager *subscription.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := zap.NewNop()
	remote := &fakeRemote{}
	feed := &stubFeed{}
	metrics := observability.NewCollector("test")

	store := cache.NewStore(100, time.Minute, logger)
	executor := resilience.NewExecutor("remote", resilience.DefaultExecutorConfig(), logger)
	processor := invalidation.NewProcessor(store, invalidation.ProcessorConfig{
		MaxQueue:  100,
		BatchSize: 10,
		Interval:  10 * time.Millisecond,
	}, logger)
	manager := subscription.NewManager(feed, subscription.ManagerConfig{
		BackoffBase: time.Millisecond,
		BackoffCap:  5 * time.Millisecond,
		MaxRetries:  2,
	}, logger)
	engine := invalidation.NewEngine(store, invalidation.DefaultRuleSet(), processor, NewFeedResyncer(manager, metrics), logger)

	service := NewService(store, executor, engine, processor, manager, remote, metrics, Config{
		Collections:     []string{"teams", "schedules", "sprints"},
		CleanupInterval: time.Minute,
		MetricsInterval: time.Hour,
	}, logger)

	return &fixture{service: service, remote: remote, feed: feed, store: store, manager: manager}
}

func TestFetchCachesRemoteReads(t *testing.T) {
	f := newFixture(t)

	first, err := f.service.TeamSchedule(context.Background(), "team-1")
	require.NoError(t, err)

	second, err := f.service.TeamSchedule(context.Background(), "team-1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), f.remote.selects.Load(), "second read must come from cache")
}

func TestDifferentTeamsAreSeparateEntries(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.TeamSchedule(context.Background(), "team-1")
	require.NoError(t, err)
	_, err = f.service.TeamSchedule(context.Background(), "team-2")
	require.NoError(t, err)

	assert.Equal(t, int64(2), f.remote.selects.Load())
}

func TestChangeEventInvalidatesTeamViews(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.TeamSchedule(context.Background(), "team-1")
	require.NoError(t, err)

	f.service.ProcessChangeEvent(context.Background(), subscription.ChangeEvent{
		ChangeType: subscription.ChangeUpdate,
		EntityID:   "team-1",
		Collection: "teams",
	})

	_, err = f.service.TeamSchedule(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), f.remote.selects.Load(), "team change must clear the cached schedule")
}

func TestUnmappedCollectionChangeIsNoOp(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.TeamSchedule(context.Background(), "team-1")
	require.NoError(t, err)

	f.service.ProcessChangeEvent(context.Background(), subscription.ChangeEvent{
		ChangeType: subscription.ChangeInsert,
		EntityID:   "x",
		Collection: "audit_log",
	})

	_, err = f.service.TeamSchedule(context.Background(), "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), f.remote.selects.Load())
}

func TestScheduleChangeIsDeferred(t *testing.T) {
	f := newFixture(t)
	f.service.processor.Start()
	defer f.service.processor.Stop()

	_, err := f.service.MemberSchedule(context.Background(), "mem-1")
	require.NoError(t, err)

	// Batched strategy: the entry survives the synchronous dispatch and is
	// cleared by the processor tick.
	f.service.ProcessChangeEvent(context.Background(), subscription.ChangeEvent{
		ChangeType: subscription.ChangeUpdate,
		EntityID:   "mem-1",
		Collection: "schedules",
	})

	assert.Eventually(t, func() bool {
		_, ok := f.store.Get("member:mem-1:schedule")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManualEntityInvalidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.SprintBoard(context.Background(), "sprint-7")
	require.NoError(t, err)

	cleared := f.service.InvalidateEntity("sprint", "sprint-7")
	assert.Equal(t, 1, cleared)

	_, ok := f.store.Get("sprint:sprint-7:board")
	assert.False(t, ok)
}

func TestFlushAllEmptiesCache(t *testing.T) {
	f := newFixture(t)

	_, _ = f.service.TeamSchedule(context.Background(), "team-1")
	_, _ = f.service.SprintBoard(context.Background(), "sprint-1")

	cleared := f.service.FlushAll()
	assert.Equal(t, 2, cleared)
	assert.Equal(t, 0, f.service.CacheStats().Entries)
}

func TestDashboardSummaryAggregatesCounts(t *testing.T) {
	f := newFixture(t)

	summary, err := f.service.DashboardSummary(context.Background())
	require.NoError(t, err)

	m, ok := summary.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, int64(3), m["teams"])
	assert.Equal(t, int64(3), m["sprints"])
}

func TestRemoteFailureSurfacesAndIsNotCached(t *testing.T) {
	f := newFixture(t)
	f.remote.fail.Store(true)

	_, err := f.service.TeamSchedule(context.Background(), "team-1")
	require.Error(t, err)

	f.remote.fail.Store(false)
	_, err = f.service.TeamSchedule(context.Background(), "team-1")
	assert.NoError(t, err, "failed fill must not be cached")
}

func TestStartSubscribesConfiguredCollections(t *testing.T) {
	f := newFixture(t)

	f.service.Start()
	defer f.service.Stop()

	assert.Eventually(t, func() bool {
		active := 0
		for _, sub := range f.service.Subscriptions() {
			if sub.Status == subscription.StatusActive {
				active++
			}
		}
		return active == 3
	}, time.Second, 5*time.Millisecond)
}

func TestFeedEventFlowsIntoInvalidation(t *testing.T) {
	f := newFixture(t)

	f.service.Start()
	defer f.service.Stop()

	_, err := f.service.TeamSchedule(context.Background(), "team-9")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return f.feed.onEvent.Load() != nil
	}, time.Second, 5*time.Millisecond)

	onEvent := f.feed.onEvent.Load().(func(subscription.ChangeEvent))
	onEvent(subscription.ChangeEvent{
		ChangeType: subscription.ChangeUpdate,
		EntityID:   "team-9",
		Collection: "teams",
	})

	assert.Eventually(t, func() bool {
		_, ok := f.store.Get("team:team-9:schedule")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
