// Package datacache is the application facade over the caching and
// resilience layer. It owns the cache keys and TTLs for the dashboard's
// views, bridges change feed events into the invalidation engine, and
// exposes the snapshots and emergency controls the admin API serves.
package datacache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sprintboard-backend/internal/cache"
	"sprintboard-backend/internal/invalidation"
	"sprintboard-backend/internal/resilience"
	"sprintboard-backend/internal/subscription"
	"sprintboard-backend/pkg/observability"
)

// RemoteSource produces protected operations against the remote store. The
// service composes these with the cache and the resilience executor; it never
// talks to the wire itself.
type RemoteSource interface {
	Select(table, columns, filterColumn, filterValue string) resilience.Operation
	Count(table, filterColumn, filterValue string) resilience.Operation
}

// View TTLs. Sprint boards move fastest during planning; rosters barely
// change within a working day.
const (
	rosterTTL   = 10 * time.Minute
	scheduleTTL = 2 * time.Minute
	sprintTTL   = time.Minute
	summaryTTL  = 5 * time.Minute
)

// Config tunes the service lifecycle.
type Config struct {
	// Collections to subscribe to on Start.
	Collections []string

	// CleanupInterval is the cache expiry sweep period.
	CleanupInterval time.Duration

	// MetricsInterval is how often gauges are synced to Prometheus.
	MetricsInterval time.Duration
}

// Service composes the cache store, resilience executor, invalidation engine
// and subscription manager behind one application-facing API.
type Service struct {
	store     *cache.Store
	executor  *resilience.Executor
	engine    *invalidation.Engine
	processor *invalidation.Processor
	manager   *subscription.Manager
	remote    RemoteSource
	metrics   *observability.Collector
	logger    *zap.Logger
	config    Config

	handles []*subscription.Handle

	metricsStop chan struct{}

	// Baselines for converting monotonic internal counters to Prometheus
	// counter increments.
	lastHits, lastMisses, lastEvictions int64
	lastCleared, lastRejected           int64
	lastByStrategy                      map[string]int64
}

// NewService wires the already-constructed components together.
func NewService(
	store *cache.Store,
	executor *resilience.Executor,
	engine *invalidation.Engine,
	processor *invalidation.Processor,
	manager *subscription.Manager,
	remote RemoteSource,
	metrics *observability.Collector,
	config Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if config.MetricsInterval <= 0 {
		config.MetricsInterval = 15 * time.Second
	}

	return &Service{
		store:          store,
		executor:       executor,
		engine:         engine,
		processor:      processor,
		manager:        manager,
		remote:         remote,
		metrics:        metrics,
		logger:         logger,
		config:         config,
		metricsStop:    make(chan struct{}),
		lastByStrategy: make(map[string]int64),
	}
}

// Start launches the background machinery: the cache cleanup sweep, the
// invalidation processor, the subscription sweep, the change feed
// subscriptions and the metrics sync.
func (s *Service) Start() {
	s.store.StartCleanup(s.config.CleanupInterval)
	s.processor.Start()
	s.manager.StartSweep()

	for _, collection := range s.config.Collections {
		s.subscribeFeed(collection)
	}

	go s.metricsLoop()

	s.logger.Info("data cache service started",
		zap.Strings("collections", s.config.Collections),
	)
}

// Stop tears everything down in reverse order. The processor stops last so
// that its final drain still has a live store.
func (s *Service) Stop() {
	close(s.metricsStop)

	for _, h := range s.handles {
		h.Release()
	}
	s.handles = nil

	s.manager.Shutdown()
	s.processor.Stop()
	s.store.StopCleanup()

	s.logger.Info("data cache service stopped")
}

// TeamRoster returns the member list for a team.
func (s *Service) TeamRoster(ctx context.Context, teamID string) (any, error) {
	key := fmt.Sprintf("team:%s:roster", teamID)
	op := s.remote.Select("team_members", "*", "team_id", teamID)
	return s.fetch(ctx, key, "team_roster", op, rosterTTL,
		[]cache.Tag{cache.NewTag("team", teamID)}, teamID)
}

// TeamSchedule returns the merged schedule view for a team.
func (s *Service) TeamSchedule(ctx context.Context, teamID string) (any, error) {
	key := fmt.Sprintf("team:%s:schedule", teamID)
	op := s.remote.Select("schedules", "*", "team_id", teamID)
	return s.fetch(ctx, key, "team_schedule", op, scheduleTTL,
		[]cache.Tag{cache.NewTag("team", teamID), cache.KindTag("schedule")}, teamID)
}

// MemberSchedule returns one member's schedule entries.
func (s *Service) MemberSchedule(ctx context.Context, memberID string) (any, error) {
	key := fmt.Sprintf("member:%s:schedule", memberID)
	op := s.remote.Select("schedules", "*", "member_id", memberID)
	return s.fetch(ctx, key, "member_schedule", op, scheduleTTL,
		[]cache.Tag{cache.NewTag("member", memberID), cache.KindTag("schedule")}, memberID)
}

// SprintBoard returns the board view for a sprint.
func (s *Service) SprintBoard(ctx context.Context, sprintID string) (any, error) {
	key := fmt.Sprintf("sprint:%s:board", sprintID)
	op := s.remote.Select("sprints", "*", "id", sprintID)
	return s.fetch(ctx, key, "sprint_board", op, sprintTTL,
		[]cache.Tag{cache.NewTag("sprint", sprintID), cache.KindTag("schedule")}, sprintID)
}

// DashboardSummary returns the counts behind the dashboard's summary tiles.
func (s *Service) DashboardSummary(ctx context.Context) (any, error) {
	teams, err := s.fetch(ctx, "summary:teams", "count_teams",
		s.remote.Count("teams", "", ""), summaryTTL,
		[]cache.Tag{cache.KindTag("team"), cache.KindTag("report")})
	if err != nil {
		return nil, err
	}

	sprints, err := s.fetch(ctx, "summary:sprints", "count_sprints",
		s.remote.Count("sprints", "", ""), summaryTTL,
		[]cache.Tag{cache.KindTag("sprint"), cache.KindTag("report")})
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"teams":   teams,
		"sprints": sprints,
	}, nil
}

// fetch is the read path every view goes through: cache first, then a
// single-flighted fill running the operation under the resilience executor.
func (s *Service) fetch(ctx context.Context, key, operation string, op resilience.Operation, ttl time.Duration, tags []cache.Tag, args ...any) (any, error) {
	return s.store.GetOrFill(ctx, key, func(ctx context.Context) (any, error) {
		return s.executor.Execute(ctx, operation, op, args...)
	}, ttl, tags...)
}

// ProcessChangeEvent maps a raw feed change into the invalidation engine.
func (s *Service) ProcessChangeEvent(ctx context.Context, change subscription.ChangeEvent) {
	eventType, ok := collectionEventType(change.Collection)
	if !ok {
		s.logger.Debug("change for unmapped collection ignored",
			zap.String("collection", change.Collection),
		)
		return
	}

	event := invalidation.NewEvent(eventType, change.EntityID, invalidation.SourceRemoteChange, map[string]any{
		"changeType": string(change.ChangeType),
		"collection": change.Collection,
	})
	s.engine.ProcessEvent(ctx, event)
}

// InvalidateEntity clears every entry tagged with one entity. It is the
// manual invalidation admins reach for when a view looks stale.
func (s *Service) InvalidateEntity(kind, id string) int {
	cleared := s.store.InvalidateByTag(cache.NewTag(kind, id))
	s.metrics.EntriesCleared.Add(float64(cleared))
	s.logger.Info("manual entity invalidation",
		zap.String("kind", kind),
		zap.String("id", id),
		zap.Int("cleared", cleared),
	)
	return cleared
}

// EmitEvent injects a synthetic invalidation event, running the full rule
// table as if the change had arrived from the feed.
func (s *Service) EmitEvent(ctx context.Context, eventType, entityID string) {
	event := invalidation.NewEvent(eventType, entityID, invalidation.SourceUserAction, nil)
	s.engine.ProcessEvent(ctx, event)
}

// FlushAll is the emergency control that empties the cache entirely.
func (s *Service) FlushAll() int {
	cleared := s.store.InvalidateAll()
	s.metrics.EntriesCleared.Add(float64(cleared))
	return cleared
}

// ResetBreaker force-closes the remote operation breaker.
func (s *Service) ResetBreaker() {
	s.executor.Breaker().Reset()
	s.logger.Warn("circuit breaker manually reset")
}

// ReconnectFeeds forces every active feed subscription to reconnect.
func (s *Service) ReconnectFeeds() int {
	n := s.manager.ReconnectAll()
	s.metrics.FeedReconnects.Add(float64(n))
	return n
}

// CacheStats returns the cache counters.
func (s *Service) CacheStats() cache.Stats {
	return s.store.Stats()
}

// InvalidationMetrics returns engine and processor counters.
func (s *Service) InvalidationMetrics() invalidation.Metrics {
	return s.engine.Metrics()
}

// BreakerSnapshot returns the remote breaker state.
func (s *Service) BreakerSnapshot() resilience.Snapshot {
	return s.executor.Breaker().Snapshot()
}

// Subscriptions returns the state of every feed subscription.
func (s *Service) Subscriptions() []subscription.StatusSnapshot {
	return s.manager.StatusAll()
}

// Subscription returns the state of one feed subscription by key.
func (s *Service) Subscription(key string) (subscription.StatusSnapshot, bool) {
	return s.manager.Status(key)
}

// subscribeFeed opens one collection-wide subscription routing events into
// the engine.
func (s *Service) subscribeFeed(collection string) {
	handle := s.manager.Subscribe(subscription.Descriptor{
		Key:        "feed:" + collection,
		Collection: collection,
		OnEvent: func(change subscription.ChangeEvent) {
			s.ProcessChangeEvent(context.Background(), change)
		},
		OnClosed: func(err error) {
			s.logger.Error("change feed subscription closed, views converge by TTL only",
				zap.String("collection", collection),
				zap.Error(err),
			)
		},
	})
	s.handles = append(s.handles, handle)
}

// metricsLoop mirrors internal counters into Prometheus on a fixed period.
func (s *Service) metricsLoop() {
	ticker := time.NewTicker(s.config.MetricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.metricsStop:
			return
		case <-ticker.C:
			s.syncMetrics()
		}
	}
}

func (s *Service) syncMetrics() {
	stats := s.store.Stats()
	s.metrics.CacheEntries.Set(float64(stats.Entries))
	s.metrics.CacheHits.Add(float64(stats.Hits - s.lastHits))
	s.metrics.CacheMisses.Add(float64(stats.Misses - s.lastMisses))
	s.metrics.CacheEvictions.Add(float64(stats.Evictions - s.lastEvictions))
	s.lastHits, s.lastMisses, s.lastEvictions = stats.Hits, stats.Misses, stats.Evictions

	im := s.engine.Metrics()
	s.metrics.QueueDepth.Set(float64(im.QueueDepth))
	s.metrics.EntriesCleared.Add(float64(im.TotalCleared - s.lastCleared))
	s.lastCleared = im.TotalCleared
	for strategy, n := range im.ByStrategy {
		s.metrics.Invalidations.WithLabelValues(strategy).Add(float64(n - s.lastByStrategy[strategy]))
		s.lastByStrategy[strategy] = n
	}

	breaker := s.executor.Breaker().Snapshot()
	s.metrics.BreakerState.Set(float64(s.executor.Breaker().State()))
	s.metrics.BreakerRejected.Add(float64(breaker.TotalRejected - s.lastRejected))
	s.lastRejected = breaker.TotalRejected

	active := 0
	for _, sub := range s.manager.StatusAll() {
		if sub.Status == subscription.StatusActive {
			active++
		}
	}
	s.metrics.ActiveSubscriptions.Set(float64(active))
}

// collectionEventType maps remote table names to invalidation event types.
func collectionEventType(collection string) (string, bool) {
	switch collection {
	case "teams", "team_members":
		return invalidation.EventTeamChanged, true
	case "schedules":
		return invalidation.EventMemberScheduleChanged, true
	case "sprints":
		return invalidation.EventSprintChanged, true
	case "settings":
		return invalidation.EventSettingsChanged, true
	default:
		return "", false
	}
}

// FeedResyncer adapts the subscription manager to the engine's resync hook:
// a critical invalidation forces the affected collection's feed to reconnect
// so a dropped event cannot leave the dashboard stale.
type FeedResyncer struct {
	manager *subscription.Manager
	metrics *observability.Collector
}

// NewFeedResyncer creates the adapter.
func NewFeedResyncer(manager *subscription.Manager, metrics *observability.Collector) *FeedResyncer {
	return &FeedResyncer{manager: manager, metrics: metrics}
}

// RequestResync reconnects the feed for the event's collection.
func (r *FeedResyncer) RequestResync(ctx context.Context, event invalidation.Event) error {
	collection, ok := eventCollection(event.Type)
	if !ok {
		return nil
	}
	n := r.manager.ReconnectCollection(collection)
	if r.metrics != nil {
		r.metrics.FeedReconnects.Add(float64(n))
	}
	return nil
}

// eventCollection is the inverse of collectionEventType for resync routing.
func eventCollection(eventType string) (string, bool) {
	switch eventType {
	case invalidation.EventTeamChanged:
		return "teams", true
	case invalidation.EventMemberScheduleChanged:
		return "schedules", true
	case invalidation.EventSprintChanged:
		return "sprints", true
	case invalidation.EventSettingsChanged:
		return "settings", true
	default:
		return "", false
	}
}
