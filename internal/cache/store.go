// Package cache provides the in-memory acceleration layer for the
// Sprintboard backend. This file implements the tag-aware store with LRU
// eviction, per-entry TTL and single-flight fill deduplication.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"sprintboard-backend/pkg/errors"
)

// Store is an in-memory cache with LRU eviction, TTL and tag support.
// It is thread-safe and suitable for single-instance deployments.
//
// Key Features:
//   - LRU (Least Recently Used) eviction policy
//   - Per-entry TTL with lazy expiry plus a periodic cleanup sweep
//   - Tag-based bulk invalidation
//   - Single-flight deduplication of concurrent fills
//   - Hit rate statistics
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	lruList *list.List

	maxEntries int
	defaultTTL time.Duration

	// Statistics
	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	approxBytes int64

	fillGroup singleflight.Group

	logger *zap.Logger

	// now is replaceable in tests
	now func() time.Time

	cleanupStop chan struct{}
	cleanupOnce sync.Once
}

// entry is a single cached value together with its bookkeeping.
type entry struct {
	key             string
	value           any
	tags            []Tag
	createdAt       time.Time
	ttl             time.Duration
	accessCount     int64
	lastAccessedAt  time.Time
	approximateSize int64
	lruElement      *list.Element
}

// expired reports whether the entry is logically absent. Expired entries may
// still be physically present until a read or the cleanup sweep removes them.
func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Entries           int     `json:"entries"`
	Hits              int64   `json:"hits"`
	Misses            int64   `json:"misses"`
	Evictions         int64   `json:"evictions"`
	Expirations       int64   `json:"expirations"`
	HitRate           float64 `json:"hitRate"`
	ApproximateMemory int64   `json:"approximateMemory"`
}

// NewStore creates a store bounded to maxEntries. Entries set without an
// explicit TTL use defaultTTL.
func NewStore(maxEntries int, defaultTTL time.Duration, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}

	return &Store{
		entries:     make(map[string]*entry),
		lruList:     list.New(),
		maxEntries:  maxEntries,
		defaultTTL:  defaultTTL,
		logger:      logger,
		now:         time.Now,
		cleanupStop: make(chan struct{}),
	}
}

// Get retrieves a value from the store. A logically expired entry counts as
// a miss and is removed on the spot.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[key]
	if !exists {
		s.misses++
		return nil, false
	}

	now := s.now()
	if e.expired(now) {
		s.removeEntry(e)
		s.expirations++
		s.misses++
		return nil, false
	}

	e.accessCount++
	e.lastAccessedAt = now
	s.lruList.MoveToFront(e.lruElement)
	s.hits++

	return e.value, true
}

// Set stores a value. A non-positive ttl selects the store default. When the
// store is at capacity the least recently accessed entry is evicted first.
func (s *Store) Set(key string, value any, ttl time.Duration, tags ...Tag) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		ttl = s.defaultTTL
	}

	if existing, exists := s.entries[key]; exists {
		s.removeEntry(existing)
	}

	for len(s.entries) >= s.maxEntries && s.lruList.Len() > 0 {
		oldest := s.lruList.Back()
		if oldest == nil {
			break
		}
		s.removeEntry(oldest.Value.(*entry))
		s.evictions++
	}

	now := s.now()
	e := &entry{
		key:             key,
		value:           value,
		tags:            append([]Tag(nil), tags...),
		createdAt:       now,
		ttl:             ttl,
		lastAccessedAt:  now,
		approximateSize: estimateSize(key, value),
	}
	e.lruElement = s.lruList.PushFront(e)
	s.entries[key] = e
	s.approxBytes += e.approximateSize
}

// GetOrFill returns the cached value for key, or runs fill to produce it.
// At most one fill per key runs at a time; concurrent callers share the
// result. Failed fills are not cached, so the next access retries. A caller
// whose context expires stops waiting, but the fill itself continues for the
// remaining waiters.
func (s *Store) GetOrFill(ctx context.Context, key string, fill func(ctx context.Context) (any, error), ttl time.Duration, tags ...Tag) (any, error) {
	if value, ok := s.Get(key); ok {
		return value, nil
	}

	ch := s.fillGroup.DoChan(key, func() (any, error) {
		// Re-check under single-flight: another caller may have filled
		// the key while we queued.
		if value, ok := s.Get(key); ok {
			return value, nil
		}

		// The fill is detached from the triggering caller's context so
		// its cancellation cannot fail the other waiters.
		value, err := fill(context.WithoutCancel(ctx))
		if err != nil {
			return nil, errors.NewFillFailed(key, err)
		}

		s.Set(key, value, ttl, tags...)
		return value, nil
	})

	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetDefaultTTL changes the TTL applied to entries set without an explicit
// one. Existing entries keep the TTL they were stored with.
func (s *Store) SetDefaultTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	s.mu.Lock()
	s.defaultTTL = ttl
	s.mu.Unlock()
}

// Invalidate removes a single entry. It reports whether the key was present.
func (s *Store) Invalidate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[key]
	if !exists {
		return false
	}
	s.removeEntry(e)
	return true
}

// InvalidateByTag removes every entry carrying the tag and returns the count.
// The scan is O(n) in entry count, which is acceptable at dashboard scale.
func (s *Store) InvalidateByTag(tag Tag) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	toRemove := make([]*entry, 0)
	for _, e := range s.entries {
		for _, t := range e.tags {
			if t == tag {
				toRemove = append(toRemove, e)
				break
			}
		}
	}

	for _, e := range toRemove {
		s.removeEntry(e)
	}

	if len(toRemove) > 0 {
		s.logger.Debug("invalidated cache entries by tag",
			zap.String("tag", tag.String()),
			zap.Int("count", len(toRemove)),
		)
	}

	return len(toRemove)
}

// InvalidateAll empties the store and returns how many entries were dropped.
func (s *Store) InvalidateAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := len(s.entries)
	s.entries = make(map[string]*entry)
	s.lruList.Init()
	s.approxBytes = 0

	s.logger.Info("invalidated all cache entries", zap.Int("count", count))
	return count
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	hitRate := float64(0)
	if total := s.hits + s.misses; total > 0 {
		hitRate = float64(s.hits) / float64(total)
	}

	return Stats{
		Entries:           len(s.entries),
		Hits:              s.hits,
		Misses:            s.misses,
		Evictions:         s.evictions,
		Expirations:       s.expirations,
		HitRate:           hitRate,
		ApproximateMemory: s.approxBytes,
	}
}

// StartCleanup starts a background goroutine that periodically removes
// expired entries. Stop it with StopCleanup.
func (s *Store) StartCleanup(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.cleanupStop:
				return
			case <-ticker.C:
				s.cleanupExpired()
			}
		}
	}()
}

// StopCleanup stops the cleanup goroutine. Safe to call more than once.
func (s *Store) StopCleanup() {
	s.cleanupOnce.Do(func() {
		close(s.cleanupStop)
	})
}

// cleanupExpired removes all logically expired entries.
func (s *Store) cleanupExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	toRemove := make([]*entry, 0)
	for _, e := range s.entries {
		if e.expired(now) {
			toRemove = append(toRemove, e)
		}
	}

	for _, e := range toRemove {
		s.removeEntry(e)
		s.expirations++
	}

	if len(toRemove) > 0 {
		s.logger.Debug("cleaned up expired cache entries",
			zap.Int("count", len(toRemove)),
		)
	}
}

// removeEntry removes an entry from all bookkeeping (lock must be held).
func (s *Store) removeEntry(e *entry) {
	if e.lruElement != nil {
		s.lruList.Remove(e.lruElement)
	}
	delete(s.entries, e.key)
	s.approxBytes -= e.approximateSize
}

// estimateSize gives a rough byte count for accounting purposes only.
func estimateSize(key string, value any) int64 {
	size := int64(len(key))
	switch v := value.(type) {
	case string:
		size += int64(len(v))
	case []byte:
		size += int64(len(v))
	default:
		// Opaque values get a flat estimate; exact accounting is not
		// worth reflecting over arbitrary structs.
		size += 64
	}
	return size
}
