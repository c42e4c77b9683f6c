package subscription

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"sprintboard-backend/pkg/errors"
)

// Status is the lifecycle state of one subscription key.
//
// State machine: Pending -> Active -> Error -> Retrying -> Active (loop)
// -> Closed (terminal, by explicit unsubscribe or exhausted retries).
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusError    Status = "error"
	StatusRetrying Status = "retrying"
	StatusClosed   Status = "closed"
)

// Descriptor describes one desired subscription. Key is the dedup identity:
// at most one live connection exists per key.
type Descriptor struct {
	Key        string
	Collection string
	Filter     string

	OnEvent func(ChangeEvent)

	// OnClosed surfaces the terminal error after retries are exhausted.
	// Optional.
	OnClosed func(error)
}

// ManagerConfig tunes retry and sweep behavior.
type ManagerConfig struct {
	BackoffBase   time.Duration // Base reconnect delay
	BackoffCap    time.Duration // Reconnect delay upper bound
	BackoffJitter float64       // Jitter fraction
	MaxRetries    int           // Consecutive failures before Closed

	SweepInterval time.Duration // How often stale subscriptions are swept
	StaleAfter    time.Duration // Inactive age after which a sub is removed
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		BackoffBase:   time.Second,
		BackoffCap:    30 * time.Second,
		BackoffJitter: 0.1,
		MaxRetries:    3,
		SweepInterval: 5 * time.Minute,
		StaleAfter:    30 * time.Minute,
	}
}

// subscription is the manager's bookkeeping for one key.
type subscription struct {
	descriptor Descriptor

	status       Status
	conn         io.Closer
	attempt      int
	refCount     int
	createdAt    time.Time
	lastActiveAt time.Time
	lastErr      error
	retryTimer   *time.Timer
}

// Handle is a reference to a (possibly shared) subscription.
type Handle struct {
	manager *Manager
	key     string
}

// Key returns the subscription key this handle refers to.
func (h *Handle) Key() string { return h.key }

// Release drops this handle's reference. The subscription is torn down when
// the last reference is released.
func (h *Handle) Release() {
	h.manager.release(h.key)
}

// StatusSnapshot is a read-only view of one subscription for health
// endpoints.
type StatusSnapshot struct {
	Key          string    `json:"key"`
	Collection   string    `json:"collection"`
	Filter       string    `json:"filter,omitempty"`
	Status       Status    `json:"status"`
	Attempt      int       `json:"attempt"`
	RefCount     int       `json:"refCount"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
	LastError    string    `json:"lastError,omitempty"`
}

// Manager owns the subscription table. All mutation is synchronized on one
// mutex; transport callbacks re-enter through exported-style entry points
// that take the lock themselves.
type Manager struct {
	feed    Feed
	config  ManagerConfig
	backoff *Backoff
	logger  *zap.Logger

	mu   sync.Mutex
	subs map[string]*subscription

	sweepStop chan struct{}
	sweepOnce sync.Once

	// now is replaceable in tests
	now func() time.Time
}

// NewManager creates a manager over the given feed.
func NewManager(feed Feed, config ManagerConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	def := DefaultManagerConfig()
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}
	if config.BackoffCap <= 0 {
		config.BackoffCap = def.BackoffCap
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}

	return &Manager{
		feed:      feed,
		config:    config,
		backoff:   NewBackoff(config.BackoffBase, config.BackoffCap, config.BackoffJitter),
		logger:    logger,
		subs:      make(map[string]*subscription),
		sweepStop: make(chan struct{}),
		now:       time.Now,
	}
}

// Subscribe registers the descriptor and connects. Re-subscribing an
// existing non-closed key returns a handle to the shared subscription
// instead of opening a second connection.
func (m *Manager) Subscribe(desc Descriptor) *Handle {
	m.mu.Lock()
	if sub, ok := m.subs[desc.Key]; ok && sub.status != StatusClosed {
		sub.refCount++
		m.mu.Unlock()
		m.logger.Debug("reusing existing subscription",
			zap.String("key", desc.Key),
		)
		return &Handle{manager: m, key: desc.Key}
	}

	now := m.now()
	m.subs[desc.Key] = &subscription{
		descriptor:   desc,
		status:       StatusPending,
		refCount:     1,
		createdAt:    now,
		lastActiveAt: now,
	}
	m.mu.Unlock()

	m.connect(desc.Key)

	return &Handle{manager: m, key: desc.Key}
}

// connect attempts to open the transport for key, moving the subscription
// to Active on success or into the retry path on failure.
func (m *Manager) connect(key string) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok || sub.status == StatusClosed {
		m.mu.Unlock()
		return
	}
	desc := sub.descriptor
	m.mu.Unlock()

	onEvent := func(event ChangeEvent) {
		m.touch(key)
		if desc.OnEvent != nil {
			desc.OnEvent(event)
		}
	}
	onError := func(err error) {
		m.handleTransportError(key, err)
	}

	conn, err := m.feed.Open(context.Background(), desc.Collection, desc.Filter, onEvent, onError)

	m.mu.Lock()
	sub, ok = m.subs[key]
	if !ok || sub.status == StatusClosed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	if err != nil {
		m.logger.Warn("subscription connect failed",
			zap.String("key", key),
			zap.Int("attempt", sub.attempt),
			zap.Error(err),
		)
		m.scheduleRetryLocked(sub, key, err)
		m.mu.Unlock()
		return
	}

	sub.conn = conn
	sub.status = StatusActive
	sub.attempt = 0
	sub.lastErr = nil
	sub.lastActiveAt = m.now()
	m.mu.Unlock()

	m.logger.Info("subscription active",
		zap.String("key", key),
		zap.String("collection", desc.Collection),
	)
}

// handleTransportError reacts to an error reported by a live connection.
func (m *Manager) handleTransportError(key string, err error) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok || sub.status == StatusClosed {
		m.mu.Unlock()
		return
	}

	conn := sub.conn
	sub.conn = nil
	sub.status = StatusError
	m.scheduleRetryLocked(sub, key, err)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	m.logger.Warn("subscription transport error",
		zap.String("key", key),
		zap.Error(err),
	)
}

// scheduleRetryLocked either schedules the next reconnect attempt or, once
// retries are exhausted, closes the subscription terminally. Lock held.
func (m *Manager) scheduleRetryLocked(sub *subscription, key string, cause error) {
	sub.lastErr = cause

	if sub.attempt >= m.config.MaxRetries {
		sub.status = StatusClosed
		terminal := errors.NewSubscriptionClosed(key, cause)
		onClosed := sub.descriptor.OnClosed
		m.logger.Error("subscription closed after exhausting retries",
			zap.String("key", key),
			zap.Int("max_retries", m.config.MaxRetries),
			zap.Error(cause),
		)
		if onClosed != nil {
			go onClosed(terminal)
		}
		return
	}

	delay := m.backoff.Delay(sub.attempt)
	sub.attempt++
	sub.status = StatusRetrying
	sub.retryTimer = time.AfterFunc(delay, func() {
		m.connect(key)
	})

	m.logger.Info("subscription retry scheduled",
		zap.String("key", key),
		zap.Int("attempt", sub.attempt),
		zap.Duration("delay", delay),
	)
}

// touch refreshes the activity timestamp when an event arrives.
func (m *Manager) touch(key string) {
	m.mu.Lock()
	if sub, ok := m.subs[key]; ok {
		sub.lastActiveAt = m.now()
	}
	m.mu.Unlock()
}

// release drops one handle reference, unsubscribing at zero.
func (m *Manager) release(key string) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub.refCount--
	if sub.refCount > 0 {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	m.Unsubscribe(key)
}

// Unsubscribe closes the transport connection and removes all bookkeeping
// immediately, regardless of current state.
func (m *Manager) Unsubscribe(key string) {
	m.mu.Lock()
	sub, ok := m.subs[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.subs, key)
	conn := sub.conn
	timer := sub.retryTimer
	sub.status = StatusClosed
	m.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		conn.Close()
	}

	m.logger.Info("unsubscribed", zap.String("key", key))
}

// ReconnectAll forces every currently active subscription through the retry
// path. Used when overall network connectivity has been restored.
func (m *Manager) ReconnectAll() int {
	return m.reconnectWhere(func(sub *subscription) bool {
		return sub.status == StatusActive
	})
}

// ReconnectCollection reconnects active subscriptions for one collection,
// used as the real-time resync after a critical invalidation.
func (m *Manager) ReconnectCollection(collection string) int {
	return m.reconnectWhere(func(sub *subscription) bool {
		return sub.status == StatusActive && sub.descriptor.Collection == collection
	})
}

func (m *Manager) reconnectWhere(match func(*subscription) bool) int {
	m.mu.Lock()
	type victim struct {
		key  string
		conn io.Closer
	}
	victims := make([]victim, 0)
	for key, sub := range m.subs {
		if !match(sub) {
			continue
		}
		victims = append(victims, victim{key: key, conn: sub.conn})
		sub.conn = nil
		sub.status = StatusRetrying
		sub.attempt = 0
	}
	m.mu.Unlock()

	for _, v := range victims {
		if v.conn != nil {
			v.conn.Close()
		}
		go m.connect(v.key)
	}

	if len(victims) > 0 {
		m.logger.Info("forcing reconnect", zap.Int("count", len(victims)))
	}
	return len(victims)
}

// Status returns a snapshot for one key.
func (m *Manager) Status(key string) (StatusSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[key]
	if !ok {
		return StatusSnapshot{}, false
	}
	return m.snapshotLocked(key, sub), true
}

// StatusAll returns snapshots for every known subscription.
func (m *Manager) StatusAll() []StatusSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StatusSnapshot, 0, len(m.subs))
	for key, sub := range m.subs {
		out = append(out, m.snapshotLocked(key, sub))
	}
	return out
}

func (m *Manager) snapshotLocked(key string, sub *subscription) StatusSnapshot {
	snap := StatusSnapshot{
		Key:          key,
		Collection:   sub.descriptor.Collection,
		Filter:       sub.descriptor.Filter,
		Status:       sub.status,
		Attempt:      sub.attempt,
		RefCount:     sub.refCount,
		CreatedAt:    sub.createdAt,
		LastActiveAt: sub.lastActiveAt,
	}
	if sub.lastErr != nil {
		snap.LastError = sub.lastErr.Error()
	}
	return snap
}

// StartSweep launches the periodic removal of stale inactive subscriptions,
// freeing resources held by abandoned dashboards.
func (m *Manager) StartSweep() {
	go func() {
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-m.sweepStop:
				return
			case <-ticker.C:
				m.sweepStale()
			}
		}
	}()
}

// StopSweep stops the sweep goroutine. Safe to call more than once.
func (m *Manager) StopSweep() {
	m.sweepOnce.Do(func() {
		close(m.sweepStop)
	})
}

// sweepStale removes subscriptions that are not active and have been idle
// longer than the staleness threshold.
func (m *Manager) sweepStale() {
	cutoff := m.now().Add(-m.config.StaleAfter)

	m.mu.Lock()
	stale := make([]string, 0)
	for key, sub := range m.subs {
		if sub.status != StatusActive && sub.lastActiveAt.Before(cutoff) {
			stale = append(stale, key)
		}
	}
	m.mu.Unlock()

	for _, key := range stale {
		m.Unsubscribe(key)
	}

	if len(stale) > 0 {
		m.logger.Info("swept stale subscriptions", zap.Int("count", len(stale)))
	}
}

// Shutdown stops the sweep and tears down every subscription.
func (m *Manager) Shutdown() {
	m.StopSweep()

	m.mu.Lock()
	keys := make([]string, 0, len(m.subs))
	for key := range m.subs {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.Unsubscribe(key)
	}
}
