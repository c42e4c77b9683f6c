package invalidation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"sprintboard-backend/internal/cache"
)

// ProcessorConfig bounds the background invalidation queue and its drain
// rate.
type ProcessorConfig struct {
	MaxQueue  int           // Queue capacity; overflow drops the oldest entry
	BatchSize int           // Events processed per tick
	Interval  time.Duration // Tick period
}

// DefaultProcessorConfig returns sensible defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		MaxQueue:  1000,
		BatchSize: 10,
		Interval:  time.Second,
	}
}

// queued is one deferred invalidation: the originating event plus the tags
// already expanded for it.
type queued struct {
	event Event
	tags  []cache.Tag
}

// Processor drains deferred invalidation work on a fixed tick. Each tick
// pops up to BatchSize events, coalesces their tags and clears them once.
// Processing is idempotent: clearing an already-cleared tag is a no-op, so
// replaying an event is always safe.
type Processor struct {
	store  *cache.Store
	config ProcessorConfig
	logger *zap.Logger

	mu    sync.Mutex
	queue []queued

	processed int64
	dropped   int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor creates a processor over the store.
func NewProcessor(store *cache.Store, config ProcessorConfig, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.MaxQueue <= 0 {
		config.MaxQueue = DefaultProcessorConfig().MaxQueue
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultProcessorConfig().BatchSize
	}
	if config.Interval <= 0 {
		config.Interval = DefaultProcessorConfig().Interval
	}

	return &Processor{
		store:  store,
		config: config,
		logger: logger,
		queue:  make([]queued, 0, config.BatchSize),
		stop:   make(chan struct{}),
	}
}

// SetBatchSize adjusts how many events each tick drains. Takes effect from
// the next tick.
func (p *Processor) SetBatchSize(n int) {
	if n <= 0 {
		return
	}
	p.mu.Lock()
	p.config.BatchSize = n
	p.mu.Unlock()
}

// Enqueue adds deferred work without blocking the caller. When the queue is
// full the oldest entry is dropped; losing a deferred invalidation only
// delays convergence until the entry's TTL.
func (p *Processor) Enqueue(event Event, tags []cache.Tag) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) >= p.config.MaxQueue {
		p.queue = p.queue[1:]
		p.dropped++
		p.logger.Warn("invalidation queue full, dropped oldest event",
			zap.Int("max_queue", p.config.MaxQueue),
		)
	}

	p.queue = append(p.queue, queued{event: event, tags: tags})
}

// Start launches the drain goroutine. Stop it with Stop.
func (p *Processor) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stop:
				// Drain whatever is still queued so shutdown does
				// not leave stale entries behind.
				for p.processBatch() > 0 {
				}
				return
			case <-ticker.C:
				p.processBatch()
			}
		}
	}()
}

// Stop terminates the drain goroutine after a final drain. Safe to call
// more than once.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
}

// processBatch pops up to BatchSize queued events and clears their tags,
// coalescing duplicates so a burst of edits to one team costs one scan. It
// returns the number of events taken off the queue.
func (p *Processor) processBatch() int {
	p.mu.Lock()
	n := len(p.queue)
	if n == 0 {
		p.mu.Unlock()
		return 0
	}
	if n > p.config.BatchSize {
		n = p.config.BatchSize
	}
	batch := make([]queued, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	p.processed += int64(n)
	p.mu.Unlock()

	seen := make(map[cache.Tag]struct{})
	cleared := 0
	for _, q := range batch {
		for _, tag := range q.tags {
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			cleared += p.store.InvalidateByTag(tag)
		}
	}

	p.logger.Debug("processed invalidation batch",
		zap.Int("events", n),
		zap.Int("unique_tags", len(seen)),
		zap.Int("entries_cleared", cleared),
	)

	return n
}

// Counters returns queue depth and lifetime counts.
func (p *Processor) Counters() (depth int, processed, dropped int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue), p.processed, p.dropped
}
