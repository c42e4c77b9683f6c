package invalidation

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"sprintboard-backend/internal/cache"
	"sprintboard-backend/pkg/errors"
)

// Resyncer requests a real-time refresh from the change feed after a
// critical invalidation, so dashboards converge faster than the next poll.
type Resyncer interface {
	RequestResync(ctx context.Context, event Event) error
}

// Engine applies the rule table to incoming invalidation events. It holds no
// per-event state: rule application is a pure function of the supplied rule
// set plus the cache store it clears.
type Engine struct {
	store     *cache.Store
	processor *Processor
	rules     *RuleSet
	resyncer  Resyncer
	logger    *zap.Logger

	// Counters
	mu              sync.Mutex
	totalEvents     int64
	totalCleared    int64
	byStrategy      map[Strategy]int64
	conditionErrors int64
	unmatchedEvents int64
}

// Metrics is a snapshot of engine counters for observability endpoints.
type Metrics struct {
	TotalEvents     int64            `json:"totalEvents"`
	TotalCleared    int64            `json:"totalCleared"`
	ByStrategy      map[string]int64 `json:"byStrategy"`
	ConditionErrors int64            `json:"conditionErrors"`
	UnmatchedEvents int64            `json:"unmatchedEvents"`
	QueueDepth      int              `json:"queueDepth"`
	Processed       int64            `json:"processed"`
	Dropped         int64            `json:"dropped"`
}

// NewEngine creates an engine over the given store, rule set and background
// processor. The resyncer is optional.
func NewEngine(store *cache.Store, rules *RuleSet, processor *Processor, resyncer Resyncer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Engine{
		store:      store,
		processor:  processor,
		rules:      rules,
		resyncer:   resyncer,
		logger:     logger,
		byStrategy: make(map[Strategy]int64),
	}
}

// ProcessEvent runs every registered rule for the event's type. An event
// matching zero rules is a no-op, not an error. A failing rule condition is
// logged and skipped; the remaining rules still apply.
func (e *Engine) ProcessEvent(ctx context.Context, event Event) {
	e.mu.Lock()
	e.totalEvents++
	e.mu.Unlock()

	rules, ok := e.rules.Rules[event.Type]
	if !ok || len(rules) == 0 {
		e.mu.Lock()
		e.unmatchedEvents++
		e.mu.Unlock()
		e.logger.Debug("no invalidation rules for event type",
			zap.String("event_type", event.Type),
		)
		return
	}

	ictx := e.buildContext(event)

	for _, rule := range rules {
		matched, err := e.evaluateCondition(rule, ictx)
		if err != nil {
			e.mu.Lock()
			e.conditionErrors++
			e.mu.Unlock()
			e.logger.Warn("invalidation rule condition failed, skipping rule",
				zap.String("event_type", event.Type),
				zap.Error(err),
			)
			continue
		}
		if !matched {
			continue
		}

		e.dispatch(ctx, rule, ictx)
	}
}

// buildContext resolves the tags affected by the event using its
// type-specific extractor.
func (e *Engine) buildContext(event Event) *Context {
	ictx := &Context{Event: event}
	if extractor, ok := e.rules.Extractors[event.Type]; ok {
		ictx.Tags = extractor(event)
	}
	return ictx
}

// evaluateCondition runs the rule predicate, converting a panic into an
// InvalidationCondition error so one bad predicate cannot take down event
// processing.
func (e *Engine) evaluateCondition(rule Rule, ictx *Context) (matched bool, err error) {
	if rule.Condition == nil {
		return true, nil
	}

	defer func() {
		if r := recover(); r != nil {
			matched = false
			err = errors.NewInvalidationCondition(ictx.Event.Type, fmt.Errorf("panic: %v", r))
		}
	}()

	matched, condErr := rule.Condition(ictx)
	if condErr != nil {
		return false, errors.NewInvalidationCondition(ictx.Event.Type, condErr)
	}
	return matched, nil
}

// dispatch applies one matched rule according to its strategy.
func (e *Engine) dispatch(ctx context.Context, rule Rule, ictx *Context) {
	tags := expandTags(rule.DependentTags, ictx.Tags)

	switch rule.Strategy {
	case StrategyImmediate:
		cleared := 0
		for _, tag := range tags {
			cleared += e.store.InvalidateByTag(tag)
		}
		e.recordDispatch(rule.Strategy, int64(cleared))

		if rule.Priority == PriorityCritical || rule.Priority == PriorityHigh {
			e.requestResync(ctx, ictx.Event)
		}

	case StrategyLazy, StrategyBackground, StrategyBatched:
		e.processor.Enqueue(ictx.Event, tags)
		e.recordDispatch(rule.Strategy, 0)

	default:
		e.logger.Warn("unknown invalidation strategy",
			zap.String("strategy", string(rule.Strategy)),
			zap.String("event_type", ictx.Event.Type),
		)
	}
}

func (e *Engine) requestResync(ctx context.Context, event Event) {
	if e.resyncer == nil {
		return
	}
	if err := e.resyncer.RequestResync(ctx, event); err != nil {
		// Resync is an optimization; its failure never fails the
		// invalidation itself.
		e.logger.Warn("real-time resync request failed",
			zap.String("event_type", event.Type),
			zap.Error(err),
		)
	}
}

func (e *Engine) recordDispatch(strategy Strategy, cleared int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.byStrategy[strategy]++
	e.totalCleared += cleared
}

// Metrics returns a snapshot of engine and processor counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	byStrategy := make(map[string]int64, len(e.byStrategy))
	for s, n := range e.byStrategy {
		byStrategy[string(s)] = n
	}
	m := Metrics{
		TotalEvents:     e.totalEvents,
		TotalCleared:    e.totalCleared,
		ByStrategy:      byStrategy,
		ConditionErrors: e.conditionErrors,
		UnmatchedEvents: e.unmatchedEvents,
	}
	e.mu.Unlock()

	if e.processor != nil {
		depth, processed, dropped := e.processor.Counters()
		m.QueueDepth = depth
		m.Processed = processed
		m.Dropped = dropped
	}
	return m
}

// expandTags resolves kind-only dependent tags against the tags extracted
// from the event: a dependent {team} plus an extracted {team, 5} yields
// {team, 5}. Dependent tags with no matching extraction stay collection-wide.
func expandTags(dependent, extracted []cache.Tag) []cache.Tag {
	seen := make(map[cache.Tag]struct{})
	out := make([]cache.Tag, 0, len(dependent))

	add := func(tag cache.Tag) {
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}

	for _, dt := range dependent {
		if dt.ID != "" {
			add(dt)
			continue
		}

		expanded := false
		for _, et := range extracted {
			if et.Kind == dt.Kind && et.ID != "" {
				add(et)
				expanded = true
			}
		}
		if !expanded {
			add(dt)
		}
	}

	return out
}
