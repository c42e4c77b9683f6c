package invalidation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sprintboard-backend/internal/cache"
)

type recordingResyncer struct {
	events []Event
	err    error
}

func (r *recordingResyncer) RequestResync(ctx context.Context, event Event) error {
	r.events = append(r.events, event)
	return r.err
}

func newEngineFixture(t *testing.T, rules *RuleSet) (*Engine, *cache.Store, *Processor, *recordingResyncer) {
	t.Helper()
	store := cache.NewStore(100, time.Minute, zap.NewNop())
	processor := NewProcessor(store, DefaultProcessorConfig(), zap.NewNop())
	resyncer := &recordingResyncer{}
	engine := NewEngine(store, rules, processor, resyncer, zap.NewNop())
	return engine, store, processor, resyncer
}

// TestImmediateStrategyClearsSynchronously verifies the immediate path:
// matching entries are gone when ProcessEvent returns, and a high-priority
// rule requests a resync.
func TestImmediateStrategyClearsSynchronously(t *testing.T) {
	engine, store, _, resyncer := newEngineFixture(t, DefaultRuleSet())

	store.Set("hours:team:1", 40, time.Minute, cache.NewTag("team", "1"))
	store.Set("hours:team:2", 32, time.Minute, cache.NewTag("team", "2"))
	store.Set("board", "summary", time.Minute, cache.KindTag("schedule"))

	engine.ProcessEvent(context.Background(), NewEvent(EventTeamChanged, "1", SourceRemoteChange, nil))

	_, ok := store.Get("hours:team:1")
	assert.False(t, ok, "entries for the changed team must be cleared")
	_, ok = store.Get("board")
	assert.False(t, ok, "collection-wide schedule entries must be cleared")
	_, ok = store.Get("hours:team:2")
	assert.True(t, ok, "other teams stay cached")

	require.Len(t, resyncer.events, 1)
	assert.Equal(t, EventTeamChanged, resyncer.events[0].Type)
}

// TestUnmatchedEventIsNoOp verifies that an event with no registered rules
// does nothing and is not an error.
func TestUnmatchedEventIsNoOp(t *testing.T) {
	engine, store, _, _ := newEngineFixture(t, DefaultRuleSet())

	store.Set("k", 1, time.Minute, cache.NewTag("team", "1"))
	engine.ProcessEvent(context.Background(), NewEvent("unknown_event", "1", SourceSystem, nil))

	_, ok := store.Get("k")
	assert.True(t, ok)
	assert.Equal(t, int64(1), engine.Metrics().UnmatchedEvents)
}

// TestConditionErrorSkipsOnlyThatRule verifies that a failing predicate
// isolates its rule: other rules for the same event still apply.
func TestConditionErrorSkipsOnlyThatRule(t *testing.T) {
	rules := NewRuleSet()
	rules.RegisterExtractor("edit", EntityTagExtractor("team"))
	rules.Register("edit", Rule{
		Trigger:       TriggerDataChange,
		Scope:         ScopeEntity,
		Strategy:      StrategyImmediate,
		Priority:      PriorityLow,
		DependentTags: []cache.Tag{cache.KindTag("team")},
		Condition: func(ctx *Context) (bool, error) {
			return false, fmt.Errorf("lookup failed")
		},
	})
	rules.Register("edit", Rule{
		Trigger:       TriggerDataChange,
		Scope:         ScopeCollection,
		Strategy:      StrategyImmediate,
		Priority:      PriorityLow,
		DependentTags: []cache.Tag{cache.KindTag("report")},
	})

	engine, store, _, _ := newEngineFixture(t, rules)

	store.Set("team-view", 1, time.Minute, cache.NewTag("team", "9"))
	store.Set("report-view", 2, time.Minute, cache.KindTag("report"))

	engine.ProcessEvent(context.Background(), NewEvent("edit", "9", SourceUserAction, nil))

	_, ok := store.Get("team-view")
	assert.True(t, ok, "rule with failing condition must be skipped")
	_, ok = store.Get("report-view")
	assert.False(t, ok, "healthy rule still applies")
	assert.Equal(t, int64(1), engine.Metrics().ConditionErrors)
}

// TestConditionPanicIsContained verifies that a panicking predicate is
// converted into a skipped rule rather than crashing event processing.
func TestConditionPanicIsContained(t *testing.T) {
	rules := NewRuleSet()
	rules.Register("edit", Rule{
		Strategy:      StrategyImmediate,
		DependentTags: []cache.Tag{cache.KindTag("team")},
		Condition: func(ctx *Context) (bool, error) {
			panic("boom")
		},
	})

	engine, store, _, _ := newEngineFixture(t, rules)
	store.Set("k", 1, time.Minute, cache.KindTag("team"))

	assert.NotPanics(t, func() {
		engine.ProcessEvent(context.Background(), NewEvent("edit", "", SourceSystem, nil))
	})

	_, ok := store.Get("k")
	assert.True(t, ok)
	assert.Equal(t, int64(1), engine.Metrics().ConditionErrors)
}

// TestBatchedStrategyDefersToProcessor verifies that batched rules enqueue
// instead of clearing inline, and the next processor batch clears them.
func TestBatchedStrategyDefersToProcessor(t *testing.T) {
	engine, store, processor, _ := newEngineFixture(t, DefaultRuleSet())

	store.Set("member-week", 8, time.Minute, cache.NewTag("member", "m1"))

	engine.ProcessEvent(context.Background(), NewEvent(EventMemberScheduleChanged, "m1", SourceUserAction, nil))

	_, ok := store.Get("member-week")
	assert.True(t, ok, "batched strategy must not clear synchronously")

	depth, _, _ := processor.Counters()
	assert.Equal(t, 1, depth)

	processor.processBatch()

	_, ok = store.Get("member-week")
	assert.False(t, ok)
}

// TestReplayedEventIsIdempotent verifies that processing the same event
// twice leaves the cache in the same state as processing it once.
func TestReplayedEventIsIdempotent(t *testing.T) {
	engine, store, processor, _ := newEngineFixture(t, DefaultRuleSet())

	store.Set("member-week", 8, time.Minute, cache.NewTag("member", "m1"))
	store.Set("other", 1, time.Minute, cache.NewTag("member", "m2"))

	event := NewEvent(EventMemberScheduleChanged, "m1", SourceRemoteChange, nil)
	engine.ProcessEvent(context.Background(), event)
	engine.ProcessEvent(context.Background(), event)

	for processor.processBatch() > 0 {
	}

	_, ok := store.Get("member-week")
	assert.False(t, ok)
	_, ok = store.Get("other")
	assert.True(t, ok)
}

func TestExpandTags(t *testing.T) {
	dependent := []cache.Tag{
		cache.KindTag("team"),
		cache.KindTag("schedule"),
		cache.NewTag("report", "weekly"),
	}
	extracted := []cache.Tag{cache.NewTag("team", "5")}

	tags := expandTags(dependent, extracted)

	assert.Equal(t, []cache.Tag{
		cache.NewTag("team", "5"),
		cache.KindTag("schedule"),
		cache.NewTag("report", "weekly"),
	}, tags)
}

func TestMetricsCountsByStrategy(t *testing.T) {
	engine, store, _, _ := newEngineFixture(t, DefaultRuleSet())

	store.Set("a", 1, time.Minute, cache.NewTag("sprint", "s1"))

	engine.ProcessEvent(context.Background(), NewEvent(EventSprintChanged, "s1", SourceRemoteChange, nil))
	engine.ProcessEvent(context.Background(), NewEvent(EventMemberScheduleChanged, "m1", SourceUserAction, nil))

	m := engine.Metrics()
	assert.Equal(t, int64(2), m.TotalEvents)
	assert.Equal(t, int64(1), m.ByStrategy[string(StrategyImmediate)])
	assert.Equal(t, int64(1), m.ByStrategy[string(StrategyBatched)])
	assert.Equal(t, int64(1), m.TotalCleared)
}
