// Package invalidation keeps the cache consistent with the remote store. It
// contains the rule engine that maps data-change events to invalidation
// work, and the background processor that drains deferred work in batches.
package invalidation

import (
	"time"

	"github.com/google/uuid"

	"sprintboard-backend/internal/cache"
)

// Trigger classifies what caused an invalidation rule to fire.
type Trigger string

const (
	TriggerDataChange       Trigger = "data_change"
	TriggerTimeBased        Trigger = "time_based"
	TriggerManual           Trigger = "manual"
	TriggerDependencyChange Trigger = "dependency_change"
)

// Scope describes how wide a rule's invalidation reaches.
type Scope string

const (
	ScopeGlobal      Scope = "global"
	ScopeCollection  Scope = "collection"
	ScopeEntity      Scope = "entity"
	ScopeComputation Scope = "computation"
)

// Strategy selects how urgently matching cache entries are cleared.
type Strategy string

const (
	// StrategyImmediate clears entries synchronously inside ProcessEvent.
	StrategyImmediate Strategy = "immediate"
	// StrategyLazy defers clearing to the background processor. There is
	// no soft staleness flag: lazy is deferred immediate.
	StrategyLazy Strategy = "lazy"
	// StrategyBackground enqueues the event for the next processor tick.
	StrategyBackground Strategy = "background"
	// StrategyBatched enqueues the event for coalesced batch processing.
	StrategyBatched Strategy = "batched"
)

// Priority orders rules and gates real-time resync requests.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Source identifies where an invalidation event originated.
type Source string

const (
	SourceRemoteChange   Source = "remote_change"
	SourceUserAction     Source = "user_action"
	SourceSystem         Source = "system"
	SourceBackgroundSync Source = "background_sync"
)

// Event is the transient value object flowing through the engine.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	EntityID  string         `json:"entityId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Source    Source         `json:"source"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType, entityID string, source Source, metadata map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		EntityID:  entityID,
		Metadata:  metadata,
		Timestamp: time.Now(),
		Source:    source,
	}
}

// Context carries the event plus the tags its type-specific extraction
// resolved. Rule conditions evaluate against it.
type Context struct {
	Event Event
	Tags  []cache.Tag
}

// Condition is an optional rule predicate. A failing or panicking condition
// skips only its own rule.
type Condition func(ctx *Context) (bool, error)

// Rule is an immutable invalidation rule registered at process start. Many
// rules may apply to one event type.
type Rule struct {
	Trigger  Trigger
	Scope    Scope
	Strategy Strategy
	Priority Priority

	// DependentTags name the tag dependencies this rule clears. A tag
	// with an empty ID is expanded with the ids extracted from the
	// event; with no matching extraction it is applied as a
	// collection-wide tag.
	DependentTags []cache.Tag

	Condition Condition
}

// TagExtractor resolves the tags affected by one event type, e.g. a team
// event yields {team, <entityId>}.
type TagExtractor func(event Event) []cache.Tag

// EntityTagExtractor returns an extractor producing a single {kind, id} tag
// from the event's entity id, falling back to the bare kind tag when the
// event carries no entity.
func EntityTagExtractor(kind string) TagExtractor {
	return func(event Event) []cache.Tag {
		if event.EntityID == "" {
			return []cache.Tag{cache.KindTag(kind)}
		}
		return []cache.Tag{cache.NewTag(kind, event.EntityID)}
	}
}

// Scheduling-domain event types. The engine itself is agnostic; these
// constants and DefaultRuleSet wire the dashboard's known change feeds.
const (
	EventTeamChanged           = "team_changed"
	EventMemberScheduleChanged = "member_schedule_changed"
	EventSprintChanged         = "sprint_changed"
	EventSettingsChanged       = "settings_changed"
)

// RuleSet couples the rule table with its per-event-type tag extractors.
type RuleSet struct {
	Rules      map[string][]Rule
	Extractors map[string]TagExtractor
}

// NewRuleSet returns an empty rule set.
func NewRuleSet() *RuleSet {
	return &RuleSet{
		Rules:      make(map[string][]Rule),
		Extractors: make(map[string]TagExtractor),
	}
}

// Register adds a rule for an event type.
func (rs *RuleSet) Register(eventType string, rule Rule) *RuleSet {
	rs.Rules[eventType] = append(rs.Rules[eventType], rule)
	return rs
}

// RegisterExtractor sets the tag extraction for an event type.
func (rs *RuleSet) RegisterExtractor(eventType string, extractor TagExtractor) *RuleSet {
	rs.Extractors[eventType] = extractor
	return rs
}

// DefaultRuleSet returns the rule table for the scheduling dashboard.
//
// Team and sprint changes are user-visible within one render, so they clear
// synchronously and, at high priority, request a feed resync. Per-member
// schedule edits arrive in bursts during planning and are batched. Settings
// rarely change but affect every computed view.
func DefaultRuleSet() *RuleSet {
	rs := NewRuleSet()

	rs.RegisterExtractor(EventTeamChanged, EntityTagExtractor("team"))
	rs.RegisterExtractor(EventMemberScheduleChanged, EntityTagExtractor("member"))
	rs.RegisterExtractor(EventSprintChanged, EntityTagExtractor("sprint"))
	rs.RegisterExtractor(EventSettingsChanged, EntityTagExtractor("settings"))

	rs.Register(EventTeamChanged, Rule{
		Trigger:       TriggerDataChange,
		Scope:         ScopeEntity,
		Strategy:      StrategyImmediate,
		Priority:      PriorityHigh,
		DependentTags: []cache.Tag{cache.KindTag("team"), cache.KindTag("schedule")},
	})
	rs.Register(EventMemberScheduleChanged, Rule{
		Trigger:       TriggerDataChange,
		Scope:         ScopeEntity,
		Strategy:      StrategyBatched,
		Priority:      PriorityMedium,
		DependentTags: []cache.Tag{cache.KindTag("member"), cache.KindTag("schedule")},
	})
	rs.Register(EventSprintChanged, Rule{
		Trigger:       TriggerDataChange,
		Scope:         ScopeEntity,
		Strategy:      StrategyImmediate,
		Priority:      PriorityCritical,
		DependentTags: []cache.Tag{cache.KindTag("sprint"), cache.KindTag("schedule")},
	})
	rs.Register(EventSettingsChanged, Rule{
		Trigger:       TriggerDependencyChange,
		Scope:         ScopeGlobal,
		Strategy:      StrategyBackground,
		Priority:      PriorityLow,
		DependentTags: []cache.Tag{cache.KindTag("settings"), cache.KindTag("schedule"), cache.KindTag("report")},
	})

	return rs
}
