package audit

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/davidleathers/reputation-simulator/internal/domain/clock"
)

// EventType classifies timeline markers.
type EventType string

const (
	EventScoreChange      EventType = "score_change"
	EventCriticalFlag     EventType = "critical_flag"
	EventBlockDecision    EventType = "block_decision"
	EventModuleToggle     EventType = "module_toggle"
	EventScenarioStart    EventType = "scenario_start"
	EventProductMilestone EventType = "product_milestone"
)

// EventData is the optional structured payload of a timeline event.
type EventData struct {
	ScoreChange *int   `json:"scoreChange,omitempty"`
	FlagName    string `json:"flagName,omitempty"`
	ModuleName  string `json:"moduleName,omitempty"`
	ModuleState string `json:"moduleState,omitempty"`
	Value       *int   `json:"value,omitempty"`
}

// TimelineEvent is a human-readable marker of a notable state transition.
type TimelineEvent struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Type        EventType  `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Data        *EventData `json:"data,omitempty"`
}

// Recorder accepts timeline events. Components that derive events from state
// transitions depend on this rather than on the concrete Timeline.
type Recorder interface {
	Record(e TimelineEvent) TimelineEvent
}

// Timeline keeps events sorted by timestamp ascending, bounded by capacity.
type Timeline struct {
	events   []TimelineEvent
	capacity int
	clock    clock.Clock
	onRecord func(TimelineEvent)
}

// NewTimeline creates an empty timeline.
func NewTimeline(c clock.Clock, capacity int) *Timeline {
	if c == nil {
		c = clock.RealClock{}
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Timeline{clock: c, capacity: capacity}
}

// OnRecord registers a hook invoked after each recorded event.
func (t *Timeline) OnRecord(fn func(TimelineEvent)) {
	t.onRecord = fn
}

// Record stamps e with an id and timestamp when missing, inserts it, re-sorts,
// and evicts the oldest events past capacity.
func (t *Timeline) Record(e TimelineEvent) TimelineEvent {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.clock.Now()
	}

	t.events = append(t.events, e)
	sort.SliceStable(t.events, func(i, j int) bool {
		return t.events[i].Timestamp.Before(t.events[j].Timestamp)
	})
	if over := len(t.events) - t.capacity; over > 0 {
		t.events = append([]TimelineEvent(nil), t.events[over:]...)
	}

	if t.onRecord != nil {
		t.onRecord(e)
	}
	return e
}

// Events returns a copy of the timeline, oldest first.
func (t *Timeline) Events() []TimelineEvent {
	return append([]TimelineEvent(nil), t.events...)
}

func (t *Timeline) Len() int {
	return len(t.events)
}

// Reset drops every event. The timeline is rebuilt for each scenario.
func (t *Timeline) Reset() {
	t.events = nil
}

// IntPtr is a helper for EventData's optional integer fields.
func IntPtr(v int) *int {
	return &v
}
