package simulation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
	"github.com/davidleathers/reputation-simulator/internal/domain/module"
	"github.com/davidleathers/reputation-simulator/internal/domain/score"
)

// NotificationKind identifies what changed.
type NotificationKind string

const (
	NotifyScoreChanged      NotificationKind = "score_changed"
	NotifyFlagAdded         NotificationKind = "flag_added"
	NotifyFlagExplained     NotificationKind = "flag_explained"
	NotifyDecisionCommitted NotificationKind = "decision_committed"
	NotifyModuleToggled     NotificationKind = "module_toggled"
	NotifyTimelineEvent     NotificationKind = "timeline_event"
	NotifyScenarioStarted   NotificationKind = "scenario_started"
)

// Notification is pushed to subscribers after each state change. Only the
// fields relevant to Kind are set.
type Notification struct {
	Kind NotificationKind
	Time time.Time

	Change      *score.Change
	Source      string
	Flag        *flag.Flag
	Entry       *audit.Entry
	Event       *audit.TimelineEvent
	Module      module.Name
	ModuleState module.State
	ScenarioID  string
}

// hub fans notifications out to subscribers. A subscriber whose buffer is
// full misses the notification; the loop never waits on a reader.
type hub struct {
	mu      sync.Mutex
	subs    map[uint64]chan Notification
	next    uint64
	closed  bool
	dropped uint64
	logger  *zap.Logger
}

func newHub(logger *zap.Logger) *hub {
	return &hub{subs: make(map[uint64]chan Notification), logger: logger}
}

func (h *hub) subscribe(buffer int) (<-chan Notification, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Notification, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.next
	h.next++
	h.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

func (h *hub) publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.dropped++
			if h.dropped%100 == 1 {
				h.logger.Debug("subscriber too slow, dropping notifications",
					zap.String("kind", string(n.Kind)),
					zap.Uint64("dropped_total", h.dropped))
			}
		}
	}
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
