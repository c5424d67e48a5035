package audit

import (
	"time"

	"github.com/google/uuid"
)

// DefaultCapacity bounds both the decision log and the timeline.
const DefaultCapacity = 50

// Entry is an immutable record of one committed decision.
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Decision    Decision  `json:"decision"`
	ScoreBefore int       `json:"scoreBefore"`
	ScoreAfter  int       `json:"scoreAfter"`
	Details     string    `json:"details"`
}

// NewEntry builds an entry stamped at now. Timestamps are kept at millisecond
// resolution so they survive persistence unchanged.
func NewEntry(now time.Time, decision Decision, before, after int, details string) Entry {
	return Entry{
		ID:          uuid.New().String(),
		Timestamp:   now.UTC().Truncate(time.Millisecond),
		Decision:    decision,
		ScoreBefore: before,
		ScoreAfter:  after,
		Details:     details,
	}
}

// Delta is the score movement caused by the decision.
func (e Entry) Delta() int {
	return e.ScoreAfter - e.ScoreBefore
}

// Log is the prepend-only decision history, most recent first.
type Log struct {
	entries  []Entry
	capacity int
}

// NewLog creates a log holding at most capacity entries.
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{capacity: capacity}
}

// Prepend records e as the most recent entry, evicting the oldest past capacity.
func (l *Log) Prepend(e Entry) {
	l.entries = append([]Entry{e}, l.entries...)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
}

// Restore replaces the log with previously persisted entries, which must
// already be ordered most recent first.
func (l *Log) Restore(entries []Entry) {
	if len(entries) > l.capacity {
		entries = entries[:l.capacity]
	}
	l.entries = append([]Entry(nil), entries...)
}

// Entries returns a copy of the log, most recent first.
func (l *Log) Entries() []Entry {
	return append([]Entry(nil), l.entries...)
}

func (l *Log) Len() int {
	return len(l.entries)
}
