package score

import (
	"fmt"
	"math"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
)

const (
	Min             = 0
	Max             = 1000
	Initial         = 950
	HistoryCapacity = 30

	// SignificantChange is the absolute delta at which a score_change
	// timeline event is recorded.
	SignificantChange = 75
	// LargeDrop is the decrease above which the change is alerted on.
	LargeDrop = 50
)

// Clamp bounds v to [Min, Max].
func Clamp(v int) int {
	if v < Min {
		return Min
	}
	if v > Max {
		return Max
	}
	return v
}

// Round rounds half towards positive infinity, so -2.5 becomes -2 and 2.5
// becomes 3.
func Round(v float64) int {
	return int(math.Floor(v + 0.5))
}

// Change describes one applied mutation.
type Change struct {
	Old int
	New int
}

func (c Change) Delta() int {
	return c.New - c.Old
}

// Significant reports whether the change crossed the timeline threshold.
func (c Change) Significant() bool {
	d := c.Delta()
	if d < 0 {
		d = -d
	}
	return d >= SignificantChange
}

// IsLargeDrop reports a decrease of more than LargeDrop points.
func (c Change) IsLargeDrop() bool {
	return c.Old-c.New > LargeDrop
}

// Ledger owns the current score and its rolling history.
type Ledger struct {
	current  int
	history  []int
	recorder audit.Recorder
}

// NewLedger creates a ledger at the initial score. Significant changes are
// sent to recorder when it is non-nil.
func NewLedger(recorder audit.Recorder) *Ledger {
	l := &Ledger{recorder: recorder}
	l.Reset(Initial)
	return l
}

// ApplyDelta adds delta, clamps the result and appends it to the history.
func (l *Ledger) ApplyDelta(delta int) Change {
	c := Change{Old: l.current, New: Clamp(l.current + delta)}
	l.current = c.New
	l.push(c.New)

	if c.Significant() && l.recorder != nil {
		arrow := "▼"
		if c.New > c.Old {
			arrow = "▲"
		}
		l.recorder.Record(audit.TimelineEvent{
			Type:        audit.EventScoreChange,
			Title:       "SCORE " + arrow,
			Description: fmt.Sprintf("Score went from %d to %d.", c.Old, c.New),
			Data: &audit.EventData{
				ScoreChange: audit.IntPtr(c.Delta()),
				Value:       audit.IntPtr(c.New),
			},
		})
	}
	return c
}

// Reset sets the score to value and restarts the history from it.
func (l *Ledger) Reset(value int) {
	l.current = Clamp(value)
	l.history = []int{l.current}
}

func (l *Ledger) Current() int {
	return l.current
}

// History returns the recorded scores, oldest first.
func (l *Ledger) History() []int {
	return append([]int(nil), l.history...)
}

// Average is the mean of the history, or the current score when empty.
func (l *Ledger) Average() float64 {
	if len(l.history) == 0 {
		return float64(l.current)
	}
	sum := 0
	for _, v := range l.history {
		sum += v
	}
	return float64(sum) / float64(len(l.history))
}

func (l *Ledger) push(v int) {
	l.history = append(l.history, v)
	if over := len(l.history) - HistoryCapacity; over > 0 {
		l.history = append([]int(nil), l.history[over:]...)
	}
}
