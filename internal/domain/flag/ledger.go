package flag

import (
	"time"

	"github.com/google/uuid"
)

// Flag is a template instance currently in effect. Only Explanation changes
// after creation.
type Flag struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Weight      int       `json:"weight"`
	Severity    Severity  `json:"severity"`
	Explanation string    `json:"explanation"`
	CreatedAt   time.Time `json:"createdAt"`
	ScenarioTag string    `json:"scenarioTag,omitempty"`
}

// New instantiates t with the given effective weight.
func New(t Template, weight int, tag, explanation string, now time.Time) Flag {
	return Flag{
		ID:          uuid.New().String(),
		Name:        t.Name,
		Weight:      weight,
		Severity:    t.Severity,
		Explanation: explanation,
		CreatedAt:   now,
		ScenarioTag: tag,
	}
}

// Ledger is the set of active flags, newest first. It is not safe for
// concurrent use; the simulation loop owns it.
type Ledger struct {
	flags []Flag
}

func NewLedger() *Ledger {
	return &Ledger{}
}

// Contains reports whether a flag with the same template name and scenario
// tag is active.
func (l *Ledger) Contains(name, tag string) bool {
	for _, f := range l.flags {
		if f.Name == name && f.ScenarioTag == tag {
			return true
		}
	}
	return false
}

// HasName reports whether any active flag was created from the named template.
func (l *Ledger) HasName(name string) bool {
	for _, f := range l.flags {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Add places f at the front of the ledger.
func (l *Ledger) Add(f Flag) {
	l.flags = append([]Flag{f}, l.flags...)
}

// Explain replaces the explanation of the flag with the given id. It returns
// false when the flag is no longer active.
func (l *Ledger) Explain(id, text string) bool {
	for i := range l.flags {
		if l.flags[i].ID == id {
			l.flags[i].Explanation = text
			return true
		}
	}
	return false
}

// Get returns the active flag with the given id.
func (l *Ledger) Get(id string) (Flag, bool) {
	for _, f := range l.flags {
		if f.ID == id {
			return f, true
		}
	}
	return Flag{}, false
}

// Active returns a copy of the active flags, newest first.
func (l *Ledger) Active() []Flag {
	return append([]Flag(nil), l.flags...)
}

func (l *Ledger) Len() int {
	return len(l.flags)
}

// Reset clears every active flag.
func (l *Ledger) Reset() {
	l.flags = nil
}
