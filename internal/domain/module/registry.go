package module

import (
	"fmt"
	"strings"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
)

// Name identifies a toggleable subsystem.
type Name string

const (
	ScoringCore       Name = "ScoreLab Core"
	FlagOrchestration Name = "Dynamic Flag Council (DFC)"
	Validation        Name = "Sherlock Validator"
	AnomalyDetection  Name = "Anomaly Detector"
)

// Names lists the toggleable modules in display order.
var Names = []Name{ScoringCore, FlagOrchestration, AnomalyDetection, Validation}

// Description is a short operator-facing summary of each module.
var Description = map[Name]string{
	ScoringCore:       "Central reputation and scoring engine.",
	FlagOrchestration: "Orchestrates and validates risk flags.",
	AnomalyDetection:  "Detects abnormal behaviour.",
	Validation:        "Deduplicates flags before they reach the ledger.",
}

var aliases = map[string]Name{
	"scorelab core":              ScoringCore,
	"scorelab_core":              ScoringCore,
	"scoring_core":               ScoringCore,
	"scoring core":               ScoringCore,
	"dynamic flag council (dfc)": FlagOrchestration,
	"dynamic flag council":       FlagOrchestration,
	"dfc":                        FlagOrchestration,
	"flag_orchestration":         FlagOrchestration,
	"orchestration":              FlagOrchestration,
	"sherlock validator":         Validation,
	"sherlock_validator":         Validation,
	"validation":                 Validation,
	"anomaly detector":           AnomalyDetection,
	"anomaly_detector":           AnomalyDetection,
	"anomaly_detection":          AnomalyDetection,
}

// Parse resolves an operator-supplied module name or alias.
func Parse(s string) (Name, error) {
	if n, ok := aliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return n, nil
	}
	return "", errors.NewValidationError(errors.CodeUnknownModule,
		fmt.Sprintf("unknown module %q", s)).
		WithDetails(map[string]interface{}{"module": s})
}

// State is the health of a module.
type State string

const (
	StateActive   State = "active"
	StateDegraded State = "degraded"
)

// Registry tracks which modules are degraded. A module absent from the
// degraded set is active.
type Registry struct {
	degraded map[Name]bool
	recorder audit.Recorder
}

// NewRegistry creates a registry with every module active. Toggle events are
// sent to recorder when it is non-nil.
func NewRegistry(recorder audit.Recorder) *Registry {
	return &Registry{degraded: make(map[Name]bool), recorder: recorder}
}

func (r *Registry) IsActive(n Name) bool {
	return !r.degraded[n]
}

func (r *Registry) IsDegraded(n Name) bool {
	return r.degraded[n]
}

// Toggle flips the module between active and degraded and returns the new state.
func (r *Registry) Toggle(n Name) State {
	state := StateDegraded
	arrow := "▼"
	if r.degraded[n] {
		delete(r.degraded, n)
		state, arrow = StateActive, "▲"
	} else {
		r.degraded[n] = true
	}

	if r.recorder != nil {
		r.recorder.Record(audit.TimelineEvent{
			Type:  audit.EventModuleToggle,
			Title: fmt.Sprintf("MOD: %s %s", truncate(string(n), 10), arrow),
			Data: &audit.EventData{
				ModuleName:  string(n),
				ModuleState: string(state),
			},
		})
	}
	return state
}

// States returns the state of every known module.
func (r *Registry) States() map[Name]State {
	out := make(map[Name]State, len(Names))
	for _, n := range Names {
		out[n] = StateActive
		if r.degraded[n] {
			out[n] = StateDegraded
		}
	}
	return out
}

// Degraded returns the degraded modules in display order.
func (r *Registry) Degraded() []Name {
	var out []Name
	for _, n := range Names {
		if r.degraded[n] {
			out = append(out, n)
		}
	}
	return out
}

// Reset restores every module to active without recording events.
func (r *Registry) Reset() {
	r.degraded = make(map[Name]bool)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
