package simulation

import (
	"context"
	"time"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
)

// AuditRepository defines the interface for decision log storage
type AuditRepository interface {
	// Load returns the persisted entries, most recent first
	Load(ctx context.Context) ([]audit.Entry, error)
	// Save replaces the persisted entries
	Save(ctx context.Context, entries []audit.Entry) error
	// Clear removes every persisted entry
	Clear(ctx context.Context) error
}

// MetricsCollector defines the interface for collecting simulation metrics
type MetricsCollector interface {
	SetScore(score int, reliability, latencyMs float64)
	ScoreChanged(source string)
	SetActiveFlags(n int)
	FlagEmitted(severity string)
	DecisionApplied(decision string, took time.Duration)
	DecisionRejected(code string)
	SetModuleDegraded(module string, degraded bool)
	ScenarioStarted(id string)
	ExplanationResolved(outcome string)
}

// Random is the source of every random draw the engine makes.
type Random interface {
	// IntN returns a value in [0, n).
	IntN(n int) int
	// Float64 returns a value in [0, 1).
	Float64() float64
}

type nopMetrics struct{}

func (nopMetrics) SetScore(int, float64, float64)        {}
func (nopMetrics) ScoreChanged(string)                   {}
func (nopMetrics) SetActiveFlags(int)                    {}
func (nopMetrics) FlagEmitted(string)                    {}
func (nopMetrics) DecisionApplied(string, time.Duration) {}
func (nopMetrics) DecisionRejected(string)               {}
func (nopMetrics) SetModuleDegraded(string, bool)        {}
func (nopMetrics) ScenarioStarted(string)                {}
func (nopMetrics) ExplanationResolved(string)            {}
