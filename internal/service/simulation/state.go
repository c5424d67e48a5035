package simulation

import (
	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/domain/clock"
	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
	"github.com/davidleathers/reputation-simulator/internal/domain/module"
	"github.com/davidleathers/reputation-simulator/internal/domain/score"
)

// state is the single simulation aggregate. Only the loop goroutine reads
// or writes it.
type state struct {
	score    *score.Ledger
	kpi      *score.Indicators
	flags    *flag.Ledger
	modules  *module.Registry
	audit    *audit.Log
	timeline *audit.Timeline

	blockImpact *BlockImpact
	busy        bool
	scenarioID  string
}

func newState(c clock.Clock) *state {
	timeline := audit.NewTimeline(c, audit.DefaultCapacity)
	return &state{
		score:    score.NewLedger(timeline),
		kpi:      score.NewIndicators(),
		flags:    flag.NewLedger(),
		modules:  module.NewRegistry(timeline),
		audit:    audit.NewLog(audit.DefaultCapacity),
		timeline: timeline,
	}
}

// Snapshot is an immutable copy of the engine state.
type Snapshot struct {
	Score       int                          `json:"score"`
	History     []int                        `json:"history"`
	KPIs        score.KPIs                   `json:"kpis"`
	Flags       []flag.Flag                  `json:"flags"`
	Modules     map[module.Name]module.State `json:"modules"`
	AuditLog    []audit.Entry                `json:"auditLog"`
	Timeline    []audit.TimelineEvent        `json:"timeline"`
	BlockImpact *BlockImpact                 `json:"blockImpact,omitempty"`
	ScenarioID  string                       `json:"scenarioId"`
	Running     bool                         `json:"running"`
	Scripted    bool                         `json:"scripted"`
	Busy        bool                         `json:"busy"`
}

func (s *state) snapshot(running, scripted bool) *Snapshot {
	snap := &Snapshot{
		Score:      s.score.Current(),
		History:    s.score.History(),
		KPIs:       s.kpi.Snapshot(s.score),
		Flags:      s.flags.Active(),
		Modules:    s.modules.States(),
		AuditLog:   s.audit.Entries(),
		Timeline:   s.timeline.Events(),
		ScenarioID: s.scenarioID,
		Running:    running,
		Scripted:   scripted,
		Busy:       s.busy,
	}
	if s.blockImpact != nil {
		b := *s.blockImpact
		snap.BlockImpact = &b
	}
	return snap
}

// reset clears everything a scenario owns. The decision log and the KPI
// walk survive.
func (s *state) reset() {
	s.flags.Reset()
	s.modules.Reset()
	s.timeline.Reset()
	s.blockImpact = nil
}
