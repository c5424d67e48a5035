package simulation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
	"github.com/davidleathers/reputation-simulator/internal/domain/module"
	"github.com/davidleathers/reputation-simulator/internal/domain/scenario"
	"github.com/davidleathers/reputation-simulator/internal/domain/score"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/telemetry"
)

const (
	authorizeLowThreshold = 700
	blockFloor            = 300
	fallbackContributors  = 2
)

// BlockImpact is the rationale retained from the latest block decision.
type BlockImpact struct {
	Flags           []flag.Flag   `json:"flags"`
	ScoreBefore     int           `json:"scoreBefore"`
	ScoreAfter      int           `json:"scoreAfter"`
	Latency         time.Duration `json:"latency"`
	RelevantModules []string      `json:"relevantModules"`
	Summary         string        `json:"summary"`
	DecidedAt       time.Time     `json:"decidedAt"`
}

// SubmitDecision applies an operator decision and returns its audit entry.
// It is rejected at once while another decision is in flight, or when the
// simulation is idle with nothing to decide on. The call waits for the
// processing latency. A ctx that ends once the decision has begun stops the
// wait but not the decision.
func (e *Engine) SubmitDecision(ctx context.Context, kind string) (audit.Entry, error) {
	d, err := audit.ParseDecision(kind)
	if err != nil {
		return audit.Entry{}, err
	}

	ctx, span := telemetry.StartServiceSpan(ctx, e.tracer, "simulation", "submit_decision",
		map[string]interface{}{"decision": string(d)})
	defer span.End()

	result := make(chan audit.Entry, 1)
	var rejected error
	if err := e.do(ctx, func() { rejected = e.beginDecision(d, result) }); err != nil {
		telemetry.RecordError(span, err)
		return audit.Entry{}, err
	}
	if rejected != nil {
		telemetry.RecordError(span, rejected)
		telemetry.WithTrace(ctx, e.logger).Info("decision rejected",
			zap.String("decision", string(d)), zap.Error(rejected))
		return audit.Entry{}, rejected
	}

	select {
	case entry := <-result:
		span.SetAttributes(
			attribute.Int("score.before", entry.ScoreBefore),
			attribute.Int("score.after", entry.ScoreAfter))
		telemetry.WithTrace(ctx, e.logger).Debug("decision completed",
			zap.String("decision", string(d)), zap.Int("delta", entry.Delta()))
		return entry, nil
	case <-ctx.Done():
		return audit.Entry{}, ctx.Err()
	case <-e.loopDone:
		return audit.Entry{}, errClosed()
	}
}

// beginDecision runs on the loop. It claims the in-flight guard and
// schedules the commit after the processing latency.
func (e *Engine) beginDecision(d audit.Decision, result chan<- audit.Entry) error {
	if e.st.busy {
		e.metrics.DecisionRejected(errors.CodeDecisionInProgress)
		return errors.NewConflictError(errors.CodeDecisionInProgress, "a decision is already being processed")
	}
	if !e.sched.running && e.st.flags.Len() == 0 {
		e.metrics.DecisionRejected(errors.CodeSimulationIdle)
		return errors.NewBusinessError(errors.CodeSimulationIdle, "start a simulation before submitting decisions")
	}

	e.st.busy = true
	e.st.blockImpact = nil
	started := e.clock.Now()
	e.logger.Info("processing decision", zap.String("decision", string(d)))

	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if e.cfg.DecisionLatency > 0 {
			t := time.NewTimer(e.cfg.DecisionLatency)
			defer t.Stop()
			select {
			case <-t.C:
			case <-e.closing:
				return
			}
		}
		e.post(func() {
			result <- e.commitDecision(d, started)
		})
	}()
	return nil
}

// commitDecision runs on the loop and produces exactly one audit entry.
func (e *Engine) commitDecision(d audit.Decision, started time.Time) audit.Entry {
	coreDegraded := e.st.modules.IsDegraded(module.ScoringCore)
	before := e.st.score.Current()

	var delta int
	switch d {
	case audit.DecisionAuthorize:
		delta = AuthorizeDelta(e.rnd, before, coreDegraded)
	case audit.DecisionBlock:
		delta = BlockDelta(e.rnd, before)
	case audit.DecisionReview:
		delta = ReviewDelta(e.rnd)
	}
	c := e.applyScore("decision", delta)

	details := fmt.Sprintf("Manual decision: %s.", d)
	switch d {
	case audit.DecisionAuthorize:
		if coreDegraded {
			details += " (ScoreLab Core DEGRADED: authorization effect reduced)"
		}
	case audit.DecisionReview:
		details += " Item flagged for detailed manual review."
	case audit.DecisionBlock:
		impact := e.blockImpact(c)
		e.st.blockImpact = &impact
		details = fmt.Sprintf("Manual decision: block. Impact analysed with %d contributing flag(s).", len(impact.Flags))
		e.st.timeline.Record(audit.TimelineEvent{
			Type:        audit.EventBlockDecision,
			Title:       "BLOCK",
			Description: fmt.Sprintf("Score before: %d, after: %d", c.Old, c.New),
		})
	}

	entry := audit.NewEntry(e.clock.Now(), d, c.Old, c.New, details)
	e.st.audit.Prepend(entry)
	if e.repo != nil {
		e.persistCh <- e.st.audit.Entries()
	}
	e.st.busy = false

	took := e.clock.Now().Sub(started)
	e.metrics.DecisionApplied(string(d), took)
	e.logger.Info("decision committed",
		zap.String("decision", string(d)),
		zap.Int("score_before", c.Old),
		zap.Int("score_after", c.New),
		zap.Duration("took", took))
	e.notify(Notification{Kind: NotifyDecisionCommitted, Entry: &entry})
	return entry
}

// blockImpact builds the retained context for a block that moved the score
// as described by c. Contributing flags are the critical and high ones, or
// the most recent two when none qualify.
func (e *Engine) blockImpact(c score.Change) BlockImpact {
	active := e.st.flags.Active()

	var contributing []flag.Flag
	for _, f := range active {
		if f.Severity.IsSevere() {
			contributing = append(contributing, f)
		}
	}
	if len(contributing) == 0 {
		n := min(fallbackContributors, len(active))
		contributing = append(contributing, active[:n]...)
	}

	source := contributing
	if len(source) == 0 {
		source = active
	}
	modules := scenario.RelevantModules(source)

	return BlockImpact{
		Flags:           contributing,
		ScoreBefore:     c.Old,
		ScoreAfter:      c.New,
		Latency:         e.cfg.DecisionLatency,
		RelevantModules: modules,
		Summary:         scenario.DescribeModules(modules),
		DecidedAt:       e.clock.Now(),
	}
}

// AuthorizeDelta is [5, 19] below a score of 700 and [0, 4] otherwise,
// halved when the scoring core is degraded.
func AuthorizeDelta(r Random, current int, coreDegraded bool) int {
	var delta int
	if current < authorizeLowThreshold {
		delta = r.IntN(15) + 5
	} else {
		delta = r.IntN(5)
	}
	if coreDegraded {
		delta = score.Round(float64(delta) * 0.5)
	}
	return delta
}

// BlockDelta is -[2, 11] above a score of 300 and zero at or below it.
func BlockDelta(r Random, current int) int {
	if current <= blockFloor {
		return 0
	}
	return -(r.IntN(10) + 2)
}

// ReviewDelta is uniform in [-3, 2].
func ReviewDelta(r Random) int {
	return r.IntN(6) - 3
}
