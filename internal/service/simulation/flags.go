package simulation

import (
	"context"
	"fmt"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
	"github.com/davidleathers/reputation-simulator/internal/domain/module"
	"github.com/davidleathers/reputation-simulator/internal/domain/score"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/telemetry"
	"github.com/davidleathers/reputation-simulator/internal/service/explanation"
)

// Explanation outcomes reported to metrics.
const (
	outcomeGenerated   = "generated"
	outcomeFailed      = "failed"
	outcomePlaceholder = "placeholder"
)

// applyScore is the single path through which the score changes.
func (e *Engine) applyScore(source string, delta int) score.Change {
	c := e.st.score.ApplyDelta(delta)
	e.metrics.ScoreChanged(source)

	e.logger.Debug("score changed",
		zap.String("source", source),
		zap.Int("old", c.Old),
		zap.Int("new", c.New),
		zap.Int("delta", c.Delta()))
	if c.IsLargeDrop() {
		e.logger.Warn("significant score drop",
			zap.String("source", source),
			zap.Int("old", c.Old),
			zap.Int("new", c.New))
	}

	e.notify(Notification{Kind: NotifyScoreChanged, Change: &c, Source: source})
	return c
}

// emitFlag instantiates t under tag and applies its weight. It returns false
// when the flag is refused as a duplicate.
func (e *Engine) emitFlag(t flag.Template, tag string) (flag.Flag, bool) {
	if e.st.flags.Contains(t.Name, tag) && e.st.modules.IsActive(module.Validation) {
		e.logger.Debug("duplicate flag suppressed", zap.String("flag", t.Name), zap.String("tag", tag))
		return flag.Flag{}, false
	}

	weight := t.Weight
	if e.st.modules.IsDegraded(module.ScoringCore) {
		weight = score.Round(float64(weight) * (0.5 + e.rnd.Float64()*0.5))
		e.logger.Warn("ScoreLab Core degraded: flag impact may be imprecise",
			zap.String("flag", t.Name), zap.Int("base_weight", t.Weight), zap.Int("effective_weight", weight))
	}

	limited := e.st.modules.IsDegraded(module.FlagOrchestration)
	text := explanation.Loading
	if e.resolver == nil {
		text = explanation.Placeholder(limited)
	}

	f := flag.New(t, weight, tag, text, e.clock.Now())
	e.st.flags.Add(f)
	c := e.applyScore("flag", weight)

	if t.Severity == flag.SeverityCritical {
		e.st.timeline.Record(audit.TimelineEvent{
			Type:  audit.EventCriticalFlag,
			Title: fmt.Sprintf("FLAG: %s!", truncate(t.Name, 12)),
			Data:  &audit.EventData{FlagName: t.Name},
		})
	}

	fields := []zap.Field{
		zap.String("flag", t.Name),
		zap.String("severity", string(t.Severity)),
		zap.Int("effective_weight", weight),
		zap.Int("score", c.New),
	}
	if t.Severity.IsSevere() {
		e.logger.Warn("new flag", fields...)
	} else {
		e.logger.Info("new flag", fields...)
	}
	e.metrics.FlagEmitted(string(t.Severity))
	e.notify(Notification{Kind: NotifyFlagAdded, Flag: &f})

	if e.resolver == nil {
		e.metrics.ExplanationResolved(outcomePlaceholder)
	} else {
		e.resolveExplanation(explanation.NewRequest(f, t, limited))
	}
	return f, true
}

// emitStaged emits a scenario flag by name unless the same name and tag is
// already active.
func (e *Engine) emitStaged(name, tag string) {
	t, err := e.catalog.Lookup(name)
	if err != nil {
		e.logger.Warn("scenario flag not in catalog", zap.String("flag", name))
		return
	}
	if e.st.flags.Contains(t.Name, tag) {
		return
	}
	e.emitFlag(t, tag)
}

// resolveExplanation asks the resolver off the loop and patches the flag by
// id when the answer arrives. A flag removed in the meantime is left alone.
func (e *Engine) resolveExplanation(req explanation.Request) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()

		ctx, cancel := context.WithTimeout(e.baseCtx, e.cfg.ExplanationTimeout)
		defer cancel()
		ctx, span := e.tracer.Start(ctx, "simulation.explain_flag")
		defer span.End()

		text, err := e.resolver.Explain(ctx, req)
		outcome := outcomeGenerated
		if err != nil {
			span.RecordError(err)
			if e.baseCtx.Err() != nil {
				return
			}
			e.logger.Warn("failed to generate flag explanation",
				zap.String("flag", req.FlagName), zap.String("flag_id", req.FlagID), zap.Error(err))
			text, outcome = explanation.Failure, outcomeFailed
		}
		e.metrics.ExplanationResolved(outcome)
		telemetry.AddEvent(span, "explanation.resolved",
			attribute.String("flag.id", req.FlagID), attribute.String("outcome", outcome))

		e.post(func() {
			if !e.st.flags.Explain(req.FlagID, text) {
				e.logger.Debug("explanation discarded, flag no longer active", zap.String("flag_id", req.FlagID))
				return
			}
			f, _ := e.st.flags.Get(req.FlagID)
			e.notify(Notification{Kind: NotifyFlagExplained, Flag: &f})
		})
	}()
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
