package simulation

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
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
	maxAddressLength = 256
	defaultStartSpan = 50
)

var validate = validator.New()

// ScenarioRequest selects a scenario. A request with a score or flag list
// is a custom scenario; otherwise ID names a built-in one, and an unknown
// or empty ID falls back to the default.
type ScenarioRequest struct {
	ID    string   `json:"id" validate:"max=128"`
	Score *int     `json:"score,omitempty" validate:"omitempty,gte=0,lte=1000"`
	Flags []string `json:"flags,omitempty" validate:"dive,required"`
	Label string   `json:"label,omitempty" validate:"max=128"`
}

// Custom reports whether the request describes its own scenario.
func (r ScenarioRequest) Custom() bool {
	return r.Score != nil || len(r.Flags) > 0
}

// InitializeScenario resets the simulation and starts the requested
// scenario. Invalid requests are rejected before any state changes.
func (e *Engine) InitializeScenario(ctx context.Context, req ScenarioRequest) error {
	if err := validate.Struct(req); err != nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "invalid scenario request").WithCause(err)
	}

	ctx, span := telemetry.StartServiceSpan(ctx, e.tracer, "simulation", "initialize_scenario",
		map[string]interface{}{"scenario.id": req.ID, "scenario.custom": req.Custom()})
	defer span.End()

	if !req.Custom() {
		def, ok := scenario.Lookup(req.ID)
		if !ok {
			if req.ID != "" {
				telemetry.WithTrace(ctx, e.logger).Info("unknown scenario, starting default simulation", zap.String("scenario", req.ID))
			}
			def, _ = scenario.Lookup(scenario.DefaultID)
		}
		err := e.do(ctx, func() { e.startDefinition(def) })
		telemetry.RecordError(span, err)
		return err
	}

	if req.ID == "" {
		return errors.NewValidationError(errors.CodeInvalidInput, "a custom scenario needs an id")
	}
	templates := make([]flag.Template, 0, len(req.Flags))
	for _, name := range req.Flags {
		t, err := e.catalog.Lookup(name)
		if err != nil {
			return err
		}
		templates = append(templates, t)
	}

	err := e.do(ctx, func() {
		start := score.Initial - e.rnd.IntN(defaultStartSpan)
		if req.Score != nil {
			start = *req.Score
		}
		e.startCustom(req.ID, req.Label, start, templates)
	})
	telemetry.RecordError(span, err)
	return err
}

// InitializeWallet derives a custom scenario from a wallet address: the
// score comes from the address hash and the seed flags from its band. It
// returns the scenario id.
func (e *Engine) InitializeWallet(ctx context.Context, address string) (string, error) {
	addr, err := scenario.NormalizeAddress(address)
	if err != nil {
		e.logger.Info("wallet scenario rejected", zap.Error(err))
		return "", err
	}
	if len(addr) > maxAddressLength {
		return "", errors.NewValidationError(errors.CodeInvalidInput,
			fmt.Sprintf("wallet address must be at most %d bytes", maxAddressLength))
	}

	ctx, span := telemetry.StartServiceSpan(ctx, e.tracer, "simulation", "initialize_wallet", nil)
	defer span.End()

	telemetry.WithTrace(ctx, e.logger).Info("analysing wallet and preparing simulation", zap.String("wallet", addr))
	if e.cfg.ScenarioSetupDelay > 0 {
		t := time.NewTimer(e.cfg.ScenarioSetupDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-e.closing:
			return "", errClosed()
		}
	}

	id := scenario.CustomScenarioID(addr)
	span.SetAttributes(attribute.String("scenario.id", id))
	err = e.do(ctx, func() {
		seed := scenario.SeedScore(addr)
		templates := scenario.SeedFlags(seed, e.catalog, e.rnd)
		e.startCustom(id, addr, seed, templates)
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return "", err
	}
	return id, nil
}

// resetScenario cancels everything the previous scenario scheduled and
// clears its state.
func (e *Engine) resetScenario(id string) {
	e.stopScheduler()
	e.cancelStaged()
	e.st.reset()
	e.st.scenarioID = id
	for _, n := range module.Names {
		e.metrics.SetModuleDegraded(string(n), false)
	}
}

// announce records the opening timeline marker for id.
func (e *Engine) announce(id string) {
	if p, ok := scenario.ProductForScenario(id); ok {
		e.st.timeline.Record(audit.TimelineEvent{
			Type:        audit.EventProductMilestone,
			Title:       "DEMO: " + truncate(p.Name, 10),
			Description: "Scenario " + id,
		})
		return
	}
	e.st.timeline.Record(audit.TimelineEvent{
		Type:  audit.EventScenarioStart,
		Title: "SCENARIO: " + truncate(id, 15),
	})
}

// startDefinition runs a built-in scenario on the loop.
func (e *Engine) startDefinition(def scenario.Definition) {
	e.resetScenario(def.ID)
	e.announce(def.ID)

	start := def.Score
	if start == 0 {
		start = score.Initial - e.rnd.IntN(defaultStartSpan)
	}
	e.st.score.Reset(start)
	e.logger.Info("scenario started",
		zap.String("scenario", def.ID),
		zap.String("label", def.Label),
		zap.Int("score", start))

	if def.ID == scenario.DefaultID {
		e.st.timeline.Record(audit.TimelineEvent{
			Type:  audit.EventScenarioStart,
			Title: "Default",
			Data:  &audit.EventData{Value: audit.IntPtr(start)},
		})
	}

	for _, sf := range def.Flags {
		name := sf.Name
		e.after(def.Lead+sf.Delay, func() { e.emitStaged(name, def.ID) })
	}

	if def.Shock != nil {
		shock := *def.Shock
		e.after(shock.Delay, func() {
			c := e.applyScore("scenario", shock.Delta)
			e.logger.Error("critical scenario impact, score severely reduced",
				zap.String("scenario", def.ID), zap.Int("old", c.Old), zap.Int("new", c.New))
			e.st.timeline.Record(audit.TimelineEvent{
				Type:  audit.EventScoreChange,
				Title: shock.Title,
				Data: &audit.EventData{
					ScoreChange: audit.IntPtr(c.Delta()),
					Value:       audit.IntPtr(c.New),
				},
			})
		})
	}

	if p, ok := scenario.ProductForScenario(def.ID); ok {
		e.stageRelatedFlags(p, def.ID)
	}

	e.startScheduler(def.Scripted)
	e.metrics.ScenarioStarted(def.ID)
	e.notify(Notification{Kind: NotifyScenarioStarted, ScenarioID: def.ID})
}

// stageRelatedFlags schedules the product's related flags after the
// scripted ones. Critical flags are left out while the DFC is active, and a
// flag already active under any tag is skipped when its turn comes.
func (e *Engine) stageRelatedFlags(p scenario.Product, id string) {
	for i, name := range p.RelatedFlags {
		t, err := e.catalog.Lookup(name)
		if err != nil {
			continue
		}
		if t.Severity == flag.SeverityCritical && e.st.modules.IsActive(module.FlagOrchestration) {
			continue
		}
		delay := scenario.RelatedFlagsStart + time.Duration(i)*scenario.RelatedFlagsStep
		e.after(delay, func() {
			if e.st.flags.HasName(t.Name) {
				return
			}
			e.emitStaged(t.Name, id)
		})
	}
}

// startCustom runs a caller-described scenario on the loop. Seed flags are
// emitted at once and the random emitter stays off.
func (e *Engine) startCustom(id, label string, start int, templates []flag.Template) {
	e.resetScenario(id)
	e.announce(id)

	e.st.score.Reset(start)
	if label == "" {
		label = "Custom"
	}
	e.logger.Info("custom simulation started",
		zap.String("scenario", id),
		zap.String("label", label),
		zap.Int("score", e.st.score.Current()),
		zap.Int("seed_flags", len(templates)))
	e.st.timeline.Record(audit.TimelineEvent{
		Type:  audit.EventScenarioStart,
		Title: "WALLET: " + truncate(label, 10),
		Data:  &audit.EventData{Value: audit.IntPtr(e.st.score.Current())},
	})

	tag := scenario.ScenarioTag(id)
	for _, t := range templates {
		e.emitFlag(t, tag)
	}

	e.startScheduler(true)
	e.metrics.ScenarioStarted(id)
	e.notify(Notification{Kind: NotifyScenarioStarted, ScenarioID: id})
}
