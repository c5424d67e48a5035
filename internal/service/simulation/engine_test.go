package simulation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
	"github.com/davidleathers/reputation-simulator/internal/domain/module"
	"github.com/davidleathers/reputation-simulator/internal/domain/score"
	"github.com/davidleathers/reputation-simulator/internal/service/explanation"
)

func TestEngine_InitialState(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})

	assert.Equal(t, score.Initial, e.Score())
	assert.Equal(t, []int{score.Initial}, e.ScoreHistory())
	assert.Empty(t, e.ActiveFlags())
	assert.Empty(t, e.AuditLog())
	assert.Nil(t, e.LastBlockImpact())
	for _, state := range e.Modules() {
		assert.Equal(t, module.StateActive, state)
	}
	kpis := e.KPIs()
	assert.Equal(t, score.InitialReliability, kpis.ReliabilityIndex)
	assert.Equal(t, score.InitialLatencyMs, kpis.AvgLatencyMs)
	assert.False(t, e.Snapshot().Running)
}

func TestEngine_VeritasScenario(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "veritas_trusted_wallet_contested"}))
	assert.Equal(t, 920, e.Score())
	assert.Empty(t, e.ActiveFlags(), "flags wait for the lead delay")

	timeline := e.Timeline()
	require.NotEmpty(t, timeline)
	assert.Equal(t, audit.EventProductMilestone, timeline[0].Type)
	assert.Equal(t, "DEMO: Veritas Pr", timeline[0].Title)

	require.Eventually(t, func() bool { return len(e.ActiveFlags()) == 3 }, waitFor, tick)
	// Let every related-product timer fire as well.
	time.Sleep(200 * time.Millisecond)

	flags := e.ActiveFlags()
	assert.ElementsMatch(t, []string{
		"Mixer Usage Detected",
		"Funds from Known Hack",
		"Smart Contract Vulnerability Detected",
	}, flagNames(flags))
	for _, f := range flags {
		assert.Equal(t, "veritas_trusted_wallet_contested", f.ScenarioTag)
		assert.Equal(t, explanation.Placeholder(false), f.Explanation)
	}
	assert.Equal(t, 920-70-100-95, e.Score())

	snap := e.Snapshot()
	assert.True(t, snap.Running)
	assert.True(t, snap.Scripted)
	assert.Equal(t, "veritas_trusted_wallet_contested", snap.ScenarioID)
}

func TestEngine_UnknownScenarioFallsBackToDefault(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})

	require.NoError(t, e.InitializeScenario(context.Background(), ScenarioRequest{ID: "no_such_scenario"}))

	snap := e.Snapshot()
	assert.Equal(t, "default_start", snap.ScenarioID)
	assert.Equal(t, 950, snap.Score)
	assert.False(t, snap.Scripted, "the default scenario runs the random emitter")

	var titles []string
	for _, ev := range snap.Timeline {
		titles = append(titles, ev.Title)
	}
	assert.Contains(t, titles, "Default")

	require.Eventually(t, func() bool { return len(e.ActiveFlags()) == 2 }, waitFor, tick)
	assert.ElementsMatch(t, []string{"High Volume Anomaly", "Anomalous System Access"}, flagNames(e.ActiveFlags()))
}

func TestEngine_SybilShock(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})

	require.NoError(t, e.InitializeScenario(context.Background(), ScenarioRequest{ID: "sybil_attack_detected"}))
	assert.Equal(t, 600, e.Score())

	require.Eventually(t, func() bool { return e.Score() == 100 }, waitFor, tick)

	var shock *audit.TimelineEvent
	for _, ev := range e.Timeline() {
		if ev.Title == "Sybil Attack" {
			ev := ev
			shock = &ev
		}
	}
	require.NotNil(t, shock)
	assert.Equal(t, audit.EventScoreChange, shock.Type)
	require.NotNil(t, shock.Data)
	assert.Equal(t, -300, *shock.Data.ScoreChange)
	assert.Equal(t, 100, *shock.Data.Value)
}

func TestEngine_CustomScenario(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	err := e.InitializeScenario(ctx, ScenarioRequest{
		ID:    "manual_case",
		Score: intPtr(500),
		Flags: []string{"Mixer Usage Detected", "Low Activity Wallet"},
		Label: "Case 42",
	})
	require.NoError(t, err)

	flags := e.ActiveFlags()
	require.Len(t, flags, 2, "seed flags are emitted synchronously")
	assert.Equal(t, "Low Activity Wallet", flags[0].Name, "newest first")
	for _, f := range flags {
		assert.Equal(t, "custom_scenario_manual_case", f.ScenarioTag)
	}
	assert.Equal(t, 500-70-5, e.Score())
	assert.True(t, e.Snapshot().Scripted)

	var wallet *audit.TimelineEvent
	for _, ev := range e.Timeline() {
		if ev.Title == "WALLET: Case 42" {
			ev := ev
			wallet = &ev
		}
	}
	require.NotNil(t, wallet)
	assert.Equal(t, 500, *wallet.Data.Value)
}

func TestEngine_InvalidScenarioRequestsChangeNothing(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()
	before := e.Snapshot()

	tests := []struct {
		name string
		req  ScenarioRequest
		code string
	}{
		{"unknown flag", ScenarioRequest{ID: "x", Flags: []string{"Not A Flag"}}, errors.CodeUnknownFlag},
		{"score out of range", ScenarioRequest{ID: "x", Score: intPtr(1001)}, errors.CodeInvalidInput},
		{"custom without id", ScenarioRequest{Score: intPtr(500)}, errors.CodeInvalidInput},
		{"blank flag name", ScenarioRequest{ID: "x", Flags: []string{""}}, errors.CodeInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.InitializeScenario(ctx, tt.req)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
			assert.True(t, errors.HasCode(err, tt.code))
		})
	}
	assert.Equal(t, before.Score, e.Score())
	assert.Equal(t, before.ScenarioID, e.Snapshot().ScenarioID)
}

func TestEngine_InitializeWallet(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	id, err := e.InitializeWallet(ctx, "  0xABC123  ")
	require.NoError(t, err)
	assert.Equal(t, "custom_wallet_0xABC123", id)

	flags := e.ActiveFlags()
	require.Len(t, flags, 3, "a seed of 318 starts with one critical and two high flags")
	severities := map[flag.Severity]int{}
	weights := 0
	for _, f := range flags {
		severities[f.Severity]++
		weights += f.Weight
		assert.Equal(t, "custom_scenario_custom_wallet_0xABC123", f.ScenarioTag)
	}
	assert.Equal(t, map[flag.Severity]int{flag.SeverityCritical: 1, flag.SeverityHigh: 2}, severities)
	assert.Equal(t, score.Clamp(318+weights), e.Score())

	var seeded bool
	for _, ev := range e.Timeline() {
		if ev.Title == "WALLET: 0xABC123" && ev.Data != nil && *ev.Data.Value == 318 {
			seeded = true
		}
	}
	assert.True(t, seeded)
}

func TestEngine_InitializeWallet_RejectsEmptyAddress(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})

	_, err := e.InitializeWallet(context.Background(), "   ")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeEmptyWallet))
	assert.Equal(t, "", e.Snapshot().ScenarioID)
}

func TestEngine_InitializeWallet_SetupDelayHonoursContext(t *testing.T) {
	cfg := testConfig()
	cfg.ScenarioSetupDelay = time.Hour
	e := newTestEngine(t, cfg, Dependencies{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.InitializeWallet(ctx, "wallet-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEngine_DuplicateFlags(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()
	tpl := mustTemplate(t, e, "Velocity Anomaly")

	var first, second bool
	onLoop(t, e, func() {
		_, first = e.emitFlag(tpl, "tag")
		_, second = e.emitFlag(tpl, "tag")
	})
	assert.True(t, first)
	assert.False(t, second, "same name and tag is refused while validation is active")
	assert.Len(t, e.ActiveFlags(), 1)
	assert.Equal(t, 950+tpl.Weight, e.Score())
	assert.Len(t, e.ScoreHistory(), 2, "the refused flag does not touch the score")

	var other bool
	onLoop(t, e, func() { _, other = e.emitFlag(tpl, "other-tag") })
	assert.True(t, other, "a different tag is not a duplicate")

	_, err := e.ToggleModule(ctx, "Sherlock Validator")
	require.NoError(t, err)
	var dup bool
	onLoop(t, e, func() { _, dup = e.emitFlag(tpl, "tag") })
	assert.True(t, dup, "degraded validation disables deduplication")
	assert.Len(t, e.ActiveFlags(), 3)
}

func TestEngine_DegradedCoreAttenuatesFlagWeight(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{Random: fixedRandom{}})
	ctx := context.Background()
	tpl := mustTemplate(t, e, "Funds from Known Hack")

	_, err := e.ToggleModule(ctx, "ScoreLab Core")
	require.NoError(t, err)

	var f flag.Flag
	onLoop(t, e, func() { f, _ = e.emitFlag(tpl, "") })
	assert.Equal(t, score.Round(float64(tpl.Weight)*0.5), f.Weight)
	assert.Equal(t, 950+f.Weight, e.Score())
}

func TestEngine_CriticalFlagRecordsTimelineEvent(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	tpl := mustTemplate(t, e, "Sanctioned Address Interaction")

	onLoop(t, e, func() { e.emitFlag(tpl, "") })

	var found bool
	for _, ev := range e.Timeline() {
		if ev.Type == audit.EventCriticalFlag {
			found = true
			assert.Equal(t, "FLAG: Sanctioned A!", ev.Title)
			assert.Equal(t, tpl.Name, ev.Data.FlagName)
		}
	}
	assert.True(t, found)
	assert.Equal(t, 800, e.Score())
}

func TestEngine_BlockDecisionRetainsImpact(t *testing.T) {
	repo := &memoryRepository{}
	e := newTestEngine(t, testConfig(), Dependencies{Repository: repo})
	ctx := context.Background()

	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{
		ID:    "impact",
		Score: intPtr(900),
		Flags: []string{"Mixer Usage Detected", "Funds from Known Hack", "Malware Signature Detected", "Low Activity Wallet"},
	}))
	severe := map[string]bool{}
	for _, f := range e.ActiveFlags() {
		if f.Severity.IsSevere() {
			severe[f.ID] = true
		}
	}
	require.Len(t, severe, 3)

	entry, err := e.SubmitDecision(ctx, "block")
	require.NoError(t, err)
	assert.Equal(t, audit.DecisionBlock, entry.Decision)
	assert.LessOrEqual(t, entry.ScoreAfter, entry.ScoreBefore)
	assert.Equal(t, "Manual decision: block. Impact analysed with 3 contributing flag(s).", entry.Details)

	log := e.AuditLog()
	require.Len(t, log, 1)
	assert.Equal(t, entry.ID, log[0].ID)

	impact := e.LastBlockImpact()
	require.NotNil(t, impact)
	require.Len(t, impact.Flags, 3)
	for _, f := range impact.Flags {
		assert.True(t, severe[f.ID])
	}
	assert.Equal(t, entry.ScoreBefore, impact.ScoreBefore)
	assert.Equal(t, entry.ScoreAfter, impact.ScoreAfter)
	assert.Equal(t, 10*time.Millisecond, impact.Latency)
	assert.NotEmpty(t, impact.RelevantModules)
	assert.Contains(t, impact.Summary, "modules such as")

	var blockEvent bool
	for _, ev := range e.Timeline() {
		if ev.Type == audit.EventBlockDecision {
			blockEvent = true
			assert.Equal(t, fmt.Sprintf("Score before: %d, after: %d", entry.ScoreBefore, entry.ScoreAfter), ev.Description)
		}
	}
	assert.True(t, blockEvent)

	_, err = e.SubmitDecision(ctx, "authorize")
	require.NoError(t, err)
	assert.Nil(t, e.LastBlockImpact(), "a new decision cycle clears the retained context")
	assert.Len(t, e.AuditLog(), 2)

	require.Eventually(t, func() bool { return repo.saveCount() == 2 }, waitFor, tick)
}

func TestEngine_BlockImpactFallsBackToRecentFlags(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{
		ID:    "mild",
		Score: intPtr(900),
		Flags: []string{"Low Activity Wallet", "High Volume Anomaly", "Velocity Anomaly"},
	}))

	_, err := e.SubmitDecision(ctx, "block")
	require.NoError(t, err)

	impact := e.LastBlockImpact()
	require.NotNil(t, impact)
	assert.Equal(t, []string{"Velocity Anomaly", "High Volume Anomaly"}, flagNames(impact.Flags))
	assert.Equal(t, []string{"ScoreLab Core", "Dynamic Flag Council (DFC)"}, impact.RelevantModules)
}

func TestEngine_BlockFloorProtection(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "low", Score: intPtr(250)}))
	entry, err := e.SubmitDecision(ctx, "block")
	require.NoError(t, err)
	assert.Equal(t, 250, entry.ScoreBefore)
	assert.Equal(t, 250, entry.ScoreAfter)
}

func TestEngine_DecisionTexts(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()
	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "texts", Score: intPtr(600)}))

	review, err := e.SubmitDecision(ctx, "review")
	require.NoError(t, err)
	assert.Equal(t, "Manual decision: review. Item flagged for detailed manual review.", review.Details)

	auth, err := e.SubmitDecision(ctx, "AUTHORIZE")
	require.NoError(t, err)
	assert.Equal(t, "Manual decision: authorize.", auth.Details)
	assert.GreaterOrEqual(t, auth.ScoreAfter-auth.ScoreBefore, 5)

	_, err = e.ToggleModule(ctx, "ScoreLab Core")
	require.NoError(t, err)
	degraded, err := e.SubmitDecision(ctx, "authorize")
	require.NoError(t, err)
	assert.Equal(t, "Manual decision: authorize. (ScoreLab Core DEGRADED: authorization effect reduced)", degraded.Details)

	log := e.AuditLog()
	require.Len(t, log, 3)
	assert.Equal(t, []audit.Decision{audit.DecisionAuthorize, audit.DecisionAuthorize, audit.DecisionReview},
		[]audit.Decision{log[0].Decision, log[1].Decision, log[2].Decision})
}

func TestEngine_DecisionWhileBusyIsRejected(t *testing.T) {
	cfg := testConfig()
	cfg.DecisionLatency = 300 * time.Millisecond
	e := newTestEngine(t, cfg, Dependencies{})
	ctx := context.Background()
	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "busy", Score: intPtr(800)}))

	done := make(chan error, 1)
	go func() {
		_, err := e.SubmitDecision(ctx, "review")
		done <- err
	}()
	require.Eventually(t, func() bool { return e.Snapshot().Busy }, waitFor, tick)

	_, err := e.SubmitDecision(ctx, "block")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeDecisionInProgress))
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))

	require.NoError(t, <-done)
	assert.Len(t, e.AuditLog(), 1, "the rejected decision leaves no entry")
	assert.False(t, e.Snapshot().Busy)
}

func TestEngine_DecisionWhenIdleIsRejected(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})

	_, err := e.SubmitDecision(context.Background(), "authorize")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeSimulationIdle))
	assert.Empty(t, e.AuditLog())
}

func TestEngine_UnknownDecision(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})

	_, err := e.SubmitDecision(context.Background(), "escalate")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUnknownDecision))
}

func TestEngine_ToggleModule(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	state, err := e.ToggleModule(ctx, "Dynamic Flag Council (DFC)")
	require.NoError(t, err)
	assert.Equal(t, module.StateDegraded, state)
	assert.Equal(t, module.StateDegraded, e.Modules()[module.FlagOrchestration])

	state, err = e.ToggleModule(ctx, "Dynamic Flag Council (DFC)")
	require.NoError(t, err)
	assert.Equal(t, module.StateActive, state)
	assert.Equal(t, module.StateActive, e.Modules()[module.FlagOrchestration])

	var toggles []string
	for _, ev := range e.Timeline() {
		if ev.Type == audit.EventModuleToggle {
			toggles = append(toggles, ev.Data.ModuleState)
		}
	}
	assert.Equal(t, []string{"degraded", "active"}, toggles)

	_, err = e.ToggleModule(ctx, "Flux Capacitor")
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.CodeUnknownModule))
	assert.Len(t, e.Timeline(), 2)
}

func TestEngine_ScenarioResetClearsState(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "a", Score: intPtr(800), Flags: []string{"Mixer Usage Detected"}}))
	_, err := e.ToggleModule(ctx, "Anomaly Detector")
	require.NoError(t, err)
	_, err = e.SubmitDecision(ctx, "block")
	require.NoError(t, err)
	require.NotNil(t, e.LastBlockImpact())

	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "veritas_trusted_wallet_contested"}))
	assert.Empty(t, e.ActiveFlags())
	assert.Nil(t, e.LastBlockImpact())
	assert.Equal(t, module.StateActive, e.Modules()[module.AnomalyDetection])
	assert.Len(t, e.Timeline(), 1, "only the new scenario marker remains")
	assert.Len(t, e.AuditLog(), 1, "the decision log survives scenario changes")
	assert.Equal(t, []int{920}, e.ScoreHistory())
}

func TestEngine_StaleStagedFlagsAreDiscarded(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ctx := context.Background()

	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "veritas_trusted_wallet_contested"}))
	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "quiet", Score: intPtr(700)}))

	time.Sleep(200 * time.Millisecond)
	assert.Empty(t, e.ActiveFlags())
	assert.Equal(t, 700, e.Score())
}

func TestEngine_DriftClampsAtBounds(t *testing.T) {
	cfg := testConfig()
	cfg.DriftInterval = 5 * time.Millisecond

	t.Run("ceiling", func(t *testing.T) {
		e := newTestEngine(t, cfg, Dependencies{Random: fixedRandom{max: true}})
		require.NoError(t, e.InitializeScenario(context.Background(), ScenarioRequest{ID: "top", Score: intPtr(1000)}))
		require.Eventually(t, func() bool { return len(e.ScoreHistory()) >= 4 }, waitFor, tick)
		for _, v := range e.ScoreHistory() {
			assert.Equal(t, 1000, v)
		}
	})

	t.Run("floor", func(t *testing.T) {
		e := newTestEngine(t, cfg, Dependencies{Random: fixedRandom{}})
		require.NoError(t, e.InitializeScenario(context.Background(), ScenarioRequest{ID: "bottom", Score: intPtr(0)}))
		require.Eventually(t, func() bool { return len(e.ScoreHistory()) >= 4 }, waitFor, tick)
		for _, v := range e.ScoreHistory() {
			assert.Equal(t, 0, v)
		}
	})
}

func TestEngine_DriftWalksKPIs(t *testing.T) {
	cfg := testConfig()
	cfg.DriftInterval = 5 * time.Millisecond
	e := newTestEngine(t, cfg, Dependencies{Random: fixedRandom{max: true}})

	require.NoError(t, e.InitializeScenario(context.Background(), ScenarioRequest{ID: "kpi", Score: intPtr(500)}))
	require.Eventually(t, func() bool {
		return e.KPIs().ReliabilityIndex > score.InitialReliability
	}, waitFor, tick)
	kpis := e.KPIs()
	assert.LessOrEqual(t, kpis.ReliabilityIndex, score.MaxReliability)
	assert.LessOrEqual(t, kpis.AvgLatencyMs, score.MaxLatencyMs)
}

func TestEngine_FlagEmitterRespectsCap(t *testing.T) {
	cfg := testConfig()
	cfg.FlagInterval = 2 * time.Millisecond
	e := newTestEngine(t, cfg, Dependencies{})
	ctx := context.Background()

	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "default_start"}))
	require.Eventually(t, func() bool { return len(e.ActiveFlags()) >= FlagCap }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	flags := e.ActiveFlags()
	assert.LessOrEqual(t, len(flags), FlagCap+2, "scripted default flags may land after the cap is reached")
	for _, f := range flags {
		if f.ScenarioTag == "" {
			assert.NotEqual(t, flag.SeverityCritical, f.Severity)
		}
	}
}

func TestEngine_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.DriftInterval = 5 * time.Millisecond
	e := newTestEngine(t, cfg, Dependencies{})
	ctx := context.Background()

	require.NoError(t, e.Stop(ctx), "stopping a stopped engine is a no-op")
	require.NoError(t, e.Start(ctx))
	assert.True(t, e.Snapshot().Running)
	require.Eventually(t, func() bool { return len(e.ScoreHistory()) > 2 }, waitFor, tick)

	require.NoError(t, e.Stop(ctx))
	require.NoError(t, e.Stop(ctx))
	assert.False(t, e.Snapshot().Running)

	n := len(e.ScoreHistory())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, len(e.ScoreHistory()), "no drift after stop")
}

func TestEngine_AuditLogSurvivesRestart(t *testing.T) {
	repo := &memoryRepository{}
	ctx := context.Background()

	e := New(ctx, testConfig(), Dependencies{Repository: repo, Random: NewRandom(1)}, nil)
	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "persist", Score: intPtr(650)}))
	for _, d := range []string{"authorize", "review", "block"} {
		_, err := e.SubmitDecision(ctx, d)
		require.NoError(t, err)
	}
	want := e.AuditLog()
	require.NoError(t, e.Close())

	restarted := newTestEngine(t, testConfig(), Dependencies{Repository: repo})
	got := restarted.AuditLog()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].ID, got[i].ID)
		assert.Equal(t, want[i].Decision, got[i].Decision)
		assert.Equal(t, want[i].ScoreBefore, got[i].ScoreBefore)
		assert.Equal(t, want[i].ScoreAfter, got[i].ScoreAfter)
		assert.Equal(t, want[i].Timestamp.UnixMilli(), got[i].Timestamp.UnixMilli())
	}
}

func TestEngine_AuditLogIsCapped(t *testing.T) {
	repo := &memoryRepository{}
	cfg := testConfig()
	cfg.DecisionLatency = 0
	e := newTestEngine(t, cfg, Dependencies{Repository: repo})
	ctx := context.Background()
	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "cap", Score: intPtr(500)}))

	for i := 0; i < audit.DefaultCapacity+5; i++ {
		_, err := e.SubmitDecision(ctx, "review")
		require.NoError(t, err)
	}
	assert.Len(t, e.AuditLog(), audit.DefaultCapacity)
	require.NoError(t, e.Close())
	assert.Len(t, repo.entries, audit.DefaultCapacity)
}

func TestEngine_PersistenceFailuresAreNotFatal(t *testing.T) {
	repo := &mockRepository{}
	repo.On("Load", mock.Anything).Return(nil, fmt.Errorf("store offline"))
	repo.On("Save", mock.Anything, mock.Anything).Return(fmt.Errorf("store offline"))

	e := newTestEngine(t, testConfig(), Dependencies{Repository: repo})
	ctx := context.Background()
	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "offline", Score: intPtr(500)}))

	entry, err := e.SubmitDecision(ctx, "review")
	require.NoError(t, err)
	assert.Len(t, e.AuditLog(), 1)
	assert.Equal(t, entry.ID, e.AuditLog()[0].ID)

	require.NoError(t, e.Close())
	repo.AssertCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestEngine_ExplanationIsPatchedAsync(t *testing.T) {
	resolver := explanation.ResolverFunc(func(_ context.Context, req explanation.Request) (string, error) {
		return "explained: " + req.FlagName, nil
	})
	e := newTestEngine(t, testConfig(), Dependencies{Resolver: resolver})
	tpl := mustTemplate(t, e, "Velocity Anomaly")

	var f flag.Flag
	onLoop(t, e, func() { f, _ = e.emitFlag(tpl, "") })
	assert.Equal(t, explanation.Loading, f.Explanation)

	require.Eventually(t, func() bool {
		flags := e.ActiveFlags()
		return len(flags) == 1 && flags[0].Explanation == "explained: Velocity Anomaly"
	}, waitFor, tick)
}

func TestEngine_ExplanationFailureUsesFailureText(t *testing.T) {
	resolver := explanation.ResolverFunc(func(context.Context, explanation.Request) (string, error) {
		return "", fmt.Errorf("upstream unavailable")
	})
	e := newTestEngine(t, testConfig(), Dependencies{Resolver: resolver})
	tpl := mustTemplate(t, e, "Velocity Anomaly")

	onLoop(t, e, func() { e.emitFlag(tpl, "") })
	require.Eventually(t, func() bool {
		flags := e.ActiveFlags()
		return len(flags) == 1 && flags[0].Explanation == explanation.Failure
	}, waitFor, tick)
	assert.Equal(t, 950+tpl.Weight, e.Score(), "failures never touch the score")
}

func TestEngine_ExplanationForRemovedFlagIsDiscarded(t *testing.T) {
	release := make(chan struct{})
	resolver := explanation.ResolverFunc(func(ctx context.Context, req explanation.Request) (string, error) {
		if req.FlagName != "Velocity Anomaly" {
			return "fresh", nil
		}
		select {
		case <-release:
			return "late", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})
	e := newTestEngine(t, testConfig(), Dependencies{Resolver: resolver})
	ctx := context.Background()
	tpl := mustTemplate(t, e, "Velocity Anomaly")

	var stale flag.Flag
	onLoop(t, e, func() { stale, _ = e.emitFlag(tpl, "") })
	require.NoError(t, e.InitializeScenario(ctx, ScenarioRequest{ID: "fresh", Score: intPtr(800), Flags: []string{"Low Activity Wallet"}}))
	close(release)

	require.Eventually(t, func() bool {
		flags := e.ActiveFlags()
		return len(flags) == 1 && flags[0].Explanation == "fresh"
	}, waitFor, tick)
	time.Sleep(50 * time.Millisecond)

	flags := e.ActiveFlags()
	require.Len(t, flags, 1)
	assert.Equal(t, "Low Activity Wallet", flags[0].Name)
	assert.NotEqual(t, stale.ID, flags[0].ID)
	assert.Equal(t, "fresh", flags[0].Explanation)
}

func TestEngine_LimitedContextPlaceholder(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	tpl := mustTemplate(t, e, "Velocity Anomaly")

	_, err := e.ToggleModule(context.Background(), "Dynamic Flag Council (DFC)")
	require.NoError(t, err)

	var f flag.Flag
	onLoop(t, e, func() { f, _ = e.emitFlag(tpl, "") })
	assert.Equal(t, explanation.Placeholder(true), f.Explanation)
}

func TestEngine_Subscribe(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	ch, cancel := e.Subscribe(16)
	defer cancel()

	_, err := e.ToggleModule(context.Background(), "Anomaly Detector")
	require.NoError(t, err)

	kinds := map[NotificationKind]bool{}
	timeout := time.After(waitFor)
	for !kinds[NotifyModuleToggled] || !kinds[NotifyTimelineEvent] {
		select {
		case n := <-ch:
			kinds[n.Kind] = true
			if n.Kind == NotifyModuleToggled {
				assert.Equal(t, module.AnomalyDetection, n.Module)
				assert.Equal(t, module.StateDegraded, n.ModuleState)
			}
		case <-timeout:
			t.Fatal("notifications not delivered")
		}
	}
}

func TestEngine_SlowSubscriberDoesNotBlock(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})
	_, cancel := e.Subscribe(1)
	defer cancel()

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		_, err := e.ToggleModule(ctx, "Anomaly Detector")
		require.NoError(t, err)
	}
	assert.Equal(t, module.StateActive, e.Modules()[module.AnomalyDetection])
}

func TestEngine_Close(t *testing.T) {
	e := New(context.Background(), testConfig(), Dependencies{}, nil)
	ch, _ := e.Subscribe(1)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	_, open := <-ch
	assert.False(t, open, "subscriptions are closed")

	_, err := e.ToggleModule(context.Background(), "Anomaly Detector")
	assert.True(t, errors.HasCode(err, errors.CodeEngineClosed))
	assert.Equal(t, score.Initial, e.Score(), "queries still answer from the last snapshot")
}

func TestEngine_ZeroConfigUsesDefaults(t *testing.T) {
	e := newTestEngine(t, Config{DecisionLatency: -time.Second}, Dependencies{})

	def := DefaultConfig()
	assert.Equal(t, def.DriftInterval, e.cfg.DriftInterval)
	assert.Equal(t, def.FlagInterval, e.cfg.FlagInterval)
	assert.Equal(t, def.ExplanationTimeout, e.cfg.ExplanationTimeout)
	assert.Equal(t, def.SubscriberBuffer, e.cfg.SubscriberBuffer)
	assert.Equal(t, 1.0, e.cfg.TimeScale)
	assert.Zero(t, e.cfg.DecisionLatency)

	require.NoError(t, e.InitializeScenario(context.Background(), ScenarioRequest{ID: "default_start"}))
	require.Eventually(t, func() bool { return e.Snapshot().Running }, waitFor, tick)

	ch, cancel := e.Subscribe(0)
	defer cancel()
	assert.Equal(t, def.SubscriberBuffer, cap(ch))
}

func TestEngine_AbandonedCommandDoesNotMutate(t *testing.T) {
	e := newTestEngine(t, testConfig(), Dependencies{})

	release := make(chan struct{})
	require.True(t, e.post(func() { <-release }))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := e.ToggleModule(ctx, "ScoreLab Core")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	onLoop(t, e, func() {})

	assert.Equal(t, module.StateActive, e.Modules()[module.ScoringCore])
	assert.Empty(t, e.Timeline())

	state, err := e.ToggleModule(context.Background(), "ScoreLab Core")
	require.NoError(t, err)
	assert.Equal(t, module.StateDegraded, state, "a retried toggle applies once")
}

func TestEngine_TraceCorrelation(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	core, logs := observer.New(zap.DebugLevel)
	resolver := explanation.ResolverFunc(func(ctx context.Context, req explanation.Request) (string, error) {
		return "ok", nil
	})

	e := New(context.Background(), testConfig(), Dependencies{
		Random:   NewRandom(42),
		Resolver: resolver,
		Tracer:   tp.Tracer("simulation"),
	}, zap.New(core))
	t.Cleanup(func() { e.Close() })

	_, err := e.SubmitDecision(context.Background(), "review")
	require.True(t, errors.HasCode(err, errors.CodeSimulationIdle))

	rejected := logs.FilterMessage("decision rejected").All()
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].ContextMap(), "trace_id")

	require.NoError(t, e.InitializeScenario(context.Background(), ScenarioRequest{
		ID: "traced", Score: intPtr(800), Flags: []string{"Mixer Usage Detected"},
	}))
	require.Eventually(t, func() bool {
		for _, s := range recorder.Ended() {
			if s.Name() == "simulation.explain_flag" {
				return len(s.Events()) == 1 && s.Events()[0].Name == "explanation.resolved"
			}
		}
		return false
	}, waitFor, tick)
}
