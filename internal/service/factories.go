package service

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/infrastructure/config"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/repository"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/store"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/telemetry"
	"github.com/davidleathers/reputation-simulator/internal/metrics"
	"github.com/davidleathers/reputation-simulator/internal/service/explanation"
	"github.com/davidleathers/reputation-simulator/internal/service/simulation"
)

// breakerGauge maps circuit states onto the breaker gauge.
var breakerGauge = map[explanation.CircuitState]float64{
	explanation.CircuitClosed:   0,
	explanation.CircuitHalfOpen: 1,
	explanation.CircuitOpen:     2,
}

// Simulator bundles the engine with the resources it owns.
type Simulator struct {
	Engine  *simulation.Engine
	Store   store.KV
	Audit   simulation.AuditRepository
	Metrics *metrics.Registry
	logger  *zap.Logger
}

// Close stops the engine, flushing the decision log, then closes the store.
func (s *Simulator) Close() error {
	var firstErr error
	if err := s.Engine.Close(); err != nil {
		firstErr = err
	}
	if err := s.Store.Close(); err != nil {
		s.logger.Error("failed to close store", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// EngineConfig converts the simulation settings into engine settings.
func EngineConfig(cfg *config.Config) simulation.Config {
	sc := cfg.Simulation
	return simulation.Config{
		DriftInterval:      sc.DriftInterval,
		FlagInterval:       sc.FlagInterval,
		DecisionLatency:    sc.DecisionLatency,
		ScenarioSetupDelay: sc.ScenarioSetupDelay,
		ExplanationTimeout: cfg.Explanation.Timeout,
		SubscriberBuffer:   sc.SubscriberBuffer,
		TimeScale:          sc.TimeScale,
	}
}

// NewSimulator opens the configured store and builds a running engine
// around it. Metrics are registered on reg when it is non-nil.
func NewSimulator(ctx context.Context, cfg *config.Config, reg prometheus.Registerer, logger *zap.Logger) (*Simulator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	kv, err := store.New(&cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s store: %w", cfg.Store.Driver, err)
	}

	var registry *metrics.Registry
	if reg != nil {
		registry, err = metrics.NewRegistry(reg)
		if err != nil {
			kv.Close()
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	resolver := explanation.New(explanation.Options{
		Enabled:        cfg.Explanation.Enabled,
		SimulatedDelay: cfg.Explanation.SimulatedDelay,
		RatePerSecond:  cfg.Explanation.RatePerSecond,
		Burst:          cfg.Explanation.Burst,
		Breaker: explanation.BreakerConfig{
			FailureThreshold: cfg.Explanation.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Explanation.Breaker.SuccessThreshold,
			Timeout:          cfg.Explanation.Breaker.Timeout,
			MaxRequests:      cfg.Explanation.Breaker.MaxRequests,
		},
		OnBreakerChange: func(_, to explanation.CircuitState) {
			registry.SetBreakerState("explanation", breakerGauge[to])
		},
	}, logger)

	repo := repository.NewAuditRepository(kv, cfg.Store.AuditKey)
	deps := simulation.Dependencies{
		Repository: repo,
		Resolver:   resolver,
		Random:     simulation.NewRandom(cfg.Simulation.Seed),
		Tracer:     telemetry.Tracer("simulation"),
	}
	if registry != nil {
		deps.Metrics = registry
	}

	engine := simulation.New(ctx, EngineConfig(cfg), deps, logger)
	logger.Info("simulation engine ready",
		zap.String("store", cfg.Store.Driver),
		zap.Bool("explanations", cfg.Explanation.Enabled),
		zap.Int("restored_decisions", len(engine.AuditLog())))

	return &Simulator{Engine: engine, Store: kv, Audit: repo, Metrics: registry, logger: logger}, nil
}

// Bootstrap starts the scenario the configuration asks for: a wallet when
// one is set, otherwise the named scenario.
func Bootstrap(ctx context.Context, e *simulation.Engine, cfg *config.Config) (string, error) {
	if cfg.Simulation.Wallet != "" {
		return e.InitializeWallet(ctx, cfg.Simulation.Wallet)
	}
	if err := e.InitializeScenario(ctx, simulation.ScenarioRequest{ID: cfg.Simulation.Scenario}); err != nil {
		return "", err
	}
	return e.Snapshot().ScenarioID, nil
}
