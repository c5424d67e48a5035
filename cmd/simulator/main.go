package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/infrastructure/config"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/telemetry"
	"github.com/davidleathers/reputation-simulator/internal/service"
	"github.com/davidleathers/reputation-simulator/internal/service/simulation"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to configuration file")
		scenario   = flag.String("scenario", "", "Scenario to start (overrides simulation.scenario)")
		wallet     = flag.String("wallet", "", "Wallet address to analyse (overrides simulation.wallet)")
		console    = flag.Bool("console", false, "Read operator commands from stdin")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *scenario != "" {
		cfg.Simulation.Scenario = *scenario
		cfg.Simulation.Wallet = ""
	}
	if *wallet != "" {
		cfg.Simulation.Wallet = *wallet
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *console, logger); err != nil {
		logger.Error("simulator failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, console bool, logger *zap.Logger) error {
	logger.Info("starting reputation simulator",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment))

	provider, err := telemetry.InitializeTracing(ctx, &telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Enabled:        cfg.Telemetry.Enabled,
		SamplingRate:   cfg.Telemetry.SamplingRate,
		ExportTimeout:  cfg.Telemetry.ExportTimeout,
		BatchTimeout:   cfg.Telemetry.BatchTimeout,
	})
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down tracing", zap.Error(err))
		}
	}()

	var reg prometheus.Registerer
	if cfg.Metrics.Address != "" {
		reg = prometheus.DefaultRegisterer
	}
	sim, err := service.NewSimulator(ctx, cfg, reg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := sim.Close(); err != nil {
			logger.Error("failed to close simulator", zap.Error(err))
		}
	}()

	if cfg.Metrics.Address != "" {
		srv := startMetricsServer(cfg.Metrics.Address, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	notifications, cancel := sim.Engine.Subscribe(cfg.Simulation.SubscriberBuffer)
	defer cancel()
	go logNotifications(notifications, logger.Named("events"))

	id, err := service.Bootstrap(ctx, sim.Engine, cfg)
	if err != nil {
		return fmt.Errorf("starting scenario: %w", err)
	}
	logger.Info("simulation running", zap.String("scenario", id))

	if console {
		go runConsole(ctx, os.Stdin, os.Stdout, sim.Engine, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down gracefully")
	return nil
}

// logNotifications writes engine notifications to the log until the
// subscription is closed.
func logNotifications(ch <-chan simulation.Notification, logger *zap.Logger) {
	for n := range ch {
		fields := []zap.Field{zap.String("kind", string(n.Kind))}
		switch n.Kind {
		case simulation.NotifyScoreChanged:
			fields = append(fields,
				zap.String("source", n.Source),
				zap.Int("old", n.Change.Old),
				zap.Int("new", n.Change.New))
		case simulation.NotifyFlagAdded, simulation.NotifyFlagExplained:
			fields = append(fields,
				zap.String("flag", n.Flag.Name),
				zap.String("severity", string(n.Flag.Severity)))
			if n.Kind == simulation.NotifyFlagExplained {
				fields = append(fields, zap.String("explanation", n.Flag.Explanation))
			}
		case simulation.NotifyDecisionCommitted:
			fields = append(fields,
				zap.String("decision", string(n.Entry.Decision)),
				zap.Int("score_before", n.Entry.ScoreBefore),
				zap.Int("score_after", n.Entry.ScoreAfter))
		case simulation.NotifyModuleToggled:
			fields = append(fields,
				zap.String("module", string(n.Module)),
				zap.String("state", string(n.ModuleState)))
		case simulation.NotifyTimelineEvent:
			fields = append(fields,
				zap.String("type", string(n.Event.Type)),
				zap.String("title", n.Event.Title))
		case simulation.NotifyScenarioStarted:
			fields = append(fields, zap.String("scenario", n.ScenarioID))
		}
		logger.Debug("notification", fields...)
	}
}
