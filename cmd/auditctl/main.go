package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/config"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/repository"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/store"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/telemetry"
	"github.com/davidleathers/reputation-simulator/internal/service/simulation"
)

// Command-line flags
var (
	configPath = flag.String("config", "", "Path to configuration file")
	mode       = flag.String("mode", "show", "Operation mode: show, export, stats, clear")
	limit      = flag.Int("limit", 0, "Show at most this many entries (0 for all)")
	dryRun     = flag.Bool("dry-run", false, "Report what clear would remove without removing it")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	kv, err := store.New(&cfg.Store, logger)
	if err != nil {
		logger.Fatal("Failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer kv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	repo := repository.NewAuditRepository(kv, cfg.Store.AuditKey)
	if err := execute(ctx, *mode, repo, os.Stdout, logger); err != nil {
		logger.Fatal("Operation failed", zap.String("mode", *mode), zap.Error(err))
	}
	logger.Info("Operation completed successfully", zap.String("mode", *mode))
}

func execute(ctx context.Context, mode string, repo simulation.AuditRepository, out io.Writer, logger *zap.Logger) error {
	switch mode {
	case "show":
		return runShow(ctx, repo, out)
	case "export":
		return runExport(ctx, repo, out)
	case "stats":
		return runStats(ctx, repo, out)
	case "clear":
		return runClear(ctx, repo, logger)
	default:
		return fmt.Errorf("unknown mode: %s", mode)
	}
}

// runShow prints the decision log, most recent first.
func runShow(ctx context.Context, repo simulation.AuditRepository, out io.Writer) error {
	entries, err := repo.Load(ctx)
	if err != nil {
		return err
	}
	if *limit > 0 && len(entries) > *limit {
		entries = entries[:*limit]
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s  %-9s %4d -> %4d  %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Decision, e.ScoreBefore, e.ScoreAfter, e.Details)
	}
	return nil
}

// runExport writes the stored document as indented JSON.
func runExport(ctx context.Context, repo simulation.AuditRepository, out io.Writer) error {
	entries, err := repo.Load(ctx)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(entries)
}

// runStats summarises decisions by kind and their net score effect.
func runStats(ctx context.Context, repo simulation.AuditRepository, out io.Writer) error {
	entries, err := repo.Load(ctx)
	if err != nil {
		return err
	}

	counts := make(map[audit.Decision]int)
	net := make(map[audit.Decision]int)
	for _, e := range entries {
		counts[e.Decision]++
		net[e.Decision] += e.Delta()
	}

	fmt.Fprintf(out, "entries: %d\n", len(entries))
	for _, d := range []audit.Decision{audit.DecisionAuthorize, audit.DecisionReview, audit.DecisionBlock} {
		fmt.Fprintf(out, "  %-9s %3d  net %+d\n", d, counts[d], net[d])
	}
	return nil
}

// runClear removes the stored decision log.
func runClear(ctx context.Context, repo simulation.AuditRepository, logger *zap.Logger) error {
	entries, err := repo.Load(ctx)
	if err != nil {
		return err
	}
	if *dryRun {
		logger.Info("DRY RUN: would clear audit log", zap.Int("entries", len(entries)))
		return nil
	}
	if err := repo.Clear(ctx); err != nil {
		return fmt.Errorf("clear failed: %w", err)
	}
	logger.Info("audit log cleared", zap.Int("entries", len(entries)))
	return nil
}
