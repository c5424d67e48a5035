package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/domain/module"
	"github.com/davidleathers/reputation-simulator/internal/domain/scenario"
	"github.com/davidleathers/reputation-simulator/internal/service/simulation"
)

const consoleHelp = `commands:
  status                     score, KPIs and module states
  flags                      active flags, newest first
  audit                      decision log, newest first
  timeline                   timeline events, oldest first
  impact                     context of the last block decision
  scenarios                  built-in scenario ids
  scenario <id>              start a built-in scenario
  wallet <address>           start a wallet scenario
  authorize | review | block submit a decision
  toggle <module>            degrade or restore a module
  start | stop               control background scheduling
  help`

// runConsole reads operator commands line by line until in is exhausted or
// ctx is done.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, e *simulation.Engine, logger *zap.Logger) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if err := execute(ctx, scanner.Text(), out, e); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("console input closed", zap.Error(err))
	}
}

// execute runs a single console command.
func execute(ctx context.Context, line string, out io.Writer, e *simulation.Engine) error {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(cmd) {
	case "":
		return nil
	case "help", "?":
		fmt.Fprintln(out, consoleHelp)
	case "status":
		printStatus(out, e.Snapshot())
	case "flags":
		for _, f := range e.ActiveFlags() {
			fmt.Fprintf(out, "%-9s %5d  %s  %s\n", f.Severity, f.Weight, f.Name, f.Explanation)
		}
	case "audit":
		for _, a := range e.AuditLog() {
			fmt.Fprintf(out, "%s  %-9s %4d -> %4d  %s\n",
				a.Timestamp.Format("15:04:05"), a.Decision, a.ScoreBefore, a.ScoreAfter, a.Details)
		}
	case "timeline":
		for _, ev := range e.Timeline() {
			fmt.Fprintf(out, "%s  %-17s %s\n", ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.Title)
		}
	case "impact":
		impact := e.LastBlockImpact()
		if impact == nil {
			fmt.Fprintln(out, "no block decision in the current cycle")
			return nil
		}
		fmt.Fprintf(out, "score %d -> %d, %d contributing flag(s), %s\n",
			impact.ScoreBefore, impact.ScoreAfter, len(impact.Flags), impact.Summary)
	case "scenarios":
		fmt.Fprintln(out, strings.Join(scenario.IDs(), "\n"))
	case "scenario":
		if err := e.InitializeScenario(ctx, simulation.ScenarioRequest{ID: arg}); err != nil {
			return err
		}
		fmt.Fprintf(out, "scenario %s started\n", e.Snapshot().ScenarioID)
	case "wallet":
		id, err := e.InitializeWallet(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "scenario %s started\n", id)
	case "authorize", "review", "block":
		entry, err := e.SubmitDecision(ctx, cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, entry.Details)
	case "toggle":
		state, err := e.ToggleModule(ctx, arg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%s is now %s\n", arg, state)
	case "start":
		return e.Start(ctx)
	case "stop":
		return e.Stop(ctx)
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func printStatus(out io.Writer, s *simulation.Snapshot) {
	fmt.Fprintf(out, "scenario %q  score %d  running %t  busy %t\n", s.ScenarioID, s.Score, s.Running, s.Busy)
	fmt.Fprintf(out, "avg score %.1f  reliability %.1f%%  latency %.0fms\n",
		s.KPIs.AverageScore, s.KPIs.ReliabilityIndex, s.KPIs.AvgLatencyMs)
	for _, n := range module.Names {
		fmt.Fprintf(out, "  %-28s %s\n", n, s.Modules[n])
	}
}
