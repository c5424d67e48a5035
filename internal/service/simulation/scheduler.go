package simulation

import (
	"time"

	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
	"github.com/davidleathers/reputation-simulator/internal/domain/module"
)

// Flag emission caps.
const (
	FlagCap         = 5
	DegradedFlagCap = 8
)

// scheduler tracks the periodic tasks and the scenario's one-shot timers.
// Ticks carry the generation they were started under; a tick from an older
// generation is discarded when it reaches the loop.
type scheduler struct {
	gen      uint64
	stop     chan struct{}
	running  bool
	scripted bool

	stagedGen uint64
	staged    []*time.Timer
}

// startScheduler (re)starts drift and, outside scripted mode, flag emission.
func (e *Engine) startScheduler(scripted bool) {
	e.stopScheduler()

	e.sched.gen++
	e.sched.stop = make(chan struct{})
	e.sched.running = true
	e.sched.scripted = scripted

	e.every(e.cfg.DriftInterval, e.driftTick)
	if !scripted {
		e.every(e.cfg.FlagInterval, e.flagTick)
	}
	e.logger.Info("simulation engine started",
		zap.Bool("scripted", scripted),
		zap.Duration("drift_interval", e.cfg.DriftInterval),
		zap.Duration("flag_interval", e.cfg.FlagInterval))
}

// stopScheduler stops both periodic tasks together. It is idempotent.
func (e *Engine) stopScheduler() {
	if !e.sched.running {
		return
	}
	e.sched.gen++
	close(e.sched.stop)
	e.sched.stop = nil
	e.sched.running = false
	e.logger.Info("simulation engine stopped")
}

func (e *Engine) every(interval time.Duration, tick func()) {
	gen, stop := e.sched.gen, e.sched.stop
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-e.closing:
				return
			case <-t.C:
				e.post(func() {
					if e.sched.gen != gen {
						return
					}
					tick()
				})
			}
		}
	}()
}

// after runs fn on the loop once d (scaled) has elapsed, unless the scenario
// is replaced first.
func (e *Engine) after(d time.Duration, fn func()) {
	gen := e.sched.stagedGen
	d = time.Duration(float64(d) * e.cfg.TimeScale)
	t := time.AfterFunc(d, func() {
		e.post(func() {
			if e.sched.stagedGen != gen {
				return
			}
			fn()
		})
	})
	e.sched.staged = append(e.sched.staged, t)
}

// cancelStaged drops every pending one-shot timer of the current scenario.
func (e *Engine) cancelStaged() {
	e.sched.stagedGen++
	e.sched.stopTimers()
}

func (s *scheduler) stopTimers() {
	for _, t := range s.staged {
		t.Stop()
	}
	s.staged = nil
}

func (e *Engine) driftTick() {
	coreDegraded := e.st.modules.IsDegraded(module.ScoringCore)
	if coreDegraded {
		e.logger.Warn("ScoreLab Core degraded: score volatility increased, recovery hindered")
	}
	delta := DriftDelta(e.rnd, e.st.score.Current(), coreDegraded)
	e.applyScore("drift", delta)
	e.st.kpi.Walk(e.rnd.Float64(), e.rnd.Float64())
}

func (e *Engine) flagTick() {
	dfcDegraded := e.st.modules.IsDegraded(module.FlagOrchestration)
	anomalyDegraded := e.st.modules.IsDegraded(module.AnomalyDetection)
	if dfcDegraded {
		e.logger.Warn("DFC degraded: flag cap raised, severity filtering reduced")
	}

	if e.st.flags.Len() >= EmissionCap(dfcDegraded) {
		return
	}
	eligible := EligibleTemplates(e.catalog, dfcDegraded, anomalyDegraded)
	if len(eligible) == 0 {
		return
	}
	e.emitFlag(eligible[e.rnd.IntN(len(eligible))], "")
}

// DriftDelta draws one drift step for a score at current. The base step is
// uniform in [-20, 20]. A degraded scoring core widens it to [-35, 35] and
// halves positive steps. Scores below 400 get an extra [0, 9] and scores
// above 950 lose an extra [0, 4].
func DriftDelta(r Random, current int, coreDegraded bool) int {
	var delta int
	if coreDegraded {
		delta = r.IntN(71) - 35
		if delta > 0 {
			delta /= 2
		}
	} else {
		delta = r.IntN(41) - 20
	}

	switch {
	case current < 400:
		delta += r.IntN(10)
	case current > 950:
		delta -= r.IntN(5)
	}
	return delta
}

// EmissionCap is the number of active flags above which the emitter idles.
func EmissionCap(dfcDegraded bool) int {
	if dfcDegraded {
		return DegradedFlagCap
	}
	return FlagCap
}

// EligibleTemplates lists the templates the random emitter may pick.
// Critical templates need a degraded DFC; anomaly templates are withheld
// while the anomaly detector is degraded.
func EligibleTemplates(c *flag.Catalog, dfcDegraded, anomalyDegraded bool) []flag.Template {
	return c.Filter(func(t flag.Template) bool {
		if t.Severity == flag.SeverityCritical && !dfcDegraded {
			return false
		}
		if t.Anomaly && anomalyDegraded {
			return false
		}
		return true
	})
}
