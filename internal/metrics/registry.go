package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "reputation"

// Registry holds all domain-specific metrics for the simulator.
// A nil *Registry is valid and records nothing.
type Registry struct {
	// Score metrics
	score            prometheus.Gauge
	reliabilityIndex prometheus.Gauge
	avgLatency       prometheus.Gauge
	scoreChanges     *prometheus.CounterVec

	// Flag metrics
	activeFlags  prometheus.Gauge
	flagsEmitted *prometheus.CounterVec

	// Decision metrics
	decisions         *prometheus.CounterVec
	decisionDuration  *prometheus.HistogramVec
	decisionRejection *prometheus.CounterVec

	// Module and scenario metrics
	moduleDegraded   *prometheus.GaugeVec
	scenariosStarted *prometheus.CounterVec

	// Explanation metrics
	explanations *prometheus.CounterVec
	breakerState *prometheus.GaugeVec
}

// NewRegistry creates the simulator metrics and registers them on reg.
func NewRegistry(reg prometheus.Registerer) (*Registry, error) {
	r := &Registry{
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "score",
			Name:      "current",
			Help:      "Current reputation score (0-1000)",
		}),
		reliabilityIndex: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kpi",
			Name:      "reliability_index",
			Help:      "Simulated reliability index percentage",
		}),
		avgLatency: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "kpi",
			Name:      "avg_latency_ms",
			Help:      "Simulated average latency in milliseconds",
		}),
		scoreChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "score",
			Name:      "changes_total",
			Help:      "Score changes by source",
		}, []string{"source"}),
		activeFlags: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "flag",
			Name:      "active",
			Help:      "Number of active risk flags",
		}),
		flagsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "flag",
			Name:      "emitted_total",
			Help:      "Risk flags emitted by severity",
		}, []string{"severity"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "total",
			Help:      "Manual decisions applied by kind",
		}, []string{"decision"}),
		decisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "duration_seconds",
			Help:      "Time from decision request to applied outcome",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		}, []string{"decision"}),
		decisionRejection: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "decision",
			Name:      "rejected_total",
			Help:      "Rejected decision requests by error code",
		}, []string{"code"}),
		moduleDegraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "degraded",
			Help:      "1 when the module is degraded, 0 when active",
		}, []string{"module"}),
		scenariosStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scenario",
			Name:      "started_total",
			Help:      "Scenarios initialised by id",
		}, []string{"scenario"}),
		explanations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "explanation",
			Name:      "total",
			Help:      "Flag explanations by outcome",
		}, []string{"outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "explanation",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half open, 2 open)",
		}, []string{"target"}),
	}

	collectors := []prometheus.Collector{
		r.score, r.reliabilityIndex, r.avgLatency, r.scoreChanges,
		r.activeFlags, r.flagsEmitted,
		r.decisions, r.decisionDuration, r.decisionRejection,
		r.moduleDegraded, r.scenariosStarted,
		r.explanations, r.breakerState,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// SetScore records the current score and KPI walk values.
func (r *Registry) SetScore(score int, reliability, latencyMs float64) {
	if r == nil {
		return
	}
	r.score.Set(float64(score))
	r.reliabilityIndex.Set(reliability)
	r.avgLatency.Set(latencyMs)
}

func (r *Registry) ScoreChanged(source string) {
	if r == nil {
		return
	}
	r.scoreChanges.WithLabelValues(source).Inc()
}

func (r *Registry) SetActiveFlags(n int) {
	if r == nil {
		return
	}
	r.activeFlags.Set(float64(n))
}

func (r *Registry) FlagEmitted(severity string) {
	if r == nil {
		return
	}
	r.flagsEmitted.WithLabelValues(severity).Inc()
}

// DecisionApplied counts an applied decision and how long it took.
func (r *Registry) DecisionApplied(decision string, took time.Duration) {
	if r == nil {
		return
	}
	r.decisions.WithLabelValues(decision).Inc()
	r.decisionDuration.WithLabelValues(decision).Observe(took.Seconds())
}

func (r *Registry) DecisionRejected(code string) {
	if r == nil {
		return
	}
	r.decisionRejection.WithLabelValues(code).Inc()
}

func (r *Registry) SetModuleDegraded(module string, degraded bool) {
	if r == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	r.moduleDegraded.WithLabelValues(module).Set(v)
}

func (r *Registry) ScenarioStarted(id string) {
	if r == nil {
		return
	}
	r.scenariosStarted.WithLabelValues(id).Inc()
}

// ExplanationResolved counts an explanation outcome: "generated",
// "failed" or "placeholder".
func (r *Registry) ExplanationResolved(outcome string) {
	if r == nil {
		return
	}
	r.explanations.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetBreakerState(target string, state float64) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(target).Set(state)
}
