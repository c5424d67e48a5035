package simulation

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/domain/audit"
	"github.com/davidleathers/reputation-simulator/internal/domain/clock"
	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
	"github.com/davidleathers/reputation-simulator/internal/domain/flag"
	"github.com/davidleathers/reputation-simulator/internal/domain/module"
	"github.com/davidleathers/reputation-simulator/internal/domain/score"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/telemetry"
	"github.com/davidleathers/reputation-simulator/internal/service/explanation"
)

const (
	taskQueueSize    = 256
	persistQueueSize = 64
	persistTimeout   = 5 * time.Second
)

// Config holds the engine cadence and latency settings.
type Config struct {
	DriftInterval      time.Duration
	FlagInterval       time.Duration
	DecisionLatency    time.Duration
	ScenarioSetupDelay time.Duration
	ExplanationTimeout time.Duration
	SubscriberBuffer   int
	// TimeScale multiplies every scripted scenario delay.
	TimeScale float64
}

// DefaultConfig returns the standard demo cadence.
func DefaultConfig() Config {
	return Config{
		DriftInterval:      10 * time.Second,
		FlagInterval:       18 * time.Second,
		DecisionLatency:    1200 * time.Millisecond,
		ScenarioSetupDelay: 700 * time.Millisecond,
		ExplanationTimeout: 10 * time.Second,
		SubscriberBuffer:   64,
		TimeScale:          1,
	}
}

// withDefaults replaces unusable settings. Intervals, the explanation timeout,
// the subscriber buffer and the time scale must be positive; a negative
// latency or setup delay means none.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DriftInterval <= 0 {
		c.DriftInterval = def.DriftInterval
	}
	if c.FlagInterval <= 0 {
		c.FlagInterval = def.FlagInterval
	}
	if c.ExplanationTimeout <= 0 {
		c.ExplanationTimeout = def.ExplanationTimeout
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = def.SubscriberBuffer
	}
	if c.TimeScale <= 0 {
		c.TimeScale = def.TimeScale
	}
	c.DecisionLatency = max(c.DecisionLatency, 0)
	c.ScenarioSetupDelay = max(c.ScenarioSetupDelay, 0)
	return c
}

// Dependencies are the engine's collaborators. Every field is optional.
type Dependencies struct {
	// Repository persists the decision log. Nil keeps it in memory only.
	Repository AuditRepository
	// Resolver generates flag explanations. Nil means the placeholder text.
	Resolver explanation.Resolver
	Metrics  MetricsCollector
	Catalog  *flag.Catalog
	Random   Random
	Clock    clock.Clock
	Tracer   trace.Tracer
}

// NewRandom returns a PCG source. A zero seed picks a random one.
func NewRandom(seed uint64) Random {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed))
}

// Engine runs the simulation. Every state mutation happens on a single loop
// goroutine; commands, timer ticks, decision commits and explanation patches
// are posted to it as tasks. Queries read the snapshot published after each
// task and never touch the loop.
type Engine struct {
	cfg      Config
	catalog  *flag.Catalog
	repo     AuditRepository
	resolver explanation.Resolver
	metrics  MetricsCollector
	rnd      Random
	clock    clock.Clock
	tracer   trace.Tracer
	logger   *zap.Logger

	// owned by the loop goroutine
	st    *state
	sched scheduler

	hub  *hub
	snap atomic.Pointer[Snapshot]

	tasks       chan task
	closing     chan struct{}
	loopDone    chan struct{}
	persistCh   chan []audit.Entry
	persistDone chan struct{}
	baseCtx     context.Context
	cancel      context.CancelFunc
	bg          sync.WaitGroup
	closeOnce   sync.Once
}

// New creates an engine, restores the persisted decision log and starts the
// loop. Background scheduling starts with the first scenario or Start.
func New(ctx context.Context, cfg Config, deps Dependencies, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	if deps.Catalog == nil {
		deps.Catalog = flag.DefaultCatalog()
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if deps.Random == nil {
		deps.Random = NewRandom(0)
	}
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer("simulation")
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		catalog:     deps.Catalog,
		repo:        deps.Repository,
		resolver:    deps.Resolver,
		metrics:     deps.Metrics,
		rnd:         deps.Random,
		clock:       deps.Clock,
		tracer:      deps.Tracer,
		logger:      logger.Named("simulation"),
		tasks:       make(chan task, taskQueueSize),
		closing:     make(chan struct{}),
		loopDone:    make(chan struct{}),
		persistCh:   make(chan []audit.Entry, persistQueueSize),
		persistDone: make(chan struct{}),
		baseCtx:     baseCtx,
		cancel:      cancel,
	}
	e.hub = newHub(e.logger)
	e.st = newState(e.clock)
	e.st.timeline.OnRecord(func(ev audit.TimelineEvent) {
		e.notify(Notification{Kind: NotifyTimelineEvent, Event: &ev})
	})

	e.restoreAudit(ctx)
	for _, n := range module.Names {
		e.metrics.SetModuleDegraded(string(n), false)
	}
	e.publishSnapshot()

	go e.run()
	go e.persistLoop()
	return e
}

func (e *Engine) restoreAudit(ctx context.Context) {
	if e.repo == nil {
		return
	}
	entries, err := e.repo.Load(ctx)
	if err != nil {
		e.logger.Error("failed to load audit log, starting empty", zap.Error(err))
		return
	}
	e.st.audit.Restore(entries)
	e.logger.Info("audit log restored", zap.Int("entries", e.st.audit.Len()))
}

// task is a unit of loop work. done, when set, is closed once fn has run
// and the resulting snapshot is visible.
const (
	taskPending int32 = iota
	taskClaimed
	taskAbandoned
)

// task is a unit of loop work. Tasks queued by do carry a state so that a
// caller who stops waiting before the loop claims the task also stops fn
// from running.
type task struct {
	fn    func()
	done  chan struct{}
	state *atomic.Int32
}

func (t task) claim() bool {
	return t.state == nil || t.state.CompareAndSwap(taskPending, taskClaimed)
}

func (e *Engine) run() {
	defer close(e.loopDone)
	for {
		select {
		case t := <-e.tasks:
			if !t.claim() {
				continue
			}
			t.fn()
			e.publishSnapshot()
			if t.done != nil {
				close(t.done)
			}
		case <-e.closing:
			return
		}
	}
}

// post queues fn on the loop. It returns false once the engine is closing.
// It must not be called from the loop itself.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.closing:
		return false
	default:
	}
	select {
	case e.tasks <- task{fn: fn}:
		return true
	case <-e.closing:
		return false
	}
}

// do runs fn on the loop and waits for it to finish. When ctx ends before
// the loop picks the task up, fn never runs and ctx.Err() is returned; once
// fn has started, do waits for it and reports success.
func (e *Engine) do(ctx context.Context, fn func()) error {
	t := task{fn: fn, done: make(chan struct{}), state: new(atomic.Int32)}

	select {
	case <-e.closing:
		return errClosed()
	default:
	}
	select {
	case e.tasks <- t:
	case <-e.closing:
		return errClosed()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-t.done:
		return nil
	case <-e.loopDone:
		if t.state.CompareAndSwap(taskPending, taskAbandoned) {
			return errClosed()
		}
		<-t.done
		return nil
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskPending, taskAbandoned) {
			return ctx.Err()
		}
		<-t.done
		return nil
	}
}

func errClosed() error {
	return errors.NewUnavailableError(errors.CodeEngineClosed, "simulation engine is closed")
}

func (e *Engine) notify(n Notification) {
	if n.Time.IsZero() {
		n.Time = e.clock.Now()
	}
	e.hub.publish(n)
}

func (e *Engine) publishSnapshot() {
	s := e.st.snapshot(e.sched.running, e.sched.scripted)
	e.snap.Store(s)
	e.metrics.SetScore(s.Score, s.KPIs.ReliabilityIndex, s.KPIs.AvgLatencyMs)
	e.metrics.SetActiveFlags(len(s.Flags))
}

// persistLoop writes audit log versions in order, one at a time.
func (e *Engine) persistLoop() {
	defer close(e.persistDone)
	for entries := range e.persistCh {
		e.saveAudit(entries)
	}
}

func (e *Engine) saveAudit(entries []audit.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ctx, span := telemetry.StartStoreSpan(ctx, e.tracer, "save", "audit_log")
	defer span.End()

	if err := e.repo.Save(ctx, entries); err != nil {
		telemetry.RecordError(span, err)
		e.logger.Error("failed to persist audit log", zap.Int("entries", len(entries)), zap.Error(err))
	}
}

// Close stops scheduling, abandons pending explanations, flushes the audit
// log and closes every subscription. It is safe to call more than once.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closing)
		<-e.loopDone
		e.sched.stopTimers()
		e.cancel()
		e.bg.Wait()
		close(e.persistCh)
		<-e.persistDone
		e.hub.close()
		e.logger.Info("simulation engine closed")
	})
	return nil
}

// Subscribe returns a channel of notifications and a function that cancels
// the subscription. A buffer of zero or less uses the configured default.
func (e *Engine) Subscribe(buffer int) (<-chan Notification, func()) {
	if buffer <= 0 {
		buffer = e.cfg.SubscriberBuffer
	}
	return e.hub.subscribe(buffer)
}

// Snapshot returns the state as of the last completed task. The returned
// value must be treated as read-only.
func (e *Engine) Snapshot() *Snapshot {
	return e.snap.Load()
}

func (e *Engine) Score() int {
	return e.Snapshot().Score
}

// ScoreHistory returns the recent scores, oldest first.
func (e *Engine) ScoreHistory() []int {
	return append([]int(nil), e.Snapshot().History...)
}

func (e *Engine) KPIs() score.KPIs {
	return e.Snapshot().KPIs
}

// ActiveFlags returns the active flags, newest first.
func (e *Engine) ActiveFlags() []flag.Flag {
	return append([]flag.Flag(nil), e.Snapshot().Flags...)
}

func (e *Engine) Modules() map[module.Name]module.State {
	src := e.Snapshot().Modules
	out := make(map[module.Name]module.State, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// AuditLog returns the decision log, most recent first.
func (e *Engine) AuditLog() []audit.Entry {
	return append([]audit.Entry(nil), e.Snapshot().AuditLog...)
}

// Timeline returns the session timeline, oldest first.
func (e *Engine) Timeline() []audit.TimelineEvent {
	return append([]audit.TimelineEvent(nil), e.Snapshot().Timeline...)
}

// LastBlockImpact returns the context retained by the latest block decision,
// or nil when none is retained.
func (e *Engine) LastBlockImpact() *BlockImpact {
	b := e.Snapshot().BlockImpact
	if b == nil {
		return nil
	}
	c := *b
	c.Flags = append([]flag.Flag(nil), b.Flags...)
	c.RelevantModules = append([]string(nil), b.RelevantModules...)
	return &c
}

// ToggleModule flips a module between active and degraded and returns its
// new state.
func (e *Engine) ToggleModule(ctx context.Context, name string) (module.State, error) {
	n, err := module.Parse(name)
	if err != nil {
		return "", err
	}

	var state module.State
	if err := e.do(ctx, func() {
		state = e.st.modules.Toggle(n)
		e.metrics.SetModuleDegraded(string(n), state == module.StateDegraded)
		if state == module.StateDegraded {
			e.logger.Warn("module degraded, simulation behaviour affected", zap.String("module", string(n)))
		} else {
			e.logger.Info("module restored to normal operation", zap.String("module", string(n)))
		}
		e.notify(Notification{Kind: NotifyModuleToggled, Module: n, ModuleState: state})
	}); err != nil {
		return "", err
	}
	return state, nil
}

// Start begins background scheduling if it is not already running.
func (e *Engine) Start(ctx context.Context) error {
	return e.do(ctx, func() {
		if e.sched.running {
			return
		}
		e.startScheduler(e.sched.scripted)
	})
}

// Stop halts background scheduling. Stopping a stopped engine is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	return e.do(ctx, func() {
		e.stopScheduler()
	})
}
