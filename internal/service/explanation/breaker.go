package explanation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
	"github.com/davidleathers/reputation-simulator/internal/infrastructure/telemetry"
)

// CircuitState is the state of a Breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

const (
	stateClosed int32 = iota
	stateOpen
	stateHalfOpen
)

// BreakerConfig configures when the breaker opens and recovers.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit
	SuccessThreshold int           // successes in half-open that close it again
	Timeout          time.Duration // how long the circuit stays open
	MaxRequests      int           // requests admitted while half-open
}

// Breaker stops calling a failing resolver until it has had time to recover.
// Calls made while the circuit is open fail fast with CIRCUIT_OPEN.
type Breaker struct {
	next   Resolver
	config BreakerConfig
	logger *zap.Logger

	state           int32 // atomic
	lastFailureTime int64 // atomic: unix nano
	failureCount    int64 // atomic
	successCount    int64 // atomic
	halfOpenCount   int64 // atomic

	mu            sync.Mutex
	onStateChange func(from, to CircuitState)
}

// NewBreaker wraps next. Zero config values fall back to defaults.
func NewBreaker(next Resolver, config BreakerConfig, logger *zap.Logger) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{next: next, config: config, logger: logger}
}

// OnStateChange registers a callback for state transitions.
func (b *Breaker) OnStateChange(fn func(from, to CircuitState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStateChange = fn
}

func (b *Breaker) Explain(ctx context.Context, req Request) (string, error) {
	if !b.allow() {
		telemetry.AddEvent(trace.SpanFromContext(ctx), "circuit_breaker.rejected",
			attribute.String("circuit.state", string(b.State())),
			attribute.String("flag.id", req.FlagID))
		return "", errors.NewUnavailableError(errors.CodeCircuitOpen, "explanation circuit is open")
	}

	text, err := b.next.Explain(ctx, req)
	if err != nil {
		b.recordFailure()
		return "", err
	}
	b.recordSuccess()
	return text, nil
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	return toCircuitState(atomic.LoadInt32(&b.state))
}

func (b *Breaker) allow() bool {
	switch atomic.LoadInt32(&b.state) {
	case stateClosed:
		return true
	case stateOpen:
		last := atomic.LoadInt64(&b.lastFailureTime)
		if time.Since(time.Unix(0, last)) < b.config.Timeout {
			return false
		}
		if atomic.CompareAndSwapInt32(&b.state, stateOpen, stateHalfOpen) {
			atomic.StoreInt64(&b.successCount, 0)
			atomic.StoreInt64(&b.halfOpenCount, 0)
			b.notify(CircuitOpen, CircuitHalfOpen)
		}
		return atomic.AddInt64(&b.halfOpenCount, 1) <= int64(b.config.MaxRequests)
	case stateHalfOpen:
		return atomic.AddInt64(&b.halfOpenCount, 1) <= int64(b.config.MaxRequests)
	default:
		return false
	}
}

func (b *Breaker) recordFailure() {
	atomic.StoreInt64(&b.lastFailureTime, time.Now().UnixNano())
	failures := atomic.AddInt64(&b.failureCount, 1)

	switch atomic.LoadInt32(&b.state) {
	case stateHalfOpen:
		if atomic.CompareAndSwapInt32(&b.state, stateHalfOpen, stateOpen) {
			b.notify(CircuitHalfOpen, CircuitOpen)
		}
	case stateClosed:
		if failures >= int64(b.config.FailureThreshold) &&
			atomic.CompareAndSwapInt32(&b.state, stateClosed, stateOpen) {
			b.notify(CircuitClosed, CircuitOpen)
		}
	}
}

func (b *Breaker) recordSuccess() {
	if atomic.LoadInt32(&b.state) != stateHalfOpen {
		atomic.StoreInt64(&b.failureCount, 0)
		return
	}
	if atomic.AddInt64(&b.successCount, 1) >= int64(b.config.SuccessThreshold) &&
		atomic.CompareAndSwapInt32(&b.state, stateHalfOpen, stateClosed) {
		atomic.StoreInt64(&b.failureCount, 0)
		b.notify(CircuitHalfOpen, CircuitClosed)
	}
}

func (b *Breaker) notify(from, to CircuitState) {
	b.logger.Info("explanation circuit state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	b.mu.Lock()
	fn := b.onStateChange
	b.mu.Unlock()
	if fn != nil {
		fn(from, to)
	}
}

func toCircuitState(s int32) CircuitState {
	switch s {
	case stateOpen:
		return CircuitOpen
	case stateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}
