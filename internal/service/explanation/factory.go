package explanation

import (
	"time"

	"go.uber.org/zap"
)

// Options selects and tunes the resolver chain.
type Options struct {
	Enabled        bool
	SimulatedDelay time.Duration
	RatePerSecond  float64
	Burst          int
	Breaker        BreakerConfig
	// OnBreakerChange, when set, observes circuit transitions.
	OnBreakerChange func(from, to CircuitState)
}

// New builds the resolver chain: breaker, then rate limiter, then the
// simulated resolver. It returns nil when explanations are disabled, which
// makes the engine fall back to placeholders.
func New(opts Options, logger *zap.Logger) Resolver {
	if !opts.Enabled {
		return nil
	}

	var r Resolver = Simulated{Delay: opts.SimulatedDelay}
	if opts.RatePerSecond > 0 {
		r = NewLimited(r, opts.RatePerSecond, opts.Burst)
	}
	b := NewBreaker(r, opts.Breaker, logger.Named("explanation"))
	if opts.OnBreakerChange != nil {
		b.OnStateChange(opts.OnBreakerChange)
	}
	return b
}
