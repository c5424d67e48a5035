package explanation

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/davidleathers/reputation-simulator/internal/domain/errors"
)

// Limited bounds the rate of calls reaching the wrapped resolver. Callers
// wait for a token until their context ends.
type Limited struct {
	next    Resolver
	limiter *rate.Limiter
}

// NewLimited allows perSecond calls on average with the given burst.
func NewLimited(next Resolver, perSecond float64, burst int) *Limited {
	if burst <= 0 {
		burst = 1
	}
	return &Limited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *Limited) Explain(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return "", errors.NewExternalError("explanation", "rate limit wait aborted").WithCause(err)
	}
	return l.next.Explain(ctx, req)
}
