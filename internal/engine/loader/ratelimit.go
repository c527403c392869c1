package loader

import (
	"context"

	"golang.org/x/time/rate"

	"modgraph/internal/core/errors"
	"modgraph/internal/core/ports"
)

// RateLimited throttles the wrapped loader with a token bucket.
type RateLimited struct {
	next    ports.ResourceLoader
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond loads per second with the given burst. A
// non-positive rate disables throttling.
func NewRateLimited(next ports.ResourceLoader, perSecond float64, burst int) *RateLimited {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(limit, burst)}
}

func (l *RateLimited) Load(ctx context.Context, req ports.ResourceRequest) (*ports.ResourceResponse, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, errors.AddContext(errors.Wrap(err, errors.CodeAborted, "waiting for fetch budget"), errors.CtxURL, req.URL)
	}
	return l.next.Load(ctx, req)
}

// Allow reports whether a load could start right now without waiting.
func (l *RateLimited) Allow() bool { return l.limiter.Allow() }
