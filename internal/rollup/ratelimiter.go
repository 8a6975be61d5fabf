package rollup

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// PageRateLimiter throttles how fast a single rollup job issues composite
// search pages against the source cluster, so a large backfill can't starve
// other jobs' query budget.
type PageRateLimiter struct {
	limiter *rate.Limiter
}

// NewPageRateLimiter creates a limiter allowing up to pagesPerSecond search
// calls, with bursts up to 2x that rate.
func NewPageRateLimiter(pagesPerSecond int) *PageRateLimiter {
	burst := pagesPerSecond * 2
	if burst < 1 {
		burst = 1
	}
	return &PageRateLimiter{limiter: rate.NewLimiter(rate.Limit(pagesPerSecond), burst)}
}

// Wait blocks until a page token is available or ctx is cancelled.
func (l *PageRateLimiter) Wait(ctx context.Context) error {
	if l == nil || l.limiter == nil {
		return nil
	}
	reservation := l.limiter.Reserve()
	if !reservation.OK() {
		return context.DeadlineExceeded
	}
	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return ctx.Err()
	}
}
