package stream

import (
	"context"

	"golang.org/x/time/rate"
)

// DefaultMaxOpsPerSecond is the default outbound send rate.
const DefaultMaxOpsPerSecond = 50

// RateLimiter enforces a minimum interval of 1/opsPerSecond between
// consecutive sends. The first call never waits.
//
// It is a token bucket with a burst of one, so a caller that has been idle
// for longer than the interval proceeds immediately but never gets to send a
// catch-up burst.
type RateLimiter struct {
	lim *rate.Limiter
}

// NewRateLimiter creates a limiter allowing opsPerSecond operations per
// second. A non-positive rate disables limiting.
func NewRateLimiter(opsPerSecond float64) *RateLimiter {
	return &RateLimiter{lim: rate.NewLimiter(toLimit(opsPerSecond), 1)}
}

// WaitIfNeeded blocks until the next operation is allowed or ctx is done.
func (r *RateLimiter) WaitIfNeeded(ctx context.Context) error {
	return r.lim.Wait(ctx)
}

// SetRate changes the rate. Callers blocked in [RateLimiter.WaitIfNeeded]
// observe the new rate on their next call.
func (r *RateLimiter) SetRate(opsPerSecond float64) {
	r.lim.SetLimit(toLimit(opsPerSecond))
}

// Rate returns the configured operations per second, or 0 when unlimited.
func (r *RateLimiter) Rate() float64 {
	l := r.lim.Limit()
	if l == rate.Inf {
		return 0
	}
	return float64(l)
}

func toLimit(opsPerSecond float64) rate.Limit {
	if opsPerSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(opsPerSecond)
}
