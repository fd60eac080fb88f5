// Package ratelimiter wraps golang.org/x/time/rate with the token
// bucket semantics used by the session acceptor.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter limits accepted connections per second with burst
// capacity. All methods are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained and burst
// immediate tokens. A zero rate means effectively unlimited.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		// rate.Inf has edge cases with Wait, so use a very large value.
		requestsPerSecond = 1_000_000_000
		burst = requestsPerSecond
	}

	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether one more event fits the rate limit, consuming a
// token when it does.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the current number of available tokens. Monitoring
// only; the value may change immediately after the call.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
