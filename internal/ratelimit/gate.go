// Package ratelimit provides the token-bucket admission gate consulted
// before every model call.
package ratelimit

import (
	"errors"

	"golang.org/x/time/rate"

	"github.com/user/chatrelay/internal/types"
)

// ErrThrottled is returned when admission is denied. The dispatcher
// surfaces it to the caller as a terminal failure for that turn; no
// retry is performed.
var ErrThrottled = errors.New("rate limit exceeded")

// Gate admits turns from a shared token bucket.
type Gate struct {
	limiter *rate.Limiter
}

// New creates a gate allowing perMinute admissions with the given burst.
// Non-positive values fall back to a permissive default.
func New(perMinute, burst int) *Gate {
	if perMinute <= 0 {
		perMinute = 60
	}
	if burst <= 0 {
		burst = perMinute
	}
	return &Gate{
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
	}
}

// Admit grants or denies one turn. Denial is immediate, never queued.
func (g *Gate) Admit() error {
	if g.limiter.Allow() {
		return nil
	}
	return ErrThrottled
}

// Compile-time interface compliance check.
var _ types.RateGate = (*Gate)(nil)
