// Package limits provides the rate limiting and bounded-buffer
// backpressure primitives SkillScale's server and sandbox use to bound
// resource usage.
package limits

import (
	"golang.org/x/time/rate"
)

// Limiter throttles the rate of an arbitrary action (here: skill
// executable launches) independent of any concurrency cap, so a burst of
// short-lived requests cannot fork-bomb a skill server even when the
// worker pool has spare capacity.
type Limiter struct {
	rl *rate.Limiter
}

// NewLimiter builds a token-bucket limiter allowing ratePerSec sustained
// actions with a burst of burst.
func NewLimiter(ratePerSec float64, burst int) *Limiter {
	if burst < 1 {
		burst = 1
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Allow reports whether an action may proceed right now, consuming a
// token if so. It never blocks.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}
