package retry

import (
	"math"
	"time"
)

// baseExponent offsets the exponent so the first retry waits 2^7 ms.
const baseExponent = 6

// ExponentialBackoff waits 2^(attempt+6) milliseconds, capped at maxDelay.
type ExponentialBackoff struct {
	base
	maxDelay time.Duration
	jitter   bool
}

// NewExponentialBackoff creates an exponential policy. maxRetries of zero
// means unlimited. A non-positive maxDelay selects DefaultMaxDelay.
func NewExponentialBackoff(maxRetries uint32, maxDelay time.Duration, jitter bool) *ExponentialBackoff {
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return &ExponentialBackoff{
		base:     base{maxRetries: maxRetries},
		maxDelay: maxDelay,
		jitter:   jitter,
	}
}

// ShouldRetry implements Policy.
func (p *ExponentialBackoff) ShouldRetry(attempt uint32, lastErr error) (bool, time.Duration) {
	if !p.allowed(attempt, lastErr) {
		return false, 0
	}
	return true, withJitter(p.Delay(attempt), p.jitter)
}

// Delay returns the un-jittered delay for attempt.
func (p *ExponentialBackoff) Delay(attempt uint32) time.Duration {
	// Computed in float64 with a bounded exponent so large attempts
	// saturate at maxDelay instead of overflowing.
	ms := math.Pow(2, math.Min(float64(attempt)+baseExponent, 1023))
	if ms >= float64(p.maxDelay)/float64(time.Millisecond) {
		return p.maxDelay
	}
	return msToDuration(ms)
}
