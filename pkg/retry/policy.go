package retry

import (
	"math/rand/v2"
	"time"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// Policy decides whether a failed operation should be attempted again.
type Policy interface {
	// ShouldRetry is called after the attempt-th transient failure
	// (attempt starts at 1) and returns whether to retry and the delay to
	// wait before doing so.
	ShouldRetry(attempt uint32, lastErr error) (bool, time.Duration)
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc func(attempt uint32, lastErr error) (bool, time.Duration)

// ShouldRetry calls f.
func (f PolicyFunc) ShouldRetry(attempt uint32, lastErr error) (bool, time.Duration) {
	return f(attempt, lastErr)
}

const (
	// DefaultMaxDelay caps backoff delays of the default policy.
	DefaultMaxDelay = 12 * time.Hour

	// jitterSpread is the half-width of the jitter band around 1.0.
	jitterSpread = 0.05
)

// Default returns the policy a pipeline uses when none is installed:
// unlimited exponential backoff with jitter, capped at DefaultMaxDelay.
func Default() Policy {
	return NewExponentialBackoff(0, DefaultMaxDelay, true)
}

// base holds the retry limit shared by the delay-shaped policies.
type base struct {
	maxRetries uint32
}

// allowed applies the common gate: retry limit and transient classification.
func (b base) allowed(attempt uint32, lastErr error) bool {
	if b.maxRetries > 0 && attempt >= b.maxRetries {
		return false
	}
	return wire.IsTransient(lastErr)
}

// withJitter scales d by a uniform factor in [1-jitterSpread, 1+jitterSpread).
func withJitter(d time.Duration, jitter bool) time.Duration {
	if !jitter {
		return d
	}
	return msToDuration(float64(d) / float64(time.Millisecond) *
		(1 - jitterSpread + 2*jitterSpread*rand.Float64()))
}

// msToDuration converts a millisecond count, saturating instead of overflowing.
func msToDuration(ms float64) time.Duration {
	const maxMs = float64(1<<63-1) / float64(time.Millisecond)
	switch {
	case ms <= 0:
		return 0
	case ms >= maxMs:
		return time.Duration(1<<63 - 1)
	default:
		return time.Duration(ms * float64(time.Millisecond))
	}
}

// NoRetry is a Policy that never retries.
type NoRetry struct{}

// ShouldRetry always returns false.
func (NoRetry) ShouldRetry(uint32, error) (bool, time.Duration) {
	return false, 0
}

var (
	_ Policy = NoRetry{}
	_ Policy = (*ExponentialBackoff)(nil)
	_ Policy = (*IncrementalDelay)(nil)
	_ Policy = PolicyFunc(nil)
)
