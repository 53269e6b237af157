package retry

import "time"

// IncrementalDelay waits attempt*increment, capped at maxDelay.
type IncrementalDelay struct {
	base
	increment time.Duration
	maxDelay  time.Duration
	jitter    bool
}

// NewIncrementalDelay creates an incremental policy. maxRetries of zero
// means unlimited. Negative durations are treated as zero.
func NewIncrementalDelay(maxRetries uint32, increment, maxDelay time.Duration, jitter bool) *IncrementalDelay {
	return &IncrementalDelay{
		base:      base{maxRetries: maxRetries},
		increment: max(increment, 0),
		maxDelay:  max(maxDelay, 0),
		jitter:    jitter,
	}
}

// ShouldRetry implements Policy.
func (p *IncrementalDelay) ShouldRetry(attempt uint32, lastErr error) (bool, time.Duration) {
	if !p.allowed(attempt, lastErr) {
		return false, 0
	}
	return true, withJitter(p.Delay(attempt), p.jitter)
}

// Delay returns the un-jittered delay for attempt.
func (p *IncrementalDelay) Delay(attempt uint32) time.Duration {
	if p.increment == 0 {
		return 0
	}
	if time.Duration(attempt) > p.maxDelay/p.increment {
		return p.maxDelay
	}
	return time.Duration(attempt) * p.increment
}
