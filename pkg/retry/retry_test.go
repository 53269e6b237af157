package retry

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

var errTransient = wire.NewError(wire.KindNetworkError, "link dropped")

func TestExponentialBackoffMonotonic(t *testing.T) {
	p := NewExponentialBackoff(0, 365*24*time.Hour, true)

	var prev time.Duration
	for attempt := uint32(1); attempt <= 70; attempt++ {
		ok, d := p.ShouldRetry(attempt, errTransient)
		require.True(t, ok, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0), "attempt %d", attempt)

		base := p.Delay(attempt)
		assert.GreaterOrEqual(t, base, prev, "attempt %d", attempt)
		prev = base
	}
	assert.Equal(t, 365*24*time.Hour, prev)
}

func TestExponentialBackoffShape(t *testing.T) {
	p := NewExponentialBackoff(0, 365*24*time.Hour, false)

	for _, attempt := range []uint32{1, 5, 10, 20} {
		want := time.Duration(math.Pow(2, float64(attempt+6))) * time.Millisecond
		ok, got := p.ShouldRetry(attempt, errTransient)
		require.True(t, ok)
		assert.InDelta(t, float64(want), float64(got), float64(100*time.Millisecond), "attempt %d", attempt)
	}
}

func TestExponentialBackoffHugeAttemptClamps(t *testing.T) {
	p := NewExponentialBackoff(0, time.Minute, false)

	ok, d := p.ShouldRetry(math.MaxUint32, errTransient)
	require.True(t, ok)
	assert.Equal(t, time.Minute, d)
}

func TestJitterBand(t *testing.T) {
	p := NewExponentialBackoff(0, time.Hour, true)
	base := p.Delay(10)

	for range 200 {
		_, d := p.ShouldRetry(10, errTransient)
		assert.GreaterOrEqual(t, float64(d), float64(base)*0.95-1)
		assert.LessOrEqual(t, float64(d), float64(base)*1.05+1)
	}
}

func TestIncrementalDelay(t *testing.T) {
	p := NewIncrementalDelay(0, 100*time.Millisecond, 350*time.Millisecond, false)

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}
	for i, w := range want {
		ok, d := p.ShouldRetry(uint32(i+1), errTransient)
		require.True(t, ok)
		assert.Equal(t, w, d, "attempt %d", i+1)
	}
}

func TestMaxRetriesCutoff(t *testing.T) {
	policies := map[string]Policy{
		"exponential": NewExponentialBackoff(3, time.Second, false),
		"incremental": NewIncrementalDelay(3, time.Millisecond, time.Second, false),
	}
	for name, p := range policies {
		t.Run(name, func(t *testing.T) {
			for attempt := uint32(1); attempt < 3; attempt++ {
				ok, _ := p.ShouldRetry(attempt, errTransient)
				assert.True(t, ok, "attempt %d", attempt)
			}
			for _, attempt := range []uint32{3, 4, 100} {
				ok, _ := p.ShouldRetry(attempt, errTransient)
				assert.False(t, ok, "attempt %d", attempt)
			}
		})
	}
}

func TestNonTransientNotRetried(t *testing.T) {
	p := NewExponentialBackoff(0, time.Second, false)

	for _, err := range []error{
		wire.NewError(wire.KindUnsupported, "nope"),
		wire.NewError(wire.KindDeviceNotFound, "gone"),
		errors.New("plain"),
	} {
		ok, d := p.ShouldRetry(1, err)
		assert.False(t, ok, "%v", err)
		assert.Zero(t, d)
	}
}

func TestNoRetry(t *testing.T) {
	ok, d := NoRetry{}.ShouldRetry(1, errTransient)
	assert.False(t, ok)
	assert.Zero(t, d)
}

func TestPolicyFunc(t *testing.T) {
	var calls int
	p := PolicyFunc(func(attempt uint32, _ error) (bool, time.Duration) {
		calls++
		return attempt < 2, 0
	})

	ok, _ := p.ShouldRetry(1, errTransient)
	assert.True(t, ok)
	ok, _ = p.ShouldRetry(2, errTransient)
	assert.False(t, ok)
	assert.Equal(t, 2, calls)
}

func TestDefaultPolicy(t *testing.T) {
	p, ok := Default().(*ExponentialBackoff)
	require.True(t, ok)
	assert.Equal(t, DefaultMaxDelay, p.maxDelay)
	assert.True(t, p.jitter)
	assert.Zero(t, p.maxRetries)
}
