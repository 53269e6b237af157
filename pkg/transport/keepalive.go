package transport

import (
	"sync/atomic"
	"time"
)

// Keep-alive constants.
const (
	// MinIdleTimeout is the smallest idle timeout accepted; shorter values
	// are raised to it.
	MinIdleTimeout = 100 * time.Millisecond
)

// KeepAliveConfig configures liveness monitoring.
type KeepAliveConfig struct {
	// PingAfter is the quiet period after which a ping is sent.
	PingAfter time.Duration

	// IdleTimeout is the quiet period after which the connection is
	// considered dead.
	IdleTimeout time.Duration

	// CheckInterval is how often the quiet period is evaluated.
	CheckInterval time.Duration
}

// KeepAliveFromIdleTimeout derives keep-alive timing from an idle timeout:
// ping after half of it, check four times per timeout. Zero disables
// keep-alive.
func KeepAliveFromIdleTimeout(idle time.Duration) KeepAliveConfig {
	if idle <= 0 {
		return KeepAliveConfig{}
	}
	idle = max(idle, MinIdleTimeout)
	return KeepAliveConfig{
		PingAfter:     idle / 2,
		IdleTimeout:   idle,
		CheckInterval: idle / 4,
	}
}

// Enabled reports whether monitoring should run.
func (c KeepAliveConfig) Enabled() bool {
	return c.IdleTimeout > 0
}

// keepAlive watches the time of the last received frame.
type keepAlive struct {
	config   KeepAliveConfig
	lastRecv atomic.Int64
	seq      atomic.Uint32

	sendPing func(seq uint32) error
	onExpire func()
}

func newKeepAlive(config KeepAliveConfig, sendPing func(seq uint32) error, onExpire func()) *keepAlive {
	ka := &keepAlive{
		config:   config,
		sendPing: sendPing,
		onExpire: onExpire,
	}
	ka.touch()
	return ka
}

// touch records inbound activity.
func (ka *keepAlive) touch() {
	ka.lastRecv.Store(time.Now().UnixNano())
}

func (ka *keepAlive) quiet() time.Duration {
	return time.Since(time.Unix(0, ka.lastRecv.Load()))
}

// run blocks until stop is closed or the connection expires.
func (ka *keepAlive) run(stop <-chan struct{}) {
	ticker := time.NewTicker(ka.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		quiet := ka.quiet()
		if quiet >= ka.config.IdleTimeout {
			ka.onExpire()
			return
		}
		if quiet >= ka.config.PingAfter {
			// A failed ping surfaces through the read loop.
			_ = ka.sendPing(ka.seq.Add(1))
		}
	}
}
