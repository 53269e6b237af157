package connection

import (
	"sync"
	"time"

	"github.com/devicehub/hub-client-go/pkg/log"
)

// Tracker holds the current status of one device client.
type Tracker struct {
	mu       sync.Mutex
	info     Info
	onChange ChangeFunc

	// pending holds transitions not yet delivered, oldest first. One
	// Set call at a time drains it.
	pending    []transition
	delivering bool

	deviceKey   string
	protocolLog log.Logger
	now         func() time.Time
}

type transition struct {
	old, cur Info
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithProtocolLogger emits a state-change event for each transition.
func WithProtocolLogger(deviceKey string, l log.Logger) TrackerOption {
	return func(t *Tracker) {
		t.deviceKey = deviceKey
		t.protocolLog = log.OrNoop(l)
	}
}

// WithClock overrides the time source for ChangedAt.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) {
		t.now = now
	}
}

// NewTracker creates a tracker in StatusDisconnected/ReasonConnectionOK.
func NewTracker(opts ...TrackerOption) *Tracker {
	t := &Tracker{
		protocolLog: log.NoopLogger{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	t.info = Info{Status: StatusDisconnected, Reason: ReasonConnectionOK, ChangedAt: t.now()}
	return t
}

// Info returns the current status snapshot.
func (t *Tracker) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// OnStatusChange installs the change callback, replacing any previous one.
// A nil fn removes it.
func (t *Tracker) OnStatusChange(fn ChangeFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Set moves to (status, reason). It reports whether anything changed.
// StatusClosed is terminal; later calls are ignored.
//
// Callbacks see transitions in the order they were applied and never run
// concurrently. When another Set is already delivering, the transition is
// queued and delivered by that call, so Set may return before the
// callback for its own transition has run.
func (t *Tracker) Set(status Status, reason Reason) bool {
	t.mu.Lock()
	old := t.info
	if old.Status == StatusClosed || (old.Status == status && old.Reason == reason) {
		t.mu.Unlock()
		return false
	}
	t.info = Info{Status: status, Reason: reason, ChangedAt: t.now()}
	t.pending = append(t.pending, transition{old: old, cur: t.info})
	if t.delivering {
		t.mu.Unlock()
		return true
	}
	t.delivering = true
	t.mu.Unlock()

	t.deliver()
	return true
}

// deliver drains pending outside the lock until it stays empty.
func (t *Tracker) deliver() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 {
			t.delivering = false
			t.mu.Unlock()
			return
		}
		next := t.pending[0]
		t.pending = t.pending[1:]
		fn := t.onChange
		t.mu.Unlock()

		t.protocolLog.Log(log.Event{
			Timestamp: next.cur.ChangedAt,
			Layer:     log.LayerPipeline,
			Category:  log.CategoryState,
			DeviceKey: t.deviceKey,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityDevice,
				OldState: next.old.Status.String(),
				NewState: next.cur.Status.String(),
				Reason:   next.cur.Reason.String(),
			},
		})
		if fn != nil {
			fn(next.cur)
		}
	}
}
