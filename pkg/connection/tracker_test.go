package connection

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

type eventSink struct {
	mu     sync.Mutex
	events []log.Event
}

func (s *eventSink) Log(e log.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func TestTrackerInitialState(t *testing.T) {
	tr := NewTracker()
	info := tr.Info()

	assert.Equal(t, StatusDisconnected, info.Status)
	assert.Equal(t, ReasonConnectionOK, info.Reason)
	assert.False(t, info.ChangedAt.IsZero())
}

func TestTrackerCallbackOnlyOnChange(t *testing.T) {
	tr := NewTracker()
	var got []Info
	tr.OnStatusChange(func(info Info) { got = append(got, info) })

	assert.True(t, tr.Set(StatusConnected, ReasonConnectionOK))
	assert.False(t, tr.Set(StatusConnected, ReasonConnectionOK))
	assert.True(t, tr.Set(StatusDisconnected, ReasonRetryExpired))

	require.Len(t, got, 2)
	assert.Equal(t, StatusConnected, got[0].Status)
	assert.Equal(t, ReasonRetryExpired, got[1].Reason)
}

func TestTrackerReasonChangeIsAChange(t *testing.T) {
	tr := NewTracker()
	var calls int
	tr.OnStatusChange(func(Info) { calls++ })

	tr.Set(StatusDisconnected, ReasonCommunicationError)
	tr.Set(StatusDisconnected, ReasonRetryExpired)

	assert.Equal(t, 2, calls)
}

func TestTrackerCallbackReplaced(t *testing.T) {
	tr := NewTracker()
	var first, second atomic.Int32
	tr.OnStatusChange(func(Info) { first.Add(1) })
	tr.OnStatusChange(func(Info) { second.Add(1) })

	tr.Set(StatusConnected, ReasonConnectionOK)

	assert.Zero(t, first.Load(), "replaced callback must not fire")
	assert.Equal(t, int32(1), second.Load())

	tr.OnStatusChange(nil)
	tr.Set(StatusDisconnected, ReasonCommunicationError)
	assert.Equal(t, int32(1), second.Load())
}

func TestTrackerClosedIsTerminal(t *testing.T) {
	tr := NewTracker()
	tr.Set(StatusConnected, ReasonConnectionOK)
	require.True(t, tr.Set(StatusClosed, ReasonClientClosed))

	assert.False(t, tr.Set(StatusConnected, ReasonConnectionOK))
	assert.False(t, tr.Set(StatusDisconnected, ReasonCommunicationError))
	assert.Equal(t, StatusClosed, tr.Info().Status)
	assert.Equal(t, ReasonClientClosed, tr.Info().Reason)
}

func TestTrackerCallbackMayReenter(t *testing.T) {
	tr := NewTracker()
	done := make(chan Info, 1)
	tr.OnStatusChange(func(Info) {
		// Would deadlock if the callback ran under the tracker lock.
		done <- tr.Info()
	})

	tr.Set(StatusConnected, ReasonConnectionOK)

	select {
	case info := <-done:
		assert.Equal(t, StatusConnected, info.Status)
	case <-time.After(time.Second):
		t.Fatal("callback did not run")
	}
}

func TestTrackerEmitsStateEvents(t *testing.T) {
	sink := &eventSink{}
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tr := NewTracker(WithProtocolLogger("dev-1", sink), WithClock(func() time.Time { return fixed }))

	tr.Set(StatusConnected, ReasonConnectionOK)
	tr.Set(StatusConnected, ReasonConnectionOK)

	require.Len(t, sink.events, 1)
	e := sink.events[0]
	assert.Equal(t, log.CategoryState, e.Category)
	assert.Equal(t, "dev-1", e.DeviceKey)
	assert.Equal(t, fixed, e.Timestamp)
	require.NotNil(t, e.StateChange)
	assert.Equal(t, "DISCONNECTED", e.StateChange.OldState)
	assert.Equal(t, "CONNECTED", e.StateChange.NewState)
	assert.Equal(t, "CONNECTION_OK", e.StateChange.Reason)
}

func TestReasonForKind(t *testing.T) {
	tests := []struct {
		kind wire.ErrorKind
		want Reason
	}{
		{wire.KindDeviceNotFound, ReasonDeviceDisabled},
		{wire.KindDisabled, ReasonDeviceDisabled},
		{wire.KindUnauthorized, ReasonBadCredential},
		{wire.KindQuotaExceeded, ReasonQuotaExceeded},
		{wire.KindNetworkError, ReasonCommunicationError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, ReasonForKind(tt.kind))
		})
	}
}

func TestTrackerConcurrentSet(t *testing.T) {
	tr := NewTracker()
	var calls atomic.Int32
	tr.OnStatusChange(func(Info) { calls.Add(1) })

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if i%2 == 0 {
				tr.Set(StatusConnected, ReasonConnectionOK)
			} else {
				tr.Set(StatusDisconnected, ReasonCommunicationError)
			}
		}()
	}
	wg.Wait()

	assert.Positive(t, calls.Load())
	assert.LessOrEqual(t, calls.Load(), int32(50))
}

func TestTrackerDeliversTransitionsInOrder(t *testing.T) {
	tr := NewTracker()
	var (
		mu       sync.Mutex
		seen     []Info
		inFlight atomic.Int32
		overlap  atomic.Bool
	)
	tr.OnStatusChange(func(info Info) {
		if inFlight.Add(1) > 1 {
			overlap.Store(true)
		}
		defer inFlight.Add(-1)
		mu.Lock()
		seen = append(seen, info)
		mu.Unlock()
	})

	var (
		wg      sync.WaitGroup
		changed atomic.Int32
	)
	for i := range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			status, reason := StatusConnected, ReasonConnectionOK
			if i%2 == 1 {
				status, reason = StatusDisconnected, ReasonCommunicationError
			}
			if tr.Set(status, reason) {
				changed.Add(1)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.False(t, overlap.Load(), "callbacks ran concurrently")
	require.Len(t, seen, int(changed.Load()))
	require.NotEmpty(t, seen)
	assert.Equal(t, tr.Info(), seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.NotEqual(t, seen[i-1].Status, seen[i].Status)
		assert.False(t, seen[i].ChangedAt.Before(seen[i-1].ChangedAt))
	}
}

func TestTrackerReentrantSetIsQueued(t *testing.T) {
	tr := NewTracker()
	var seen []Status
	tr.OnStatusChange(func(info Info) {
		seen = append(seen, info.Status)
		if info.Status == StatusConnected {
			assert.True(t, tr.Set(StatusDisconnected, ReasonBadCredential))
			assert.Equal(t, []Status{StatusConnected}, seen, "queued until this callback returns")
		}
	})

	assert.True(t, tr.Set(StatusConnected, ReasonConnectionOK))
	assert.Equal(t, []Status{StatusConnected, StatusDisconnected}, seen)
	assert.Equal(t, ReasonBadCredential, tr.Info().Reason)
}
