package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hub-client-go/internal/hubtest"
	"github.com/devicehub/hub-client-go/pkg/connection"
	"github.com/devicehub/hub-client-go/pkg/pool"
	"github.com/devicehub/hub-client-go/pkg/retry"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// orderStage records the order in which stages see a call.
type orderStage struct {
	Handler
	name  string
	mu    *sync.Mutex
	order *[]string
}

func (s *orderStage) Open(ctx context.Context) error {
	s.mu.Lock()
	*s.order = append(*s.order, s.name)
	s.mu.Unlock()
	return s.Handler.Open(ctx)
}

func TestBuildOrdersStagesOutermostFirst(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	stage := func(name string) Stage {
		return func(_ *Context, next Handler) Handler {
			return &orderStage{Handler: next, name: name, mu: &mu, order: &order}
		}
	}
	terminal := &mockHandler{}
	terminal.On("Open", mock.Anything).Return(nil)

	pctx := &Context{DeviceKey: "dev-1"}
	h, err := Build(pctx, terminal, stage("a"), stage("b"), stage("c"))
	require.NoError(t, err)
	require.NoError(t, h.Open(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.NotNil(t, pctx.Tracker, "Build provides a tracker")

	_, err = Build(nil, terminal)
	assert.Error(t, err)
}

type pipelineFixture struct {
	hub      *hubtest.Hub
	pool     *pool.Pool
	pctx     *Context
	terminal *TransportHandler
	handler  Handler
	statuses chan connection.Info
}

func newPipeline(t *testing.T, policy retry.Policy) *pipelineFixture {
	t.Helper()
	hub := hubtest.New()
	p := pool.New(pool.Config{Transport: hub.TransportConfig(), OperationTimeout: time.Second})

	terminal, err := NewTransportHandler(p, pool.Identity{HubHost: "hub.test", DeviceID: "dev-1"})
	require.NoError(t, err)

	pctx := &Context{DeviceKey: "dev-1"}
	h, err := Build(pctx, terminal, RetryStage(WithRetryPolicy(policy)), LoggingStage())
	require.NoError(t, err)

	f := &pipelineFixture{
		hub:      hub,
		pool:     p,
		pctx:     pctx,
		terminal: terminal,
		handler:  h,
		statuses: make(chan connection.Info, 16),
	}
	pctx.Tracker.OnStatusChange(func(info connection.Info) { f.statuses <- info })
	t.Cleanup(func() {
		_ = h.Close(context.Background())
		_ = p.Close(context.Background())
		hub.Close()
	})
	return f
}

func (f *pipelineFixture) waitStatus(t *testing.T, want connection.Status) connection.Info {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case info := <-f.statuses:
			if info.Status == want {
				return info
			}
		case <-deadline:
			t.Fatalf("status %s not reached; now %s", want, f.pctx.Tracker.Info().Status)
			return connection.Info{}
		}
	}
}

func TestPipelineOpenRetriesFailedDial(t *testing.T) {
	f := newPipeline(t, fastPolicy)
	f.hub.FailDials(errors.New("connection refused"), errors.New("connection refused"))

	require.NoError(t, f.handler.Open(context.Background()))

	assert.Equal(t, 1, f.hub.DialCount(), "only the successful dial reaches the hub")
	assert.Equal(t, connection.StatusConnected, f.pctx.Tracker.Info().Status)
	assert.True(t, f.terminal.Unit().IsOpen())
}

func TestPipelineEndToEnd(t *testing.T) {
	f := newPipeline(t, fastPolicy)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, f.handler.Open(ctx))
	require.NoError(t, f.handler.SendTelemetry(ctx, &wire.TelemetryMessage{Body: []byte("21.5")}))
	assert.Len(t, f.hub.Telemetry("dev-1"), 1)

	f.hub.AddFault(hubtest.Fault{Type: wire.FrameTransfer, Link: wire.LinkTelemetry, Kind: wire.KindThrottled, Count: 2})
	require.NoError(t, f.handler.SendTelemetry(ctx, &wire.TelemetryMessage{Body: []byte("21.6")}))
	assert.Len(t, f.hub.Telemetry("dev-1"), 2)

	v, err := f.handler.UpdateReportedProperties(ctx, map[string]any{"fw": "1.0"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, f.handler.Close(ctx))
	assert.Equal(t, connection.StatusClosed, f.pctx.Tracker.Info().Status)
	assert.Eventually(t, func() bool { return f.hub.OpenConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestPipelineDeviceNotFound(t *testing.T) {
	hub := hubtest.New(hubtest.WithStrictRegistry())
	p := pool.New(pool.Config{Transport: hub.TransportConfig()})
	t.Cleanup(func() {
		_ = p.Close(context.Background())
		hub.Close()
	})
	terminal, err := NewTransportHandler(p, pool.Identity{DeviceID: "ghost"})
	require.NoError(t, err)
	pctx := &Context{DeviceKey: "ghost"}
	h, err := Build(pctx, terminal, RetryStage(WithRetryPolicy(fastPolicy)), LoggingStage())
	require.NoError(t, err)

	err = h.Open(context.Background())

	assert.Equal(t, wire.KindDeviceNotFound, wire.KindOf(err))
	info := pctx.Tracker.Info()
	assert.Equal(t, connection.StatusDisconnected, info.Status)
	assert.Equal(t, connection.ReasonDeviceDisabled, info.Reason)
	assert.Equal(t, 1, hub.DialCount())
}

func TestPipelineRecoversAfterConnectionDrop(t *testing.T) {
	f := newPipeline(t, fastPolicy)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, f.handler.Open(ctx))
	f.waitStatus(t, connection.StatusConnected)
	require.NoError(t, f.handler.EnableReceiveMessage(ctx))

	f.hub.DropConnections()

	lost := f.waitStatus(t, connection.StatusDisconnected)
	assert.Equal(t, connection.ReasonCommunicationError, lost.Reason)
	f.waitStatus(t, connection.StatusConnected)

	assert.Equal(t, 2, f.hub.DialCount())
	assert.True(t, f.terminal.Unit().LinkAttached(wire.LinkMessages), "subscription restored")

	require.NoError(t, f.hub.SendMessage("dev-1", wire.IncomingMessage{LockToken: "lt-1"}))
	msg, err := f.handler.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "lt-1", msg.LockToken)
	require.NoError(t, f.handler.CompleteMessage(ctx, msg.LockToken))
}
