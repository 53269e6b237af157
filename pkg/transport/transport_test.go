package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// pipePeer is the hub side of a net.Pipe.
type pipePeer struct {
	conn net.Conn
	r    *FrameReader
	w    *FrameWriter
}

func (p *pipePeer) read(t *testing.T) *wire.Frame {
	t.Helper()
	data, err := p.r.ReadFrame()
	require.NoError(t, err)
	f, err := wire.DecodeFrame(data)
	require.NoError(t, err)
	return f
}

func (p *pipePeer) write(t *testing.T, f *wire.Frame) {
	t.Helper()
	data, err := wire.EncodeFrame(f)
	require.NoError(t, err)
	require.NoError(t, p.w.WriteFrame(data))
}

// drain discards everything the client writes until the pipe closes.
func (p *pipePeer) drain() {
	go func() {
		for {
			if _, err := p.r.ReadFrame(); err != nil {
				return
			}
		}
	}()
}

func newPipeTransport(t *testing.T, cfg Config) (*Conn, *pipePeer) {
	t.Helper()
	client, server := net.Pipe()
	cfg.Dial = func(context.Context, string, string) (net.Conn, error) {
		return client, nil
	}
	tr := New(cfg)
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() {
		server.Close()
		tr.Close(context.Background())
	})
	return tr, &pipePeer{conn: server, r: NewFrameReader(server, 0), w: NewFrameWriter(server, 0)}
}

type frameLog struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *frameLog) Log(e log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *frameLog) count(dir log.Direction) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e.Direction == dir {
			n++
		}
	}
	return n
}

func TestStreamSendReceive(t *testing.T) {
	logs := &frameLog{}
	tr, peer := newPipeTransport(t, Config{ConnectionID: "c-1", ProtocolLogger: logs})
	ctx := context.Background()

	go func() {
		_ = tr.Send(ctx, &wire.Frame{Type: wire.FrameTransfer, DeviceKey: "dev", Link: wire.LinkTelemetry, Payload: []byte{1}})
	}()
	got := peer.read(t)
	assert.Equal(t, wire.FrameTransfer, got.Type)
	assert.Equal(t, "dev", got.DeviceKey)

	peer.write(t, &wire.Frame{Type: wire.FrameResult, CorrelationID: "abc"})
	f, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", f.CorrelationID)

	assert.Equal(t, 1, logs.count(log.DirectionOut))
	assert.Equal(t, 1, logs.count(log.DirectionIn))
}

func TestStreamAnswersPing(t *testing.T) {
	tr, peer := newPipeTransport(t, Config{})

	peer.write(t, &wire.Frame{Type: wire.FramePing, Sequence: 7})
	pong := peer.read(t)
	assert.Equal(t, wire.FramePong, pong.Type)
	assert.Equal(t, uint32(7), pong.Sequence)

	// Control frames never reach Receive.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamPeerCloseFailsConnection(t *testing.T) {
	tr, peer := newPipeTransport(t, Config{})

	peer.conn.Close()

	_, err := tr.Receive(context.Background())
	require.Error(t, err)
	assert.Equal(t, wire.KindNetworkError, wire.KindOf(err))
	assert.Equal(t, wire.ClassTransient, wire.Classify(err))

	select {
	case <-tr.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	assert.Error(t, tr.Send(context.Background(), &wire.Frame{Type: wire.FrameTransfer}))
}

func TestStreamConnCloseFrame(t *testing.T) {
	tr, peer := newPipeTransport(t, Config{})
	peer.drain()

	data, err := wire.EncodeFrame(&wire.Frame{Type: wire.FrameConnClose})
	require.NoError(t, err)
	require.NoError(t, peer.w.WriteFrame(data))

	_, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrPeerClosed)
}

func TestStreamIdleTimeout(t *testing.T) {
	tr, peer := newPipeTransport(t, Config{IdleTimeout: 200 * time.Millisecond})
	peer.drain()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := tr.Receive(ctx)
	require.Error(t, err)
	assert.Equal(t, wire.KindTimeout, wire.KindOf(err))
}

func TestReceiveCancellation(t *testing.T) {
	tr, _ := newPipeTransport(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNotOpen(t *testing.T) {
	tr := New(Config{})
	ctx := context.Background()

	assert.ErrorIs(t, tr.Send(ctx, &wire.Frame{Type: wire.FrameTransfer}), ErrNotOpen)
	_, err := tr.Receive(ctx)
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, tr.Close(ctx))
	assert.ErrorIs(t, tr.Open(ctx), ErrClosed)
}

func TestOpenDialFailure(t *testing.T) {
	tr := New(Config{Dial: func(context.Context, string, string) (net.Conn, error) {
		return nil, errors.New("connection refused")
	}})

	err := tr.Open(context.Background())
	require.Error(t, err)
	assert.Equal(t, wire.KindNetworkError, wire.KindOf(err))
}

func TestOpenCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dialed := false
	tr := New(Config{Dial: func(context.Context, string, string) (net.Conn, error) {
		dialed = true
		return nil, errors.New("unreachable")
	}})
	assert.ErrorIs(t, tr.Open(ctx), context.Canceled)
	assert.False(t, dialed)
}

func TestWebSocketTransport(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{WebSocketSubprotocol}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			req, err := wire.DecodeFrame(data)
			if err != nil || req.Type == wire.FrameConnClose {
				return
			}
			out, _ := wire.EncodeFrame(wire.ResultFor(req, []byte{0x42}, nil))
			if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	tr := New(Config{
		Protocol: ProtocolWebSocket,
		Address:  "ws" + strings.TrimPrefix(srv.URL, "http"),
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, tr.Open(ctx))
	defer tr.Close(ctx)

	require.NoError(t, tr.Send(ctx, &wire.Frame{Type: wire.FrameTransfer, CorrelationID: "r1", DeviceKey: "dev"}))
	res, err := tr.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, wire.FrameResult, res.Type)
	assert.Equal(t, "r1", res.CorrelationID)
	assert.Equal(t, []byte{0x42}, res.Payload)
}

func TestParseProtocol(t *testing.T) {
	tests := map[string]Protocol{
		"":          ProtocolTCP,
		"tcp":       ProtocolTCP,
		"WebSocket": ProtocolWebSocket,
		"wss":       ProtocolWebSocket,
	}
	for in, want := range tests {
		got, err := ParseProtocol(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseProtocol("mqtt")
	assert.Error(t, err)
}

func TestKeepAliveFromIdleTimeout(t *testing.T) {
	assert.False(t, KeepAliveFromIdleTimeout(0).Enabled())

	c := KeepAliveFromIdleTimeout(4 * time.Second)
	assert.Equal(t, 2*time.Second, c.PingAfter)
	assert.Equal(t, time.Second, c.CheckInterval)

	assert.Equal(t, MinIdleTimeout, KeepAliveFromIdleTimeout(time.Millisecond).IdleTimeout)
}

func TestNewClientTLSConfig(t *testing.T) {
	conf, err := NewClientTLSConfig(&TLSConfig{}, ProtocolTCP, "hub.example.net:5671")
	require.NoError(t, err)
	assert.Equal(t, "hub.example.net", conf.ServerName)
	assert.Equal(t, []string{ALPNProtocol}, conf.NextProtos)

	conf, err = NewClientTLSConfig(&TLSConfig{ServerName: "override"}, ProtocolWebSocket, "hub.example.net")
	require.NoError(t, err)
	assert.Equal(t, "override", conf.ServerName)
	assert.Equal(t, []string{ALPNWebSocket}, conf.NextProtos)

	_, err = NewClientTLSConfig(nil, ProtocolTCP, "x")
	assert.Error(t, err)
}
