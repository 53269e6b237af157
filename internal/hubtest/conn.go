package hubtest

import (
	"context"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/devicehub/hub-client-go/pkg/transport"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// peer is the hub side of one client connection.
type peer interface {
	read() (*wire.Frame, error)
	write(f *wire.Frame) error
	close() error
}

type streamPeer struct {
	conn net.Conn
	r    *transport.FrameReader
	wmu  sync.Mutex
	w    *transport.FrameWriter
}

func newStreamPeer(conn net.Conn) *streamPeer {
	return &streamPeer{
		conn: conn,
		r:    transport.NewFrameReader(conn, 0),
		w:    transport.NewFrameWriter(conn, 0),
	}
}

func (p *streamPeer) read() (*wire.Frame, error) {
	data, err := p.r.ReadFrame()
	if err != nil {
		return nil, err
	}
	return wire.DecodeFrame(data)
}

func (p *streamPeer) write(f *wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.w.WriteFrame(data)
}

func (p *streamPeer) close() error {
	return p.conn.Close()
}

type wsPeer struct {
	conn *websocket.Conn
	wmu  sync.Mutex
}

func (p *wsPeer) read() (*wire.Frame, error) {
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.DecodeFrame(data)
}

func (p *wsPeer) write(f *wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (p *wsPeer) close() error {
	return p.conn.NetConn().Close()
}

// hubConn serves one client connection.
type hubConn struct {
	hub  *Hub
	peer peer

	mu       sync.Mutex
	sessions map[string]map[wire.Link]bool
	pending  map[string]chan *wire.Frame
	done     chan struct{}
}

func newHubConn(h *Hub, p peer) *hubConn {
	return &hubConn{
		hub:      h,
		peer:     p,
		sessions: make(map[string]map[wire.Link]bool),
		pending:  make(map[string]chan *wire.Frame),
		done:     make(chan struct{}),
	}
}

func (c *hubConn) run() {
	defer func() {
		close(c.done)
		c.peer.close()
		c.hub.remove(c)
	}()

	for {
		f, err := c.peer.read()
		if err != nil {
			return
		}
		switch f.Type {
		case wire.FramePing:
			_ = c.peer.write(&wire.Frame{Type: wire.FramePong, Sequence: f.Sequence})
		case wire.FramePong:
		case wire.FrameConnClose:
			return
		case wire.FrameResult:
			c.resolve(f)
		default:
			c.handleRequest(f)
		}
	}
}

func (c *hubConn) handleRequest(f *wire.Frame) {
	c.hub.requests.Add(1)

	var (
		payload []byte
		err     error
	)
	if err = c.hub.takeFault(f); err == nil {
		payload, err = c.dispatch(f)
	}
	if f.CorrelationID == "" {
		return
	}
	_ = c.peer.write(wire.ResultFor(f, payload, err))
}

func (c *hubConn) dispatch(f *wire.Frame) ([]byte, error) {
	switch f.Type {
	case wire.FrameConnOpen:
		return nil, nil

	case wire.FrameSessionOpen:
		if err := c.hub.openSession(f); err != nil {
			return nil, err
		}
		c.mu.Lock()
		if _, ok := c.sessions[f.DeviceKey]; !ok {
			c.sessions[f.DeviceKey] = make(map[wire.Link]bool)
		}
		c.mu.Unlock()
		return nil, nil

	case wire.FrameSessionClose:
		c.mu.Lock()
		delete(c.sessions, f.DeviceKey)
		c.mu.Unlock()
		return nil, nil

	case wire.FrameAttach, wire.FrameDetach:
		c.mu.Lock()
		defer c.mu.Unlock()
		links, ok := c.sessions[f.DeviceKey]
		if !ok {
			return nil, wire.NewError(wire.KindInvalidOperation, "no session for "+f.DeviceKey)
		}
		links[f.Link] = f.Type == wire.FrameAttach
		return nil, nil

	case wire.FrameTransfer:
		if !c.hasLink(f.DeviceKey, f.Link) {
			return nil, wire.NewError(wire.KindInvalidOperation, f.Link.String()+" link not attached")
		}
		return c.transfer(f)

	case wire.FrameDisposition:
		if !c.hasLink(f.DeviceKey, wire.LinkMessages) {
			return nil, wire.NewError(wire.KindInvalidOperation, "messages link not attached")
		}
		c.hub.recordDisposition(f.DeviceKey, f)
		return nil, nil

	default:
		return nil, wire.NewError(wire.KindUnsupported, "unsupported frame "+f.Type.String())
	}
}

func (c *hubConn) transfer(f *wire.Frame) ([]byte, error) {
	switch f.Link {
	case wire.LinkTelemetry:
		var batch wire.TelemetryBatch
		if err := wire.DecodePayload(f.Payload, &batch); err != nil {
			return nil, err
		}
		c.hub.recordTelemetry(f.DeviceKey, batch.Messages)
		return nil, nil

	case wire.LinkTwin:
		var req wire.TwinRequest
		if err := wire.DecodePayload(f.Payload, &req); err != nil {
			return nil, err
		}
		switch req.Op {
		case wire.TwinOpGet:
			t := c.hub.twin(f.DeviceKey)
			return wire.EncodePayload(&t)
		case wire.TwinOpPatchReport:
			v := c.hub.patchReported(f.DeviceKey, req.Reported)
			return wire.EncodePayload(&wire.ReportedPatchResult{Version: v})
		}
		return nil, wire.NewError(wire.KindInvalidArgument, "unknown twin operation")

	default:
		return nil, wire.NewError(wire.KindUnsupported, "transfer on "+f.Link.String())
	}
}

// request sends a hub-initiated frame and waits for the client's result.
func (c *hubConn) request(ctx context.Context, f *wire.Frame, body any) (*wire.Frame, error) {
	payload, err := wire.EncodePayload(body)
	if err != nil {
		return nil, err
	}
	f.Payload = payload
	f.CorrelationID = uuid.NewString()

	ch := make(chan *wire.Frame, 1)
	c.mu.Lock()
	c.pending[f.CorrelationID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, f.CorrelationID)
		c.mu.Unlock()
	}()

	if err := c.peer.write(f); err != nil {
		return nil, err
	}
	select {
	case res := <-ch:
		return res, nil
	case <-c.done:
		return nil, errPeerGone
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *hubConn) resolve(f *wire.Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.CorrelationID]
	c.mu.Unlock()
	if ok {
		ch <- f
	}
}

func (c *hubConn) hasLink(key string, link wire.Link) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	links, ok := c.sessions[key]
	if !ok {
		return false
	}
	return link == wire.LinkNone || links[link]
}

func (c *hubConn) sessionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

// pipeListener hands net.Pipe server ends to an http.Server.
type pipeListener struct {
	conns chan net.Conn
	once  sync.Once
	done  chan struct{}
}

func newPipeListener() *pipeListener {
	return &pipeListener{
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
}

func (l *pipeListener) push(c net.Conn) error {
	select {
	case l.conns <- c:
		return nil
	case <-l.done:
		return net.ErrClosed
	}
}

func (l *pipeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *pipeListener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

func (l *pipeListener) Addr() net.Addr {
	return pipeAddr{}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "hub.test" }

var _ net.Listener = (*pipeListener)(nil)
