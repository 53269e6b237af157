package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// Connection errors.
var (
	ErrNotOpen     = wire.NewError(wire.KindInvalidOperation, "transport not open")
	ErrAlreadyOpen = wire.NewError(wire.KindInvalidOperation, "transport already open")
	ErrClosed      = wire.NewError(wire.KindNetworkError, "transport closed")
	ErrPeerClosed  = wire.NewError(wire.KindNetworkError, "connection closed by hub")
	ErrIdleTimeout = wire.NewError(wire.KindTimeout, "no traffic within idle timeout")
)

// DialFunc opens the underlying network connection. Its signature matches
// net.Dialer.DialContext so it can also back the WebSocket dialer.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config configures a Conn.
type Config struct {
	Protocol Protocol

	// Address is host:port for ProtocolTCP and a ws:// or wss:// URL for
	// ProtocolWebSocket.
	Address string

	// TLS is applied on top of the dialed connection. Nil means plain text,
	// which is only useful against a local or test hub.
	TLS *tls.Config

	// Dial overrides network dialing.
	Dial DialFunc

	// Header is sent with the WebSocket upgrade request.
	Header http.Header

	// MaxFrameSize bounds encoded frames (default DefaultMaxFrameSize).
	MaxFrameSize uint32

	// IdleTimeout enables keep-alive; see KeepAliveFromIdleTimeout.
	IdleTimeout time.Duration

	// ConnectionID tags protocol log events.
	ConnectionID string

	// ProtocolLogger receives frame events. Nil disables them.
	ProtocolLogger log.Logger
}

// inboundBuffer is the number of decoded frames queued for Receive.
const inboundBuffer = 64

// Conn is a Transport over one network connection.
type Conn struct {
	config Config
	logger log.Logger

	mu     sync.Mutex
	fc     frameConn
	opened bool

	writeMu sync.Mutex

	inbound  chan *wire.Frame
	done     chan struct{} // closed once the connection has failed or closed
	readDone chan struct{}
	failOnce sync.Once
	failErr  error

	keepAlive *keepAlive
}

// New creates an unopened transport.
func New(config Config) *Conn {
	if config.MaxFrameSize == 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Conn{
		config:   config,
		logger:   log.OrNoop(config.ProtocolLogger),
		inbound:  make(chan *wire.Frame, inboundBuffer),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Open dials the hub and starts the read loop.
func (c *Conn) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opened {
		return ErrAlreadyOpen
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	var (
		fc  frameConn
		err error
	)
	switch c.config.Protocol {
	case ProtocolWebSocket:
		fc, err = dialWebSocket(ctx, c.config)
	default:
		fc, err = dialStream(ctx, c.config)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return networkError("dial "+c.config.Protocol.String(), err)
	}

	c.fc = fc
	c.opened = true

	if ka := KeepAliveFromIdleTimeout(c.config.IdleTimeout); ka.Enabled() {
		c.keepAlive = newKeepAlive(ka, c.sendPing, func() { c.fail(ErrIdleTimeout) })
		go c.keepAlive.run(c.done)
	}
	go c.readLoop()
	return nil
}

// Close sends a close frame, tears down the connection and waits for the
// read loop to exit or ctx to end.
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	opened := c.opened
	c.mu.Unlock()
	if !opened {
		c.fail(ErrClosed)
		return nil
	}

	select {
	case <-c.done:
	default:
		sendCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = c.write(sendCtx, &wire.Frame{Type: wire.FrameConnClose})
		cancel()
	}
	c.fail(ErrClosed)

	select {
	case <-c.readDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send encodes and writes one frame.
func (c *Conn) Send(ctx context.Context, f *wire.Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.isOpen() {
		return ErrNotOpen
	}
	select {
	case <-c.done:
		return c.failErr
	default:
	}
	return c.write(ctx, f)
}

// Receive returns the next inbound non-control frame.
func (c *Conn) Receive(ctx context.Context) (*wire.Frame, error) {
	if !c.isOpen() {
		return nil, ErrNotOpen
	}
	select {
	case f := <-c.inbound:
		return f, nil
	case <-c.done:
		// Frames queued before the failure are still delivered.
		select {
		case f := <-c.inbound:
			return f, nil
		default:
		}
		return nil, c.failErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the connection has failed or been closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is live.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.failErr
	default:
		return nil
	}
}

func (c *Conn) isOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

func (c *Conn) write(ctx context.Context, f *wire.Frame) error {
	data, err := wire.EncodeFrame(f)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	err = c.fc.writeFrame(ctx, data)
	c.writeMu.Unlock()

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			// A partially written frame leaves the stream unusable.
			c.fail(ErrClosed)
			return ctxErr
		}
		if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrFrameEmpty) {
			return wire.WrapError(wire.KindInvalidArgument, "send", err)
		}
		mapped := networkError("send", err)
		c.fail(mapped)
		return mapped
	}

	c.logFrame(log.DirectionOut, f, len(data))
	return nil
}

func (c *Conn) sendPing(seq uint32) error {
	return c.write(context.Background(), &wire.Frame{Type: wire.FramePing, Sequence: seq})
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	for {
		data, err := c.fc.readFrame()
		if err != nil {
			c.fail(networkError("receive", err))
			return
		}
		if c.keepAlive != nil {
			c.keepAlive.touch()
		}

		f, err := wire.DecodeFrame(data)
		if err != nil {
			c.logger.Log(log.NewErrorEvent(log.LayerTransport, c.config.ConnectionID, "", "decode frame", err))
			continue
		}
		c.logFrame(log.DirectionIn, f, len(data))

		switch f.Type {
		case wire.FramePing:
			go func(seq uint32) {
				_ = c.write(context.Background(), &wire.Frame{Type: wire.FramePong, Sequence: seq})
			}(f.Sequence)
		case wire.FramePong:
		case wire.FrameConnClose:
			c.fail(ErrPeerClosed)
			return
		default:
			select {
			case c.inbound <- f:
			case <-c.done:
				return
			}
		}
	}
}

// fail records the first terminal error and closes the network connection.
func (c *Conn) fail(err error) {
	c.failOnce.Do(func() {
		c.failErr = err
		close(c.done)

		c.mu.Lock()
		fc := c.fc
		c.mu.Unlock()
		if fc != nil {
			_ = fc.close()
		} else {
			close(c.readDone)
		}
	})
}

func (c *Conn) logFrame(dir log.Direction, f *wire.Frame, size int) {
	c.logger.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.config.ConnectionID,
		Direction:    dir,
		Layer:        log.LayerTransport,
		Category:     log.CategoryFrame,
		DeviceKey:    f.DeviceKey,
		Frame: &log.FrameEvent{
			Type:          f.Type,
			Link:          f.Link,
			CorrelationID: f.CorrelationID,
			Size:          size,
		},
	})
}

// networkError tags a network failure with its wire kind.
func networkError(op string, err error) error {
	var we *wire.Error
	if errors.As(err, &we) {
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return wire.WrapError(wire.KindTimeout, op, err)
	}
	return wire.WrapError(wire.KindNetworkError, op, err)
}
