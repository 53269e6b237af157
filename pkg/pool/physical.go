package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/metrics"
	"github.com/devicehub/hub-client-go/pkg/transport"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// PhysicalConnection is one transport shared by the units of a holder. It
// routes inbound transfers to units by device key and pairs request frames
// with their results by correlation ID.
type PhysicalConnection struct {
	id        string
	tr        transport.Transport
	logger    *slog.Logger
	protoLog  log.Logger
	opTimeout time.Duration

	mu      sync.Mutex
	pending map[string]chan *wire.Frame
	routes  map[string]*Unit
	closing bool
	opened  bool

	done    chan struct{}
	doneErr error
	endOnce sync.Once

	onEnd func(c *PhysicalConnection, err error, lost bool)
}

// dialPhysical opens a transport and performs the connection handshake.
func dialPhysical(ctx context.Context, cfg *Config, onEnd func(*PhysicalConnection, error, bool)) (*PhysicalConnection, error) {
	id := uuid.NewString()

	tcfg := cfg.Transport
	tcfg.ConnectionID = id
	tcfg.ProtocolLogger = cfg.ProtocolLogger
	newTransport := cfg.NewTransport
	if newTransport == nil {
		newTransport = func(c transport.Config) transport.Transport { return transport.New(c) }
	}

	c := &PhysicalConnection{
		id:        id,
		tr:        newTransport(tcfg),
		logger:    cfg.Logger.With("conn_id", id),
		protoLog:  log.OrNoop(cfg.ProtocolLogger),
		opTimeout: cfg.OperationTimeout,
		pending:   make(map[string]chan *wire.Frame),
		routes:    make(map[string]*Unit),
		done:      make(chan struct{}),
	}

	if err := c.tr.Open(ctx); err != nil {
		return nil, err
	}
	go c.readLoop()

	if _, err := c.request(ctx, &wire.Frame{Type: wire.FrameConnOpen}); err != nil {
		c.end(err, false)
		_ = c.tr.Close(context.WithoutCancel(ctx))
		return nil, err
	}

	c.mu.Lock()
	c.opened = true
	c.onEnd = onEnd
	c.mu.Unlock()

	metrics.RecordConnectionOpened()
	c.logState("", "OPEN", "")
	c.logger.Debug("connection opened")
	return c, nil
}

// ID returns the connection's UUID.
func (c *PhysicalConnection) ID() string {
	return c.id
}

// Done is closed once the connection has ended.
func (c *PhysicalConnection) Done() <-chan struct{} {
	return c.done
}

func (c *PhysicalConnection) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// request sends f with a fresh correlation ID and waits for its result.
// A result carrying an error is returned as that error.
func (c *PhysicalConnection) request(ctx context.Context, f *wire.Frame) (*wire.Frame, error) {
	if c.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, c.opTimeout, ErrOperationTimeout)
		defer cancel()
	}

	f.CorrelationID = uuid.NewString()
	ch := make(chan *wire.Frame, 1)

	c.mu.Lock()
	if !c.alive() {
		c.mu.Unlock()
		return nil, c.doneErr
	}
	c.pending[f.CorrelationID] = ch
	c.mu.Unlock()
	defer c.forget(f.CorrelationID)

	if err := c.tr.Send(ctx, f); err != nil {
		return nil, c.ctxErr(ctx, err)
	}

	select {
	case res := <-ch:
		if err := res.Error.Err(); err != nil {
			return nil, err
		}
		return res, nil
	case <-c.done:
		return nil, c.doneErr
	case <-ctx.Done():
		return nil, c.ctxErr(ctx, ctx.Err())
	}
}

// ctxErr maps an expired operation timeout to ErrOperationTimeout while
// leaving the caller's own cancellation untouched.
func (c *PhysicalConnection) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrOperationTimeout) {
		return ErrOperationTimeout
	}
	return err
}

// send writes a frame that expects no result.
func (c *PhysicalConnection) send(ctx context.Context, f *wire.Frame) error {
	return c.tr.Send(ctx, f)
}

func (c *PhysicalConnection) forget(corrID string) {
	c.mu.Lock()
	delete(c.pending, corrID)
	c.mu.Unlock()
}

func (c *PhysicalConnection) route(u *Unit) {
	c.mu.Lock()
	c.routes[u.key] = u
	c.mu.Unlock()
}

func (c *PhysicalConnection) unroute(u *Unit) {
	c.mu.Lock()
	if c.routes[u.key] == u {
		delete(c.routes, u.key)
	}
	c.mu.Unlock()
}

func (c *PhysicalConnection) readLoop() {
	for {
		f, err := c.tr.Receive(context.Background())
		if err != nil {
			c.mu.Lock()
			closing := c.closing
			c.mu.Unlock()
			if closing {
				c.end(ErrConnectionLost, false)
			} else {
				c.end(wire.WrapError(wire.KindNetworkError, ErrConnectionLost.Message, err), true)
			}
			return
		}

		switch f.Type {
		case wire.FrameResult:
			c.mu.Lock()
			ch, ok := c.pending[f.CorrelationID]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		case wire.FrameTransfer:
			c.mu.Lock()
			u, ok := c.routes[f.DeviceKey]
			c.mu.Unlock()
			if !ok {
				c.logger.Debug("transfer for unknown device dropped", "device", f.DeviceKey, "link", f.Link)
				continue
			}
			u.deliver(c, f)
		default:
			c.logger.Debug("unexpected frame dropped", "type", f.Type)
		}
	}
}

// end marks the connection finished exactly once.
func (c *PhysicalConnection) end(err error, lost bool) {
	c.endOnce.Do(func() {
		c.mu.Lock()
		c.doneErr = err
		close(c.done)
		opened, onEnd := c.opened, c.onEnd
		c.mu.Unlock()

		if !opened {
			return
		}
		metrics.RecordConnectionEnded(lost)
		if lost {
			c.logger.Warn("connection lost", "err", err)
			c.protoLog.Log(log.NewErrorEvent(log.LayerPool, c.id, "", "connection lost", err))
			c.logState("OPEN", "LOST", wire.KindOf(err).String())
		}
		if onEnd != nil {
			onEnd(c, err, lost)
		}
	})
}

// close ends the connection deliberately.
func (c *PhysicalConnection) close(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	err := c.tr.Close(ctx)
	c.end(ErrConnectionLost, false)
	c.logState("OPEN", "CLOSED", "")
	c.logger.Debug("connection closed")
	return err
}

func (c *PhysicalConnection) logState(old, cur, reason string) {
	c.protoLog.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: c.id,
		Layer:        log.LayerPool,
		Category:     log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: old,
			NewState: cur,
			Reason:   reason,
		},
	})
}
