package pool

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// MethodHandler answers a direct method invocation.
type MethodHandler func(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error)

// Handlers are the callbacks a Unit invokes. Method and desired-property
// callbacks run one at a time in arrival order.
type Handlers struct {
	OnMethod        MethodHandler
	OnDesiredUpdate func(patch *wire.TwinCollection)

	// OnConnectionLost is called when the unit's physical connection fails
	// while its session is open. It runs on the connection's read loop and
	// must not block.
	OnConnectionLost func(err error)
}

// Unit is one device's session on a shared physical connection.
type Unit struct {
	pool   *Pool
	holder *holder
	id     Identity
	key    string
	logger *slog.Logger

	// opMu serializes session and link control: Open, Close, attach, detach.
	opMu sync.Mutex

	mu       sync.Mutex
	conn     *PhysicalConnection
	links    map[wire.Link]bool
	lost     bool
	released bool
	handlers Handlers

	recvMu      sync.Mutex
	recvEnabled bool
	recvQueue   []*wire.IncomingMessage
	recvWake    chan struct{}

	callbacks *dispatcher
}

func newUnit(p *Pool, h *holder, id Identity) *Unit {
	key := id.Key()
	return &Unit{
		pool:      p,
		holder:    h,
		id:        id,
		key:       key,
		logger:    p.logger.With("device", key),
		recvWake:  make(chan struct{}),
		callbacks: newDispatcher(),
	}
}

// Key returns the device key.
func (u *Unit) Key() string {
	return u.key
}

// Identity returns the identity the unit was acquired for.
func (u *Unit) Identity() Identity {
	return u.id
}

// ConnectionID returns the ID of the physical connection carrying the open
// session, or "" when not open.
func (u *Unit) ConnectionID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return ""
	}
	return u.conn.ID()
}

// IsOpen reports whether the session is open on a live connection.
func (u *Unit) IsOpen() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil && u.conn.alive()
}

// SetHandlers installs the unit's callbacks.
func (u *Unit) SetHandlers(h Handlers) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.handlers = h
}

// session returns the connection of the open session. A connection that
// ended without notifying the unit is reported as lost.
func (u *Unit) session() (*PhysicalConnection, error) {
	u.mu.Lock()
	released, c, lost := u.released, u.conn, u.lost
	u.mu.Unlock()

	switch {
	case released:
		return nil, ErrUnitReleased
	case c != nil && c.alive():
		return c, nil
	case c != nil:
		u.connectionLost(c, ErrConnectionLost)
		return nil, ErrConnectionLost
	case lost:
		return nil, ErrConnectionLost
	default:
		return nil, ErrUnitNotOpen
	}
}

// Open opens the device session, dialing the holder's connection when it
// is not yet live. Opening an open unit is a no-op.
func (u *Unit) Open(ctx context.Context) error {
	u.opMu.Lock()
	defer u.opMu.Unlock()

	u.mu.Lock()
	released, open := u.released, u.conn != nil && u.conn.alive()
	u.mu.Unlock()
	if released {
		return ErrUnitReleased
	}
	if open {
		return nil
	}

	conn, err := u.holder.connection(ctx)
	if err != nil {
		return err
	}
	conn.route(u)

	if err := u.openSession(ctx, conn); err != nil {
		conn.unroute(u)
		return err
	}

	u.mu.Lock()
	u.conn = conn
	u.links = map[wire.Link]bool{wire.LinkTelemetry: true}
	u.lost = false
	u.mu.Unlock()

	// The connection may have ended before u.conn was visible to the
	// loss notification.
	if !conn.alive() {
		u.mu.Lock()
		if u.conn == conn {
			u.conn = nil
			u.links = nil
			u.lost = true
		}
		u.mu.Unlock()
		return ErrConnectionLost
	}

	u.logger.Debug("session opened", "conn_id", conn.ID())
	return nil
}

func (u *Unit) openSession(ctx context.Context, conn *PhysicalConnection) error {
	var token string
	if u.id.Credential != nil {
		t, err := u.id.Credential.Token(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return wire.WrapError(wire.KindUnauthorized, "credential", err)
		}
		token = t
	}

	if _, err := conn.request(ctx, &wire.Frame{
		Type:      wire.FrameSessionOpen,
		DeviceKey: u.key,
		Token:     token,
	}); err != nil {
		return err
	}
	_, err := conn.request(ctx, &wire.Frame{
		Type:      wire.FrameAttach,
		DeviceKey: u.key,
		Link:      wire.LinkTelemetry,
	})
	return err
}

// Close closes the device session and disables message receive. Closing
// a unit that is not open is a no-op. The physical connection stays up
// until the unit is released.
func (u *Unit) Close(ctx context.Context) error {
	u.opMu.Lock()
	defer u.opMu.Unlock()

	u.setReceive(false)

	u.mu.Lock()
	conn := u.conn
	u.conn = nil
	u.links = nil
	u.lost = false
	u.mu.Unlock()

	if conn == nil {
		return nil
	}
	conn.unroute(u)

	_, err := conn.request(ctx, &wire.Frame{Type: wire.FrameSessionClose, DeviceKey: u.key})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// The session is gone with the connection either way.
		u.logger.Debug("session close not acknowledged", "err", err)
	}
	return nil
}

// markReleased stops the unit without touching the network.
func (u *Unit) markReleased() {
	u.mu.Lock()
	u.released = true
	u.mu.Unlock()
	u.setReceive(false)
	u.callbacks.stop()
}

// release closes the session and stops the unit.
func (u *Unit) release(ctx context.Context) error {
	err := u.Close(ctx)
	u.markReleased()
	return err
}

// connectionLost is called by the holder when c fails.
func (u *Unit) connectionLost(c *PhysicalConnection, err error) {
	u.mu.Lock()
	if u.conn != c {
		u.mu.Unlock()
		return
	}
	u.conn = nil
	u.links = nil
	u.lost = true
	onLost := u.handlers.OnConnectionLost
	u.mu.Unlock()

	u.logger.Debug("session lost with connection", "conn_id", c.ID(), "err", err)
	if onLost != nil {
		onLost(err)
	}
}

// attach opens link on the current session if not yet attached.
func (u *Unit) attach(ctx context.Context, link wire.Link) error {
	u.opMu.Lock()
	defer u.opMu.Unlock()

	conn, err := u.session()
	if err != nil {
		return err
	}
	if u.linkAttached(conn, link) {
		return nil
	}
	if _, err := conn.request(ctx, &wire.Frame{Type: wire.FrameAttach, DeviceKey: u.key, Link: link}); err != nil {
		return err
	}

	u.mu.Lock()
	if u.conn == conn {
		u.links[link] = true
	}
	u.mu.Unlock()
	return nil
}

// detach closes link if attached. Detaching without an open session is a
// no-op since the link went away with the session.
func (u *Unit) detach(ctx context.Context, link wire.Link) error {
	u.opMu.Lock()
	defer u.opMu.Unlock()

	conn, err := u.session()
	if err != nil || !u.linkAttached(conn, link) {
		return nil
	}
	if _, err := conn.request(ctx, &wire.Frame{Type: wire.FrameDetach, DeviceKey: u.key, Link: link}); err != nil {
		return err
	}

	u.mu.Lock()
	if u.conn == conn {
		delete(u.links, link)
	}
	u.mu.Unlock()
	return nil
}

func (u *Unit) linkAttached(conn *PhysicalConnection, link wire.Link) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn == conn && u.links[link]
}

// LinkAttached reports whether link is attached on the open session.
func (u *Unit) LinkAttached(link wire.Link) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.conn != nil && u.links[link]
}

// SendTelemetry sends one device-to-cloud message.
func (u *Unit) SendTelemetry(ctx context.Context, msg *wire.TelemetryMessage) error {
	if msg == nil {
		return wire.NewError(wire.KindInvalidArgument, "nil telemetry message")
	}
	return u.SendTelemetryBatch(ctx, []*wire.TelemetryMessage{msg})
}

// SendTelemetryBatch sends several messages in one transfer. Messages
// without an ID get a fresh UUID.
func (u *Unit) SendTelemetryBatch(ctx context.Context, msgs []*wire.TelemetryMessage) error {
	if len(msgs) == 0 {
		return wire.NewError(wire.KindInvalidArgument, "empty telemetry batch")
	}
	conn, err := u.session()
	if err != nil {
		return err
	}

	now := time.Now()
	for _, m := range msgs {
		if m == nil {
			return wire.NewError(wire.KindInvalidArgument, "nil telemetry message in batch")
		}
		if m.MessageID == "" {
			m.MessageID = uuid.NewString()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
	}

	payload, err := wire.EncodePayload(&wire.TelemetryBatch{Messages: msgs})
	if err != nil {
		return err
	}
	_, err = conn.request(ctx, &wire.Frame{
		Type:      wire.FrameTransfer,
		DeviceKey: u.key,
		Link:      wire.LinkTelemetry,
		Payload:   payload,
	})
	return err
}

// EnableReceiveMessage attaches the cloud-to-device message link.
func (u *Unit) EnableReceiveMessage(ctx context.Context) error {
	if err := u.attach(ctx, wire.LinkMessages); err != nil {
		return err
	}
	u.setReceive(true)
	return nil
}

// DisableReceiveMessage ends pending receives with ErrReceiveDisabled and
// detaches the message link.
func (u *Unit) DisableReceiveMessage(ctx context.Context) error {
	u.setReceive(false)
	return u.detach(ctx, wire.LinkMessages)
}

func (u *Unit) setReceive(enabled bool) {
	u.recvMu.Lock()
	defer u.recvMu.Unlock()
	if u.recvEnabled == enabled {
		return
	}
	u.recvEnabled = enabled
	if !enabled {
		u.recvQueue = nil
	}
	close(u.recvWake)
	u.recvWake = make(chan struct{})
}

// ReceiveMessage waits for the next cloud-to-device message. It returns
// ErrReceiveDisabled when receive is disabled, including while waiting.
func (u *Unit) ReceiveMessage(ctx context.Context) (*wire.IncomingMessage, error) {
	for {
		u.recvMu.Lock()
		if !u.recvEnabled {
			u.recvMu.Unlock()
			return nil, ErrReceiveDisabled
		}
		if len(u.recvQueue) > 0 {
			m := u.recvQueue[0]
			u.recvQueue[0] = nil
			u.recvQueue = u.recvQueue[1:]
			u.recvMu.Unlock()
			return m, nil
		}
		wake := u.recvWake
		u.recvMu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CompleteMessage settles a message as processed.
func (u *Unit) CompleteMessage(ctx context.Context, lockToken string) error {
	return u.settle(ctx, lockToken, wire.OutcomeComplete)
}

// RejectMessage settles a message as dead-lettered.
func (u *Unit) RejectMessage(ctx context.Context, lockToken string) error {
	return u.settle(ctx, lockToken, wire.OutcomeReject)
}

// AbandonMessage returns a message to the hub queue for redelivery.
func (u *Unit) AbandonMessage(ctx context.Context, lockToken string) error {
	return u.settle(ctx, lockToken, wire.OutcomeAbandon)
}

func (u *Unit) settle(ctx context.Context, lockToken string, outcome wire.Outcome) error {
	if lockToken == "" {
		return wire.NewError(wire.KindInvalidArgument, "empty lock token")
	}
	conn, err := u.session()
	if err != nil {
		return err
	}
	_, err = conn.request(ctx, &wire.Frame{
		Type:      wire.FrameDisposition,
		DeviceKey: u.key,
		Link:      wire.LinkMessages,
		LockToken: lockToken,
		Outcome:   outcome,
	})
	return err
}

// EnableMethods attaches the direct method link.
func (u *Unit) EnableMethods(ctx context.Context) error {
	return u.attach(ctx, wire.LinkMethods)
}

// DisableMethods detaches the direct method link.
func (u *Unit) DisableMethods(ctx context.Context) error {
	return u.detach(ctx, wire.LinkMethods)
}

// EnableTwinPatch attaches the desired-property update link.
func (u *Unit) EnableTwinPatch(ctx context.Context) error {
	return u.attach(ctx, wire.LinkTwinUpdates)
}

// DisableTwinPatch detaches the desired-property update link.
func (u *Unit) DisableTwinPatch(ctx context.Context) error {
	return u.detach(ctx, wire.LinkTwinUpdates)
}

// GetTwin fetches the twin document, attaching the twin link on first use.
func (u *Unit) GetTwin(ctx context.Context) (*wire.Twin, error) {
	res, err := u.twinRequest(ctx, &wire.TwinRequest{Op: wire.TwinOpGet})
	if err != nil {
		return nil, err
	}
	var twin wire.Twin
	if err := wire.DecodePayload(res.Payload, &twin); err != nil {
		return nil, err
	}
	return &twin, nil
}

// UpdateReportedProperties patches reported properties and returns the new
// reported version. A nil value removes the property.
func (u *Unit) UpdateReportedProperties(ctx context.Context, props map[string]any) (int64, error) {
	if len(props) == 0 {
		return 0, wire.NewError(wire.KindInvalidArgument, "empty reported properties patch")
	}
	res, err := u.twinRequest(ctx, &wire.TwinRequest{Op: wire.TwinOpPatchReport, Reported: props})
	if err != nil {
		return 0, err
	}
	var out wire.ReportedPatchResult
	if err := wire.DecodePayload(res.Payload, &out); err != nil {
		return 0, err
	}
	return out.Version, nil
}

func (u *Unit) twinRequest(ctx context.Context, req *wire.TwinRequest) (*wire.Frame, error) {
	if err := u.attach(ctx, wire.LinkTwin); err != nil {
		return nil, err
	}
	conn, err := u.session()
	if err != nil {
		return nil, err
	}
	payload, err := wire.EncodePayload(req)
	if err != nil {
		return nil, err
	}
	return conn.request(ctx, &wire.Frame{
		Type:      wire.FrameTransfer,
		DeviceKey: u.key,
		Link:      wire.LinkTwin,
		Payload:   payload,
	})
}

// deliver handles an inbound transfer routed to this unit. It runs on the
// connection's read loop and never blocks.
func (u *Unit) deliver(c *PhysicalConnection, f *wire.Frame) {
	if !u.linkAttached(c, f.Link) {
		u.logger.Debug("transfer on detached link dropped", "link", f.Link)
		return
	}

	switch f.Link {
	case wire.LinkMessages:
		var msg wire.IncomingMessage
		if err := wire.DecodePayload(f.Payload, &msg); err != nil {
			u.logger.Warn("malformed message dropped", "err", err)
			return
		}
		if msg.LockToken == "" {
			msg.LockToken = f.LockToken
		}
		u.recvMu.Lock()
		if u.recvEnabled {
			u.recvQueue = append(u.recvQueue, &msg)
			close(u.recvWake)
			u.recvWake = make(chan struct{})
		}
		u.recvMu.Unlock()

	case wire.LinkMethods:
		var req wire.MethodRequest
		if err := wire.DecodePayload(f.Payload, &req); err != nil {
			u.logger.Warn("malformed method request dropped", "err", err)
			return
		}
		u.callbacks.post(func() { u.invokeMethod(c, f, &req) })

	case wire.LinkTwinUpdates:
		var patch wire.TwinCollection
		if err := wire.DecodePayload(f.Payload, &patch); err != nil {
			u.logger.Warn("malformed desired properties dropped", "err", err)
			return
		}
		u.mu.Lock()
		fn := u.handlers.OnDesiredUpdate
		u.mu.Unlock()
		if fn != nil {
			u.callbacks.post(func() { fn(&patch) })
		}
	}
}

func (u *Unit) invokeMethod(c *PhysicalConnection, f *wire.Frame, req *wire.MethodRequest) {
	u.mu.Lock()
	handler := u.handlers.OnMethod
	u.mu.Unlock()

	ctx := context.Background()
	var (
		payload []byte
		err     error
	)
	if handler == nil {
		err = wire.NewError(wire.KindUnsupported, "no method handler registered")
	} else {
		var resp *wire.MethodResponse
		resp, err = handler(ctx, req)
		if err == nil {
			if resp == nil {
				resp = &wire.MethodResponse{Status: 200}
			}
			resp.RequestID = req.RequestID
			payload, err = wire.EncodePayload(resp)
		}
	}

	if sendErr := c.send(ctx, wire.ResultFor(f, payload, err)); sendErr != nil && !errors.Is(sendErr, context.Canceled) {
		u.logger.Debug("method response not sent", "method", req.Name, "err", sendErr)
	}
}
