// Package hubtest provides an in-process hub that speaks the frame protocol
// over net.Pipe, for tests of the client stack.
package hubtest

import (
	"context"
	"maps"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/devicehub/hub-client-go/pkg/transport"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// WebSocketURL is the address to configure on the client in WebSocket mode.
// The host part is ignored since Dial never touches the network.
const WebSocketURL = "ws://hub.test/$frames"

// Device is the hub-side record of a device identity.
type Device struct {
	Key      string
	Disabled bool

	// Token, when set, must match the session token exactly.
	Token string

	Telemetry    []*wire.TelemetryMessage
	Dispositions []Disposition
	Twin         wire.Twin
}

// Disposition records a settled cloud-to-device message.
type Disposition struct {
	LockToken string
	Outcome   wire.Outcome
}

// Fault makes matching requests fail.
type Fault struct {
	Type wire.FrameType
	// Link restricts the fault to one link; LinkNone matches any.
	Link wire.Link
	Kind wire.ErrorKind
	// Count is how many requests fail; negative means until cleared.
	Count int
}

// Option configures a Hub.
type Option func(*Hub)

// WithStrictRegistry rejects session opens for unregistered devices with
// KindDeviceNotFound. By default devices are registered on first use.
func WithStrictRegistry() Option {
	return func(h *Hub) { h.strict = true }
}

// WithWebSocket serves connections through a WebSocket upgrade.
func WithWebSocket() Option {
	return func(h *Hub) { h.websocket = true }
}

// Hub is the fake hub.
type Hub struct {
	strict    bool
	websocket bool

	mu        sync.Mutex
	devices   map[string]*Device
	conns     map[*hubConn]struct{}
	faults    []*Fault
	dialFails []error
	closed    bool

	dialed   atomic.Int64
	requests atomic.Int64

	listener *pipeListener
	server   *http.Server
}

// New creates a running hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		devices: make(map[string]*Device),
		conns:   make(map[*hubConn]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.websocket {
		h.listener = newPipeListener()
		h.server = &http.Server{Handler: http.HandlerFunc(h.serveWebSocket)}
		go h.server.Serve(h.listener)
	}
	return h
}

// Close drops every connection and stops accepting new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.DropConnections()
	if h.server != nil {
		h.server.Close()
	}
}

// Dial implements transport.DialFunc.
func (h *Hub) Dial(ctx context.Context, _, _ string) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	if len(h.dialFails) > 0 {
		err := h.dialFails[0]
		h.dialFails = h.dialFails[1:]
		h.mu.Unlock()
		return nil, err
	}
	h.mu.Unlock()

	h.dialed.Add(1)
	client, server := net.Pipe()
	if h.websocket {
		if err := h.listener.push(server); err != nil {
			client.Close()
			return nil, err
		}
	} else {
		h.serve(newStreamPeer(server))
	}
	return client, nil
}

// TransportConfig returns a transport config wired to the hub.
func (h *Hub) TransportConfig() transport.Config {
	cfg := transport.Config{Dial: h.Dial, Address: "hub.test:5671"}
	if h.websocket {
		cfg.Protocol = transport.ProtocolWebSocket
		cfg.Address = WebSocketURL
	}
	return cfg
}

func (h *Hub) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{Subprotocols: []string{transport.WebSocketSubprotocol}}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.serve(&wsPeer{conn: conn})
}

func (h *Hub) serve(p peer) {
	c := newHubConn(h, p)
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	go c.run()
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// RegisterDevice adds or returns a device record.
func (h *Hub) RegisterDevice(key string) *Device {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceLocked(key)
}

func (h *Hub) deviceLocked(key string) *Device {
	d, ok := h.devices[key]
	if !ok {
		d = &Device{Key: key}
		h.devices[key] = d
	}
	return d
}

// SetDisabled marks a device disabled or enabled.
func (h *Hub) SetDisabled(key string, disabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deviceLocked(key).Disabled = disabled
}

// SetToken sets the token a device must present.
func (h *Hub) SetToken(key, token string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deviceLocked(key).Token = token
}

// AddFault injects a request fault.
func (h *Hub) AddFault(f Fault) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fc := f
	h.faults = append(h.faults, &fc)
}

// ClearFaults removes every injected fault.
func (h *Hub) ClearFaults() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults = nil
}

// FailDials makes the next dials fail with the given errors, in order.
func (h *Hub) FailDials(errs ...error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dialFails = append(h.dialFails, errs...)
}

// takeFault consumes a fault matching f, if any.
func (h *Hub) takeFault(f *wire.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, ft := range h.faults {
		if ft.Type != f.Type || (ft.Link != wire.LinkNone && ft.Link != f.Link) {
			continue
		}
		if ft.Count > 0 {
			ft.Count--
			if ft.Count == 0 {
				h.faults = append(h.faults[:i], h.faults[i+1:]...)
			}
		}
		return wire.NewError(ft.Kind, "injected fault")
	}
	return nil
}

// DialCount is the number of connections the hub has accepted.
func (h *Hub) DialCount() int {
	return int(h.dialed.Load())
}

// RequestCount is the number of request frames the hub has answered.
func (h *Hub) RequestCount() int {
	return int(h.requests.Load())
}

// OpenConnections is the number of live connections.
func (h *Hub) OpenConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// SessionCount is the number of open device sessions across connections.
func (h *Hub) SessionCount() int {
	n := 0
	for _, c := range h.snapshotConns() {
		n += c.sessionCount()
	}
	return n
}

// ConnectionsWithSessions counts connections carrying at least one session.
func (h *Hub) ConnectionsWithSessions() int {
	n := 0
	for _, c := range h.snapshotConns() {
		if c.sessionCount() > 0 {
			n++
		}
	}
	return n
}

// DropConnections closes every connection abruptly.
func (h *Hub) DropConnections() {
	for _, c := range h.snapshotConns() {
		c.peer.close()
	}
}

// DropDevice closes the connection carrying key's session.
func (h *Hub) DropDevice(key string) error {
	c := h.connFor(key, wire.LinkNone)
	if c == nil {
		return ErrNoSession
	}
	return c.peer.close()
}

func (h *Hub) snapshotConns() []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		out = append(out, c)
	}
	return out
}

// connFor finds the connection holding a session for key with link attached.
func (h *Hub) connFor(key string, link wire.Link) *hubConn {
	for _, c := range h.snapshotConns() {
		if c.hasLink(key, link) {
			return c
		}
	}
	return nil
}

// Telemetry returns the telemetry received from a device.
func (h *Hub) Telemetry(key string) []*wire.TelemetryMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[key]
	if !ok {
		return nil
	}
	return append([]*wire.TelemetryMessage(nil), d.Telemetry...)
}

// Dispositions returns the settled messages of a device.
func (h *Hub) Dispositions(key string) []Disposition {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[key]
	if !ok {
		return nil
	}
	return append([]Disposition(nil), d.Dispositions...)
}

// Reported returns the reported twin properties of a device.
func (h *Hub) Reported(key string) wire.TwinCollection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.deviceLocked(key).Twin.Reported
}

// SendMessage delivers a cloud-to-device message.
func (h *Hub) SendMessage(key string, msg wire.IncomingMessage) error {
	c := h.connFor(key, wire.LinkMessages)
	if c == nil {
		return ErrNoSession
	}
	payload, err := wire.EncodePayload(&msg)
	if err != nil {
		return err
	}
	return c.peer.write(&wire.Frame{
		Type:      wire.FrameTransfer,
		DeviceKey: key,
		Link:      wire.LinkMessages,
		LockToken: msg.LockToken,
		Payload:   payload,
	})
}

// InvokeMethod calls a direct method and waits for the device's answer.
func (h *Hub) InvokeMethod(ctx context.Context, key string, req wire.MethodRequest) (*wire.MethodResponse, error) {
	c := h.connFor(key, wire.LinkMethods)
	if c == nil {
		return nil, ErrNoSession
	}
	res, err := c.request(ctx, &wire.Frame{
		Type:      wire.FrameTransfer,
		DeviceKey: key,
		Link:      wire.LinkMethods,
	}, &req)
	if err != nil {
		return nil, err
	}
	if err := res.Error.Err(); err != nil {
		return nil, err
	}
	var resp wire.MethodResponse
	if err := wire.DecodePayload(res.Payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateDesired merges props into the desired properties and pushes the
// patch to the device when it has subscribed.
func (h *Hub) UpdateDesired(key string, props map[string]any) error {
	h.mu.Lock()
	d := h.deviceLocked(key)
	if d.Twin.Desired.Properties == nil {
		d.Twin.Desired.Properties = make(map[string]any)
	}
	for k, v := range props {
		d.Twin.Desired.Properties[k] = v
	}
	d.Twin.Desired.Version++
	patch := wire.TwinCollection{Version: d.Twin.Desired.Version, Properties: props}
	h.mu.Unlock()

	c := h.connFor(key, wire.LinkTwinUpdates)
	if c == nil {
		return ErrNoSession
	}
	payload, err := wire.EncodePayload(&patch)
	if err != nil {
		return err
	}
	return c.peer.write(&wire.Frame{
		Type:      wire.FrameTransfer,
		DeviceKey: key,
		Link:      wire.LinkTwinUpdates,
		Payload:   payload,
	})
}

// openSession validates a session request.
func (h *Hub) openSession(f *wire.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	d, ok := h.devices[f.DeviceKey]
	if !ok {
		if h.strict {
			return wire.NewError(wire.KindDeviceNotFound, "device "+f.DeviceKey+" not registered")
		}
		d = h.deviceLocked(f.DeviceKey)
	}
	if d.Disabled {
		return wire.NewError(wire.KindDisabled, "device "+f.DeviceKey+" is disabled")
	}
	if d.Token != "" && d.Token != f.Token {
		return wire.NewError(wire.KindUnauthorized, "token rejected")
	}
	return nil
}

func (h *Hub) recordTelemetry(key string, msgs []*wire.TelemetryMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.deviceLocked(key)
	d.Telemetry = append(d.Telemetry, msgs...)
}

func (h *Hub) recordDisposition(key string, f *wire.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d := h.deviceLocked(key)
	d.Dispositions = append(d.Dispositions, Disposition{LockToken: f.LockToken, Outcome: f.Outcome})
}

func (h *Hub) twin(key string) wire.Twin {
	h.mu.Lock()
	defer h.mu.Unlock()
	t := h.deviceLocked(key).Twin
	t.Desired.Properties = maps.Clone(t.Desired.Properties)
	t.Reported.Properties = maps.Clone(t.Reported.Properties)
	return t
}

func (h *Hub) patchReported(key string, props map[string]any) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	r := &h.deviceLocked(key).Twin.Reported
	if r.Properties == nil {
		r.Properties = make(map[string]any)
	}
	for k, v := range props {
		if v == nil {
			delete(r.Properties, k)
			continue
		}
		r.Properties[k] = v
	}
	r.Version++
	return r.Version
}
