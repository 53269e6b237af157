package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/devicehub/hub-client-go/pkg/config"
	"github.com/devicehub/hub-client-go/pkg/connection"
	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/pipeline"
	"github.com/devicehub/hub-client-go/pkg/pool"
	"github.com/devicehub/hub-client-go/pkg/retry"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// MessageResult tells the client how to settle a received message.
type MessageResult uint8

const (
	// MessageComplete removes the message from the device queue.
	MessageComplete MessageResult = iota
	// MessageAbandon returns the message to the queue for redelivery.
	MessageAbandon
	// MessageReject dead-letters the message.
	MessageReject
)

// String returns the result name.
func (r MessageResult) String() string {
	switch r {
	case MessageComplete:
		return "complete"
	case MessageAbandon:
		return "abandon"
	case MessageReject:
		return "reject"
	default:
		return "unknown"
	}
}

// MessageCallback handles one cloud-to-device message.
type MessageCallback func(ctx context.Context, msg *wire.IncomingMessage) MessageResult

// MethodHandler answers a direct method. A nil response is sent as status
// 200 with no payload.
type MethodHandler func(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error)

// DesiredPropertyCallback receives desired property patches.
type DesiredPropertyCallback func(patch *wire.TwinCollection)

// DeviceClient is the caller's handle to one device or module identity.
type DeviceClient struct {
	key     string
	logger  *slog.Logger
	tracker *connection.Tracker

	handler pipeline.Handler
	retry   *pipeline.RetryHandler

	releasePool func(ctx context.Context) error
	fileLog     *log.FileLogger

	mu        sync.Mutex
	closed    bool
	onMessage MessageCallback
	onMethod  MethodHandler
	onDesired DesiredPropertyCallback
	pump      *messagePump
}

// New creates a client for the identity in connStr. No connection is
// opened until Open.
func New(connStr string, opts ...Option) (*DeviceClient, error) {
	cs, err := ParseConnectionString(connStr)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}

	c := &DeviceClient{}
	ok := false
	defer func() {
		if !ok {
			c.cleanup(context.Background())
		}
	}()

	protoLog := o.protocolLogger
	if o.protocolLogPath != "" {
		fl, err := log.NewFileLogger(o.protocolLogPath)
		if err != nil {
			return nil, fmt.Errorf("protocol log: %w", err)
		}
		c.fileLog = fl
		protoLog = log.NewMultiLogger(protoLog, fl)
	}

	credential := o.credential
	if credential == nil && cs.SharedAccessKey != "" {
		sas, err := NewSASCredential(cs, o.tokenTTL)
		if err != nil {
			return nil, err
		}
		credential = sas
	}
	id := pool.Identity{
		HubHost:    cs.HostName,
		DeviceID:   cs.DeviceID,
		ModuleID:   cs.ModuleID,
		Credential: credential,
	}

	p, err := c.pool(cs, &o, protoLog)
	if err != nil {
		return nil, err
	}

	th, err := pipeline.NewTransportHandler(p, id)
	if err != nil {
		return nil, err
	}

	c.key = id.Key()
	c.logger = o.logger.With("device", c.key)
	// Pipeline stages add the device attribute themselves.
	pctx := &pipeline.Context{
		DeviceKey:      c.key,
		Logger:         o.logger,
		ProtocolLogger: protoLog,
	}
	retryStage := func(pctx *pipeline.Context, next pipeline.Handler) pipeline.Handler {
		c.retry = pipeline.NewRetryHandler(pctx, next,
			pipeline.WithRetryPolicy(o.policy),
			pipeline.WithAutoReconnect(o.autoReconnect))
		return c.retry
	}
	h, err := pipeline.Build(pctx, th, retryStage, pipeline.LoggingStage())
	if err != nil {
		_ = th.Close(context.Background())
		return nil, err
	}
	c.handler = h
	c.tracker = pctx.Tracker
	c.handler.SetCallbacks(pipeline.Callbacks{
		OnMethod:        c.invokeMethod,
		OnDesiredUpdate: c.desiredUpdate,
	})

	ok = true
	return c, nil
}

// NewFromConfig creates a client from a configuration file's settings.
// opts are applied after the configured ones.
func NewFromConfig(cfg config.Config, opts ...Option) (*DeviceClient, error) {
	base, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(cfg.ConnectionString, append(base, opts...)...)
}

// pool picks the pool for the client: the caller's, a private one, or a
// shared registry entry.
func (c *DeviceClient) pool(cs ConnectionString, o *options, protoLog log.Logger) (*pool.Pool, error) {
	if o.pool != nil {
		return o.pool, nil
	}

	tcfg, err := o.transportConfig(cs.Endpoint())
	if err != nil {
		return nil, err
	}
	cfg := pool.Config{
		Settings:         o.settings,
		Transport:        tcfg,
		OperationTimeout: o.operationTimeout,
		Logger:           o.logger,
		ProtocolLogger:   protoLog,
	}

	if !shareable(cfg) {
		p := pool.New(cfg)
		c.releasePool = p.Close
		return p, nil
	}

	p, key := sharedPools.acquire(cfg)
	c.releasePool = func(ctx context.Context) error {
		return sharedPools.release(ctx, key)
	}
	return p, nil
}

// DeviceKey returns the routing key of the client's identity.
func (c *DeviceClient) DeviceKey() string {
	return c.key
}

// Open opens the device session, retrying transient failures under the
// current retry policy.
func (c *DeviceClient) Open(ctx context.Context) error {
	return c.handler.Open(ctx)
}

// Close ends the session and releases the client's resources. The client
// cannot be reopened.
func (c *DeviceClient) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onMessage = nil
	c.onMethod = nil
	c.onDesired = nil
	pump := c.pump
	c.pump = nil
	c.mu.Unlock()

	if pump != nil {
		pump.stop(ctx)
	}
	err := c.handler.Close(ctx)
	return errors.Join(err, c.cleanup(ctx))
}

func (c *DeviceClient) cleanup(ctx context.Context) error {
	var errs []error
	if c.releasePool != nil {
		errs = append(errs, c.releasePool(ctx))
		c.releasePool = nil
	}
	if c.fileLog != nil {
		errs = append(errs, c.fileLog.Close())
		c.fileLog = nil
	}
	return errors.Join(errs...)
}

// SendTelemetry sends one device-to-cloud message.
func (c *DeviceClient) SendTelemetry(ctx context.Context, msg *wire.TelemetryMessage) error {
	return c.handler.SendTelemetry(ctx, msg)
}

// SendTelemetryBatch sends several messages in one transfer.
func (c *DeviceClient) SendTelemetryBatch(ctx context.Context, msgs []*wire.TelemetryMessage) error {
	return c.handler.SendTelemetryBatch(ctx, msgs)
}

// SetIncomingMessageCallback subscribes to cloud-to-device messages. Each
// message is settled according to fn's result. A nil fn unsubscribes; no
// message is passed to the previous callback once it returns. fn must not
// call SetIncomingMessageCallback.
func (c *DeviceClient) SetIncomingMessageCallback(ctx context.Context, fn MessageCallback) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pipeline.ErrClosed
	}
	prev, running := c.onMessage, c.pump
	c.onMessage = fn
	if fn == nil {
		c.pump = nil
	}
	c.mu.Unlock()

	if fn == nil {
		if running == nil {
			return nil
		}
		running.stop(ctx)
		return c.handler.DisableReceiveMessage(ctx)
	}
	if running != nil {
		return nil
	}

	if err := c.handler.EnableReceiveMessage(ctx); err != nil {
		c.mu.Lock()
		c.onMessage = prev
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.onMessage == nil || c.pump != nil {
		return nil
	}
	c.pump = startMessagePump(c)
	return nil
}

// SetMethodHandler subscribes to direct methods. A nil fn unsubscribes.
func (c *DeviceClient) SetMethodHandler(ctx context.Context, fn MethodHandler) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pipeline.ErrClosed
	}
	prev := c.onMethod
	c.onMethod = fn
	c.mu.Unlock()

	var err error
	switch {
	case fn == nil && prev != nil:
		err = c.handler.DisableMethods(ctx)
	case fn != nil && prev == nil:
		err = c.handler.EnableMethods(ctx)
		if err != nil {
			c.mu.Lock()
			c.onMethod = nil
			c.mu.Unlock()
		}
	}
	return err
}

// SetDesiredPropertyUpdateCallback subscribes to desired property patches.
// A nil fn unsubscribes.
func (c *DeviceClient) SetDesiredPropertyUpdateCallback(ctx context.Context, fn DesiredPropertyCallback) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pipeline.ErrClosed
	}
	prev := c.onDesired
	c.onDesired = fn
	c.mu.Unlock()

	var err error
	switch {
	case fn == nil && prev != nil:
		err = c.handler.DisableTwinPatch(ctx)
	case fn != nil && prev == nil:
		err = c.handler.EnableTwinPatch(ctx)
		if err != nil {
			c.mu.Lock()
			c.onDesired = nil
			c.mu.Unlock()
		}
	}
	return err
}

// GetTwin fetches the device twin.
func (c *DeviceClient) GetTwin(ctx context.Context) (*wire.Twin, error) {
	return c.handler.GetTwin(ctx)
}

// UpdateReportedProperties patches the reported properties. A nil value
// removes the property. It returns the new reported version.
func (c *DeviceClient) UpdateReportedProperties(ctx context.Context, props map[string]any) (int64, error) {
	return c.handler.UpdateReportedProperties(ctx, props)
}

// SetRetryPolicy replaces the retry policy. Operations already retrying
// keep the policy they started with. Nil restores the default.
func (c *DeviceClient) SetRetryPolicy(p retry.Policy) {
	c.retry.SetRetryPolicy(p)
}

// RetryPolicy returns the current retry policy.
func (c *DeviceClient) RetryPolicy() retry.Policy {
	return c.retry.RetryPolicy()
}

// SetConnectionStatusChangeCallback installs fn, replacing any previous
// callback. Calls to fn never overlap and follow the order of the status
// transitions.
func (c *DeviceClient) SetConnectionStatusChangeCallback(fn connection.ChangeFunc) {
	c.tracker.OnStatusChange(fn)
}

// ConnectionStatusInfo returns the current connection status.
func (c *DeviceClient) ConnectionStatusInfo() connection.Info {
	return c.tracker.Info()
}

func (c *DeviceClient) invokeMethod(ctx context.Context, req *wire.MethodRequest) (*wire.MethodResponse, error) {
	c.mu.Lock()
	fn := c.onMethod
	c.mu.Unlock()
	if fn == nil {
		return nil, wire.NewError(wire.KindUnsupported, "no handler for method "+req.Name)
	}
	return fn(ctx, req)
}

func (c *DeviceClient) desiredUpdate(patch *wire.TwinCollection) {
	c.mu.Lock()
	fn := c.onDesired
	c.mu.Unlock()
	if fn != nil {
		fn(patch)
	}
}

func (c *DeviceClient) messageCallback() MessageCallback {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onMessage
}
