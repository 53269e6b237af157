package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/devicehub/hub-client-go/pkg/connection"
	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/pool"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// ErrClosed is returned by operations on a closed pipeline.
var ErrClosed = wire.NewError(wire.KindInvalidOperation, "device client closed")

// errNoContext is returned by Build when stages have no Context.
var errNoContext = errors.New("pipeline: nil context")

// Handler is the capability every stage implements.
type Handler interface {
	Open(ctx context.Context) error
	Close(ctx context.Context) error

	SendTelemetry(ctx context.Context, msg *wire.TelemetryMessage) error
	SendTelemetryBatch(ctx context.Context, msgs []*wire.TelemetryMessage) error

	EnableReceiveMessage(ctx context.Context) error
	DisableReceiveMessage(ctx context.Context) error
	ReceiveMessage(ctx context.Context) (*wire.IncomingMessage, error)
	CompleteMessage(ctx context.Context, lockToken string) error
	RejectMessage(ctx context.Context, lockToken string) error
	AbandonMessage(ctx context.Context, lockToken string) error

	EnableMethods(ctx context.Context) error
	DisableMethods(ctx context.Context) error

	EnableTwinPatch(ctx context.Context) error
	DisableTwinPatch(ctx context.Context) error
	GetTwin(ctx context.Context) (*wire.Twin, error)
	UpdateReportedProperties(ctx context.Context, props map[string]any) (int64, error)

	// SetCallbacks installs the upward callbacks. Stages may wrap them
	// before passing them down.
	SetCallbacks(cb Callbacks)
}

// Callbacks flow from the terminal stage up to the caller.
type Callbacks struct {
	OnMethod        pool.MethodHandler
	OnDesiredUpdate func(patch *wire.TwinCollection)

	// OnConnectionLost runs on the connection's read loop and must not
	// block.
	OnConnectionLost func(err error)
}

// Context is the state shared by the stages of one pipeline.
type Context struct {
	DeviceKey      string
	Tracker        *connection.Tracker
	Logger         *slog.Logger
	ProtocolLogger log.Logger
}

func (c *Context) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Stage builds one handler over the next one.
type Stage func(pctx *Context, next Handler) Handler

// Build wraps terminal with stages. The first stage is outermost.
func Build(pctx *Context, terminal Handler, stages ...Stage) (Handler, error) {
	if pctx == nil {
		return nil, errNoContext
	}
	if pctx.Tracker == nil {
		pctx.Tracker = connection.NewTracker(connection.WithProtocolLogger(pctx.DeviceKey, pctx.ProtocolLogger))
	}
	h := terminal
	for i := len(stages) - 1; i >= 0; i-- {
		h = stages[i](pctx, h)
	}
	return h, nil
}

// Operation names used in logs and metrics.
const (
	opOpen               = "open"
	opRecover            = "recover"
	opSendTelemetry      = "send_telemetry"
	opSendTelemetryBatch = "send_telemetry_batch"
	opEnableReceive      = "enable_receive_message"
	opDisableReceive     = "disable_receive_message"
	opCompleteMessage    = "complete_message"
	opRejectMessage      = "reject_message"
	opAbandonMessage     = "abandon_message"
	opEnableMethods      = "enable_methods"
	opDisableMethods     = "disable_methods"
	opEnableTwinPatch    = "enable_twin_patch"
	opDisableTwinPatch   = "disable_twin_patch"
	opGetTwin            = "get_twin"
	opUpdateReported     = "update_reported_properties"
	opClose              = "close"
)
