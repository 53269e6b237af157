package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// LoggingStage returns a Stage that logs every call reaching it.
func LoggingStage() Stage {
	return func(pctx *Context, next Handler) Handler {
		return NewLoggingHandler(pctx, next)
	}
}

// LoggingHandler logs each call with its duration and error at Debug
// level. Placed under RetryHandler it logs every attempt.
type LoggingHandler struct {
	next   Handler
	logger *slog.Logger
}

// NewLoggingHandler creates a LoggingHandler over next.
func NewLoggingHandler(pctx *Context, next Handler) *LoggingHandler {
	return &LoggingHandler{
		next:   next,
		logger: pctx.logger().With("device", pctx.DeviceKey, "stage", "logging"),
	}
}

func (h *LoggingHandler) log(op string, start time.Time, err error) {
	if err != nil {
		h.logger.Debug("call failed", "op", op, "duration", time.Since(start),
			"kind", wire.KindOf(err).String(), "class", wire.Classify(err).String(), "err", err)
		return
	}
	h.logger.Debug("call done", "op", op, "duration", time.Since(start))
}

func (h *LoggingHandler) call(op string, fn func() error) error {
	start := time.Now()
	err := fn()
	h.log(op, start, err)
	return err
}

func (h *LoggingHandler) Open(ctx context.Context) error {
	return h.call(opOpen, func() error { return h.next.Open(ctx) })
}

func (h *LoggingHandler) Close(ctx context.Context) error {
	return h.call(opClose, func() error { return h.next.Close(ctx) })
}

func (h *LoggingHandler) SendTelemetry(ctx context.Context, msg *wire.TelemetryMessage) error {
	return h.call(opSendTelemetry, func() error { return h.next.SendTelemetry(ctx, msg) })
}

func (h *LoggingHandler) SendTelemetryBatch(ctx context.Context, msgs []*wire.TelemetryMessage) error {
	return h.call(opSendTelemetryBatch, func() error { return h.next.SendTelemetryBatch(ctx, msgs) })
}

func (h *LoggingHandler) EnableReceiveMessage(ctx context.Context) error {
	return h.call(opEnableReceive, func() error { return h.next.EnableReceiveMessage(ctx) })
}

func (h *LoggingHandler) DisableReceiveMessage(ctx context.Context) error {
	return h.call(opDisableReceive, func() error { return h.next.DisableReceiveMessage(ctx) })
}

// ReceiveMessage is not logged; it is a long wait issued in a loop.
func (h *LoggingHandler) ReceiveMessage(ctx context.Context) (*wire.IncomingMessage, error) {
	return h.next.ReceiveMessage(ctx)
}

func (h *LoggingHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return h.call(opCompleteMessage, func() error { return h.next.CompleteMessage(ctx, lockToken) })
}

func (h *LoggingHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return h.call(opRejectMessage, func() error { return h.next.RejectMessage(ctx, lockToken) })
}

func (h *LoggingHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return h.call(opAbandonMessage, func() error { return h.next.AbandonMessage(ctx, lockToken) })
}

func (h *LoggingHandler) EnableMethods(ctx context.Context) error {
	return h.call(opEnableMethods, func() error { return h.next.EnableMethods(ctx) })
}

func (h *LoggingHandler) DisableMethods(ctx context.Context) error {
	return h.call(opDisableMethods, func() error { return h.next.DisableMethods(ctx) })
}

func (h *LoggingHandler) EnableTwinPatch(ctx context.Context) error {
	return h.call(opEnableTwinPatch, func() error { return h.next.EnableTwinPatch(ctx) })
}

func (h *LoggingHandler) DisableTwinPatch(ctx context.Context) error {
	return h.call(opDisableTwinPatch, func() error { return h.next.DisableTwinPatch(ctx) })
}

func (h *LoggingHandler) GetTwin(ctx context.Context) (*wire.Twin, error) {
	var twin *wire.Twin
	err := h.call(opGetTwin, func() error {
		var err error
		twin, err = h.next.GetTwin(ctx)
		return err
	})
	return twin, err
}

func (h *LoggingHandler) UpdateReportedProperties(ctx context.Context, props map[string]any) (int64, error) {
	var version int64
	err := h.call(opUpdateReported, func() error {
		var err error
		version, err = h.next.UpdateReportedProperties(ctx, props)
		return err
	})
	return version, err
}

func (h *LoggingHandler) SetCallbacks(cb Callbacks) {
	if lost := cb.OnConnectionLost; lost != nil {
		cb.OnConnectionLost = func(err error) {
			h.logger.Info("connection lost", "err", err)
			lost(err)
		}
	}
	h.next.SetCallbacks(cb)
}

var _ Handler = (*LoggingHandler)(nil)
