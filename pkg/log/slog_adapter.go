package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger at Debug level.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}
	if event.ConnectionID != "" {
		attrs = append(attrs, slog.String("conn_id", event.ConnectionID))
	}
	if event.Direction != DirectionNone {
		attrs = append(attrs, slog.String("direction", event.Direction.String()))
	}
	if event.DeviceKey != "" {
		attrs = append(attrs, slog.String("device", event.DeviceKey))
	}

	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.String("frame", event.Frame.Type.String()),
			slog.Int("frame_size", event.Frame.Size),
		)
		if event.Frame.Link != 0 {
			attrs = append(attrs, slog.String("link", event.Frame.Link.String()))
		}
		if event.Frame.CorrelationID != "" {
			attrs = append(attrs, slog.String("correlation_id", event.Frame.CorrelationID))
		}
	case event.Operation != nil:
		attrs = append(attrs,
			slog.String("op", event.Operation.Name),
			slog.Uint64("attempts", uint64(event.Operation.Attempts)),
			slog.Duration("duration", event.Operation.Duration),
			slog.String("outcome", event.Operation.Outcome),
		)
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_kind", event.Error.Kind.String()),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
