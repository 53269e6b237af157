package pipeline

import (
	"context"

	"github.com/devicehub/hub-client-go/pkg/pool"
	"github.com/devicehub/hub-client-go/pkg/wire"
)

// TransportHandler is the terminal stage. It drives one pool Unit and
// releases it on Close.
type TransportHandler struct {
	pool *pool.Pool
	unit *pool.Unit
}

// NewTransportHandler acquires the unit for id from p.
func NewTransportHandler(p *pool.Pool, id pool.Identity) (*TransportHandler, error) {
	u, err := p.Acquire(id)
	if err != nil {
		return nil, err
	}
	return &TransportHandler{pool: p, unit: u}, nil
}

// Unit returns the pool unit the handler drives.
func (h *TransportHandler) Unit() *pool.Unit {
	return h.unit
}

func (h *TransportHandler) Open(ctx context.Context) error {
	return h.unit.Open(ctx)
}

// Close releases the unit back to the pool, closing its session.
func (h *TransportHandler) Close(ctx context.Context) error {
	return h.pool.Release(ctx, h.unit)
}

func (h *TransportHandler) SendTelemetry(ctx context.Context, msg *wire.TelemetryMessage) error {
	return h.unit.SendTelemetry(ctx, msg)
}

func (h *TransportHandler) SendTelemetryBatch(ctx context.Context, msgs []*wire.TelemetryMessage) error {
	return h.unit.SendTelemetryBatch(ctx, msgs)
}

func (h *TransportHandler) EnableReceiveMessage(ctx context.Context) error {
	return h.unit.EnableReceiveMessage(ctx)
}

func (h *TransportHandler) DisableReceiveMessage(ctx context.Context) error {
	return h.unit.DisableReceiveMessage(ctx)
}

func (h *TransportHandler) ReceiveMessage(ctx context.Context) (*wire.IncomingMessage, error) {
	return h.unit.ReceiveMessage(ctx)
}

func (h *TransportHandler) CompleteMessage(ctx context.Context, lockToken string) error {
	return h.unit.CompleteMessage(ctx, lockToken)
}

func (h *TransportHandler) RejectMessage(ctx context.Context, lockToken string) error {
	return h.unit.RejectMessage(ctx, lockToken)
}

func (h *TransportHandler) AbandonMessage(ctx context.Context, lockToken string) error {
	return h.unit.AbandonMessage(ctx, lockToken)
}

func (h *TransportHandler) EnableMethods(ctx context.Context) error {
	return h.unit.EnableMethods(ctx)
}

func (h *TransportHandler) DisableMethods(ctx context.Context) error {
	return h.unit.DisableMethods(ctx)
}

func (h *TransportHandler) EnableTwinPatch(ctx context.Context) error {
	return h.unit.EnableTwinPatch(ctx)
}

func (h *TransportHandler) DisableTwinPatch(ctx context.Context) error {
	return h.unit.DisableTwinPatch(ctx)
}

func (h *TransportHandler) GetTwin(ctx context.Context) (*wire.Twin, error) {
	return h.unit.GetTwin(ctx)
}

func (h *TransportHandler) UpdateReportedProperties(ctx context.Context, props map[string]any) (int64, error) {
	return h.unit.UpdateReportedProperties(ctx, props)
}

func (h *TransportHandler) SetCallbacks(cb Callbacks) {
	h.unit.SetHandlers(pool.Handlers{
		OnMethod:         cb.OnMethod,
		OnDesiredUpdate:  cb.OnDesiredUpdate,
		OnConnectionLost: cb.OnConnectionLost,
	})
}

var _ Handler = (*TransportHandler)(nil)
