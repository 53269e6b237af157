package pipeline

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

type mockHandler struct {
	mock.Mock

	cbMu sync.Mutex
	cb   Callbacks
}

func (m *mockHandler) Open(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockHandler) Close(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockHandler) SendTelemetry(ctx context.Context, msg *wire.TelemetryMessage) error {
	return m.Called(ctx, msg).Error(0)
}
func (m *mockHandler) SendTelemetryBatch(ctx context.Context, msgs []*wire.TelemetryMessage) error {
	return m.Called(ctx, msgs).Error(0)
}
func (m *mockHandler) EnableReceiveMessage(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *mockHandler) DisableReceiveMessage(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *mockHandler) ReceiveMessage(ctx context.Context) (*wire.IncomingMessage, error) {
	ret := m.Called(ctx)
	var msg *wire.IncomingMessage
	if ret.Get(0) != nil {
		msg = ret.Get(0).(*wire.IncomingMessage)
	}
	return msg, ret.Error(1)
}
func (m *mockHandler) CompleteMessage(ctx context.Context, lt string) error {
	return m.Called(ctx, lt).Error(0)
}
func (m *mockHandler) RejectMessage(ctx context.Context, lt string) error {
	return m.Called(ctx, lt).Error(0)
}
func (m *mockHandler) AbandonMessage(ctx context.Context, lt string) error {
	return m.Called(ctx, lt).Error(0)
}
func (m *mockHandler) EnableMethods(ctx context.Context) error    { return m.Called(ctx).Error(0) }
func (m *mockHandler) DisableMethods(ctx context.Context) error   { return m.Called(ctx).Error(0) }
func (m *mockHandler) EnableTwinPatch(ctx context.Context) error  { return m.Called(ctx).Error(0) }
func (m *mockHandler) DisableTwinPatch(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *mockHandler) GetTwin(ctx context.Context) (*wire.Twin, error) {
	ret := m.Called(ctx)
	var twin *wire.Twin
	if ret.Get(0) != nil {
		twin = ret.Get(0).(*wire.Twin)
	}
	return twin, ret.Error(1)
}
func (m *mockHandler) UpdateReportedProperties(ctx context.Context, props map[string]any) (int64, error) {
	ret := m.Called(ctx, props)
	return ret.Get(0).(int64), ret.Error(1)
}

// SetCallbacks is recorded without expectations; tests fire the stored
// callbacks to simulate the transport.
func (m *mockHandler) SetCallbacks(cb Callbacks) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	m.cb = cb
}

func (m *mockHandler) loseConnection(err error) {
	m.cbMu.Lock()
	fn := m.cb.OnConnectionLost
	m.cbMu.Unlock()
	if fn != nil {
		fn(err)
	}
}

var _ Handler = (*mockHandler)(nil)
