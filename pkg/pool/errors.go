package pool

import (
	"context"
	"fmt"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// Pool errors.
var (
	// ErrPoolClosed is returned by Acquire after Close.
	ErrPoolClosed = wire.NewError(wire.KindInvalidOperation, "pool closed")

	// ErrPoolFull is returned when no holder has room for another device.
	ErrPoolFull = wire.NewError(wire.KindQuotaExceeded, "connection pool device limit reached")

	// ErrUnitNotOpen is returned by link operations before Open or after
	// Close or connection loss.
	ErrUnitNotOpen = wire.NewError(wire.KindInvalidOperation, "device session not open")

	// ErrUnitReleased is returned by operations on a released unit.
	ErrUnitReleased = wire.NewError(wire.KindInvalidOperation, "device unit released")

	// ErrConnectionLost fails requests in flight when the physical
	// connection drops.
	ErrConnectionLost = wire.NewError(wire.KindNetworkError, "connection lost")

	// ErrOperationTimeout is returned when a hub request exceeds the
	// configured operation timeout.
	ErrOperationTimeout = wire.NewError(wire.KindTimeout, "operation timed out")
)

// ErrReceiveDisabled is returned by a pending ReceiveMessage when message
// receive is disabled. It matches context.Canceled.
var ErrReceiveDisabled = fmt.Errorf("message receive disabled: %w", context.Canceled)
