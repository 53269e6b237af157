package log

import (
	"time"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// Event is a protocol log event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies the physical connection (UUID). Empty for
	// events that are not tied to a connection.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// DeviceKey is the device ("device" or "device/module") the event concerns.
	DeviceKey string `cbor:"6,keyasint,omitempty"`

	// One of these is set, matching Category.
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Operation   *OperationEvent   `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"13,keyasint,omitempty"`
}

// Direction indicates message flow.
type Direction uint8

const (
	// DirectionNone is used for events without a flow direction.
	DirectionNone Direction = 0
	// DirectionIn indicates data from the hub.
	DirectionIn Direction = 1
	// DirectionOut indicates data to the hub.
	DirectionOut Direction = 2
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "NONE"
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which client layer captured the event.
type Layer uint8

const (
	LayerTransport Layer = 0
	LayerPool      Layer = 1
	LayerPipeline  Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerPool:
		return "POOL"
	case LayerPipeline:
		return "PIPELINE"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	CategoryFrame     Category = 0
	CategoryOperation Category = 1
	CategoryState     Category = 2
	CategoryError     Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryFrame:
		return "FRAME"
	case CategoryOperation:
		return "OPERATION"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent describes a frame at the transport layer. Payload bytes are
// not recorded; only their size.
type FrameEvent struct {
	Type          wire.FrameType `cbor:"1,keyasint"`
	Link          wire.Link      `cbor:"2,keyasint,omitempty"`
	CorrelationID string         `cbor:"3,keyasint,omitempty"`
	Size          int            `cbor:"4,keyasint"`
}

// OperationEvent records the outcome of one pipeline operation.
type OperationEvent struct {
	// Name is the operation ("open", "send_telemetry", ...).
	Name string `cbor:"1,keyasint"`

	// Attempts is the number of inner calls made.
	Attempts uint32 `cbor:"2,keyasint"`

	// Duration is the wall time of the whole operation, retries included.
	Duration time.Duration `cbor:"3,keyasint"`

	// Outcome is "ok", or the wire.Class name of the final error.
	Outcome string `cbor:"4,keyasint"`
}

// StateChangeEvent captures lifecycle changes.
type StateChangeEvent struct {
	Entity   StateEntity `cbor:"1,keyasint"`
	OldState string      `cbor:"2,keyasint,omitempty"`
	NewState string      `cbor:"3,keyasint"`
	Reason   string      `cbor:"4,keyasint,omitempty"`
}

// StateEntity indicates what changed state.
type StateEntity uint8

const (
	// StateEntityDevice is the per-device connection status.
	StateEntityDevice StateEntity = 0
	// StateEntityConnection is a physical connection.
	StateEntityConnection StateEntity = 1
	// StateEntityLink is a logical link inside a device session.
	StateEntityLink StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityDevice:
		return "DEVICE"
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityLink:
		return "LINK"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	Layer   Layer          `cbor:"1,keyasint"`
	Message string         `cbor:"2,keyasint"`
	Kind    wire.ErrorKind `cbor:"3,keyasint,omitempty"`

	// Context describes what was being done.
	Context string `cbor:"4,keyasint,omitempty"`
}

// NewErrorEvent builds an error event for err.
func NewErrorEvent(layer Layer, connID, deviceKey, context string, err error) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: connID,
		Layer:        layer,
		Category:     CategoryError,
		DeviceKey:    deviceKey,
		Error: &ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Kind:    wire.KindOf(err),
			Context: context,
		},
	}
}
