package wire

import "time"

// TelemetryMessage is a device-to-cloud message.
type TelemetryMessage struct {
	MessageID     string            `cbor:"1,keyasint,omitempty"`
	CorrelationID string            `cbor:"2,keyasint,omitempty"`
	ContentType   string            `cbor:"3,keyasint,omitempty"`
	Properties    map[string]string `cbor:"4,keyasint,omitempty"`
	Body          []byte            `cbor:"5,keyasint,omitempty"`
	CreatedAt     time.Time         `cbor:"6,keyasint,omitempty"`
}

// TelemetryBatch carries several telemetry messages in one transfer.
type TelemetryBatch struct {
	Messages []*TelemetryMessage `cbor:"1,keyasint"`
}

// IncomingMessage is a cloud-to-device message delivered on LinkMessages.
type IncomingMessage struct {
	MessageID     string            `cbor:"1,keyasint,omitempty"`
	CorrelationID string            `cbor:"2,keyasint,omitempty"`
	LockToken     string            `cbor:"3,keyasint"`
	ContentType   string            `cbor:"4,keyasint,omitempty"`
	Properties    map[string]string `cbor:"5,keyasint,omitempty"`
	Body          []byte            `cbor:"6,keyasint,omitempty"`
	DeliveryCount uint32            `cbor:"7,keyasint,omitempty"`
	EnqueuedAt    time.Time         `cbor:"8,keyasint,omitempty"`
}

// MethodRequest is a direct method invocation from the hub.
type MethodRequest struct {
	RequestID string `cbor:"1,keyasint"`
	Name      string `cbor:"2,keyasint"`
	Payload   []byte `cbor:"3,keyasint,omitempty"`
}

// MethodResponse answers a MethodRequest.
type MethodResponse struct {
	RequestID string `cbor:"1,keyasint"`
	Status    int    `cbor:"2,keyasint"`
	Payload   []byte `cbor:"3,keyasint,omitempty"`
}

// TwinCollection is a set of twin properties. Version is the collection
// version assigned by the hub.
type TwinCollection struct {
	Version    int64          `cbor:"1,keyasint,omitempty"`
	Properties map[string]any `cbor:"2,keyasint,omitempty"`
}

// Twin is the device twin document.
type Twin struct {
	Desired  TwinCollection `cbor:"1,keyasint"`
	Reported TwinCollection `cbor:"2,keyasint"`
}

// ReportedPatchResult is the hub's answer to a reported-properties patch.
type ReportedPatchResult struct {
	Version int64 `cbor:"1,keyasint"`
}

// TwinOp selects the operation of a TwinRequest.
type TwinOp uint8

const (
	TwinOpGet         TwinOp = 1
	TwinOpPatchReport TwinOp = 2
)

// TwinRequest is sent on LinkTwin. Reported is set for TwinOpPatchReport.
type TwinRequest struct {
	Op       TwinOp         `cbor:"1,keyasint"`
	Reported map[string]any `cbor:"2,keyasint,omitempty"`
}
