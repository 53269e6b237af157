package wire

// FrameType identifies the purpose of a frame.
type FrameType uint8

const (
	FrameConnOpen     FrameType = 1
	FrameConnClose    FrameType = 2
	FramePing         FrameType = 3
	FramePong         FrameType = 4
	FrameSessionOpen  FrameType = 5
	FrameSessionClose FrameType = 6
	FrameAttach       FrameType = 7
	FrameDetach       FrameType = 8
	FrameTransfer     FrameType = 9
	FrameDisposition  FrameType = 10
	FrameResult       FrameType = 11
)

// String returns the frame type name.
func (t FrameType) String() string {
	switch t {
	case FrameConnOpen:
		return "CONN_OPEN"
	case FrameConnClose:
		return "CONN_CLOSE"
	case FramePing:
		return "PING"
	case FramePong:
		return "PONG"
	case FrameSessionOpen:
		return "SESSION_OPEN"
	case FrameSessionClose:
		return "SESSION_CLOSE"
	case FrameAttach:
		return "ATTACH"
	case FrameDetach:
		return "DETACH"
	case FrameTransfer:
		return "TRANSFER"
	case FrameDisposition:
		return "DISPOSITION"
	case FrameResult:
		return "RESULT"
	default:
		return "UNKNOWN"
	}
}

// IsControl reports whether the frame is handled by the transport itself.
func (t FrameType) IsControl() bool {
	return t == FramePing || t == FramePong
}

// Link identifies a logical link inside a device session.
type Link uint8

const (
	LinkNone        Link = 0
	LinkTelemetry   Link = 1
	LinkMessages    Link = 2
	LinkMethods     Link = 3
	LinkTwin        Link = 4
	LinkTwinUpdates Link = 5
)

// String returns the link name.
func (l Link) String() string {
	switch l {
	case LinkNone:
		return "NONE"
	case LinkTelemetry:
		return "TELEMETRY"
	case LinkMessages:
		return "MESSAGES"
	case LinkMethods:
		return "METHODS"
	case LinkTwin:
		return "TWIN"
	case LinkTwinUpdates:
		return "TWIN_UPDATES"
	default:
		return "UNKNOWN"
	}
}

// Outcome settles a received cloud-to-device message.
type Outcome uint8

const (
	OutcomeComplete Outcome = 1
	OutcomeReject   Outcome = 2
	OutcomeAbandon  Outcome = 3
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "COMPLETE"
	case OutcomeReject:
		return "REJECT"
	case OutcomeAbandon:
		return "ABANDON"
	default:
		return "UNKNOWN"
	}
}

// Frame is the unit exchanged over a physical connection.
type Frame struct {
	Type FrameType `cbor:"1,keyasint"`

	// CorrelationID pairs a request frame with its FrameResult.
	// Empty for fire-and-forget frames.
	CorrelationID string `cbor:"2,keyasint,omitempty"`

	// DeviceKey addresses the device session ("device" or "device/module").
	DeviceKey string `cbor:"3,keyasint,omitempty"`

	Link Link `cbor:"4,keyasint,omitempty"`

	// Token carries the session credential on FrameSessionOpen.
	Token string `cbor:"5,keyasint,omitempty"`

	// Sequence numbers ping/pong pairs.
	Sequence uint32 `cbor:"6,keyasint,omitempty"`

	// LockToken identifies a received message on FrameDisposition.
	LockToken string `cbor:"7,keyasint,omitempty"`

	Outcome Outcome `cbor:"8,keyasint,omitempty"`

	// Payload is a CBOR-encoded body (see payload.go).
	Payload []byte `cbor:"9,keyasint,omitempty"`

	// Error is set on a failed FrameResult.
	Error *ErrorInfo `cbor:"10,keyasint,omitempty"`
}

// ErrorInfo is the wire form of a hub-reported error.
type ErrorInfo struct {
	Kind       ErrorKind `cbor:"1,keyasint"`
	Message    string    `cbor:"2,keyasint,omitempty"`
	TrackingID string    `cbor:"3,keyasint,omitempty"`
}

// Err converts the wire error into an *Error. A nil receiver yields nil.
func (i *ErrorInfo) Err() error {
	if i == nil {
		return nil
	}
	return &Error{Kind: i.Kind, Message: i.Message, TrackingID: i.TrackingID}
}

// ErrorInfoFrom converts err into its wire form.
func ErrorInfoFrom(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	info := &ErrorInfo{Kind: KindOf(err), Message: err.Error()}
	if e, ok := err.(*Error); ok {
		info.Message = e.Message
		info.TrackingID = e.TrackingID
	}
	return info
}

// ResultFor builds the FrameResult answering req.
func ResultFor(req *Frame, payload []byte, err error) *Frame {
	return &Frame{
		Type:          FrameResult,
		CorrelationID: req.CorrelationID,
		DeviceKey:     req.DeviceKey,
		Link:          req.Link,
		Payload:       payload,
		Error:         ErrorInfoFrom(err),
	}
}
