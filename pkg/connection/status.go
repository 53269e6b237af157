package connection

import (
	"time"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// Status is the connection status of a device client.
type Status uint8

const (
	// StatusDisconnected is the initial status and the status after a
	// failure that left the session down.
	StatusDisconnected Status = iota

	// StatusConnected indicates an open device session.
	StatusConnected

	// StatusDisabled indicates the connection was lost while automatic
	// reconnection is switched off.
	StatusDisabled

	// StatusClosed indicates the client was closed by the application.
	StatusClosed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisabled:
		return "DISABLED"
	case StatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Reason explains the most recent status change.
type Reason uint8

const (
	ReasonConnectionOK Reason = iota
	ReasonClientClosed
	ReasonDeviceDisabled
	ReasonBadCredential
	ReasonQuotaExceeded
	ReasonRetryExpired
	ReasonCommunicationError
)

// String returns a human-readable reason name.
func (r Reason) String() string {
	switch r {
	case ReasonConnectionOK:
		return "CONNECTION_OK"
	case ReasonClientClosed:
		return "CLIENT_CLOSED"
	case ReasonDeviceDisabled:
		return "DEVICE_DISABLED"
	case ReasonBadCredential:
		return "BAD_CREDENTIAL"
	case ReasonQuotaExceeded:
		return "QUOTA_EXCEEDED"
	case ReasonRetryExpired:
		return "RETRY_EXPIRED"
	case ReasonCommunicationError:
		return "COMMUNICATION_ERROR"
	default:
		return "UNKNOWN"
	}
}

// ReasonForKind maps a terminal error kind to the reason reported with
// StatusDisconnected.
func ReasonForKind(k wire.ErrorKind) Reason {
	switch k {
	case wire.KindDeviceNotFound, wire.KindDisabled:
		return ReasonDeviceDisabled
	case wire.KindUnauthorized:
		return ReasonBadCredential
	case wire.KindQuotaExceeded:
		return ReasonQuotaExceeded
	default:
		return ReasonCommunicationError
	}
}

// Info is a snapshot of the tracked status.
type Info struct {
	Status    Status
	Reason    Reason
	ChangedAt time.Time
}

// ChangeFunc is invoked after a status change.
type ChangeFunc func(info Info)
