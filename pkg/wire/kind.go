package wire

// ErrorKind tags a failure reported by the hub or the transport.
type ErrorKind uint8

const (
	// KindUnknown is an unclassified failure.
	KindUnknown ErrorKind = 0

	// KindDeviceNotFound indicates the device identity is not registered.
	KindDeviceNotFound ErrorKind = 1

	// KindDisabled indicates the device is registered but disabled.
	KindDisabled ErrorKind = 2

	// KindQuotaExceeded indicates the hub quota or device cap is exhausted.
	KindQuotaExceeded ErrorKind = 3

	// KindNetworkError indicates the network path failed.
	KindNetworkError ErrorKind = 4

	// KindTimeout indicates the hub or transport did not answer in time.
	KindTimeout ErrorKind = 5

	// KindUnauthorized indicates the credential was rejected.
	KindUnauthorized ErrorKind = 6

	// KindUnsupported indicates the operation is not supported.
	KindUnsupported ErrorKind = 7

	// KindThrottled indicates the hub is throttling this client.
	KindThrottled ErrorKind = 8

	// KindServerBusy indicates a transient hub-side failure.
	KindServerBusy ErrorKind = 9

	// KindInvalidArgument indicates a malformed request.
	KindInvalidArgument ErrorKind = 10

	// KindInvalidOperation indicates the request is not valid in the current state.
	KindInvalidOperation ErrorKind = 11
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindUnknown:
		return "UNKNOWN"
	case KindDeviceNotFound:
		return "DEVICE_NOT_FOUND"
	case KindDisabled:
		return "DISABLED"
	case KindQuotaExceeded:
		return "QUOTA_EXCEEDED"
	case KindNetworkError:
		return "NETWORK_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	case KindUnsupported:
		return "UNSUPPORTED"
	case KindThrottled:
		return "THROTTLED"
	case KindServerBusy:
		return "SERVER_BUSY"
	case KindInvalidArgument:
		return "INVALID_ARGUMENT"
	case KindInvalidOperation:
		return "INVALID_OPERATION"
	default:
		return "UNKNOWN"
	}
}

// IsTransient reports whether a retry may succeed.
func (k ErrorKind) IsTransient() bool {
	switch k {
	case KindNetworkError, KindTimeout, KindThrottled, KindServerBusy:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the failure means the device cannot be served
// until an operator intervenes (registry, credential, quota).
func (k ErrorKind) IsTerminal() bool {
	switch k {
	case KindDeviceNotFound, KindDisabled, KindUnauthorized, KindQuotaExceeded:
		return true
	default:
		return false
	}
}
