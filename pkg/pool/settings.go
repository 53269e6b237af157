package pool

import (
	"context"
	"log/slog"
	"time"

	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/transport"
)

// Defaults.
const (
	DefaultMaxPoolSize = 100
)

// Settings control connection sharing.
type Settings struct {
	// Pooling shares physical connections between devices.
	Pooling bool

	// MaxPoolSize is the number of physical connections when pooling.
	MaxPoolSize int

	// MaxDevices caps the number of devices in the pool. Zero means
	// unlimited.
	MaxDevices int
}

// holderCount returns K, the number of pooled holders.
func (s Settings) holderCount() int {
	if s.MaxPoolSize <= 0 {
		return DefaultMaxPoolSize
	}
	return s.MaxPoolSize
}

// Capacity returns how many units one connection may carry; zero means
// unlimited.
func (s Settings) Capacity() int {
	if !s.Pooling {
		return 1
	}
	if s.MaxDevices <= 0 {
		return 0
	}
	k := s.holderCount()
	return (s.MaxDevices + k - 1) / k
}

// TokenSource supplies the credential presented when a session opens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Identity names one device or module endpoint.
type Identity struct {
	HubHost  string
	DeviceID string
	ModuleID string

	// Credential may be nil when the transport authenticates the device,
	// as with X.509 client certificates.
	Credential TokenSource
}

// Key is the routing key on the wire: deviceID or deviceID/moduleID.
func (id Identity) Key() string {
	if id.ModuleID == "" {
		return id.DeviceID
	}
	return id.DeviceID + "/" + id.ModuleID
}

// Config configures a Pool.
type Config struct {
	Settings Settings

	// Transport is the template for every physical connection.
	// ConnectionID and ProtocolLogger are filled in per connection.
	Transport transport.Config

	// NewTransport builds a transport from the template. Defaults to
	// transport.New.
	NewTransport func(transport.Config) transport.Transport

	// OperationTimeout bounds each hub request. Zero means only the
	// caller's context applies.
	OperationTimeout time.Duration

	Logger         *slog.Logger
	ProtocolLogger log.Logger
}
