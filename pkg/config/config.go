// Package config loads device client configuration from YAML.
//
// A minimal file names the device and leaves everything else at its
// default:
//
//	connection_string: "HostName=hub.example.net;DeviceId=meter-7;SharedAccessKey=..."
//
// Durations are Go duration strings ("30s", "5m").
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicehub/hub-client-go/pkg/retry"
	"github.com/devicehub/hub-client-go/pkg/transport"
)

// Retry policy names.
const (
	PolicyExponential = "exponential"
	PolicyIncremental = "incremental"
	PolicyNone        = "none"
)

// Defaults.
const (
	DefaultIdleTimeout      = 2 * time.Minute
	DefaultOperationTimeout = time.Minute
	DefaultIncrement        = 100 * time.Millisecond
	DefaultMaxPoolSize      = 100
)

// Validation errors.
var (
	ErrNoConnectionString = errors.New("connection_string is required")
	ErrUnknownPolicy      = errors.New("unknown retry policy")
	ErrInvalidPool        = errors.New("invalid pool settings")
)

// Duration is a time.Duration read from a duration string.
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "1m30s".
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full client configuration.
type Config struct {
	ConnectionString string `yaml:"connection_string"`

	Transport Transport `yaml:"transport"`
	Pool      Pool      `yaml:"pool"`
	Retry     Retry     `yaml:"retry"`

	// OperationTimeout bounds each hub request.
	OperationTimeout Duration `yaml:"operation_timeout"`

	// AutoReconnect recovers the session after connection loss.
	AutoReconnect bool `yaml:"auto_reconnect"`

	// ProtocolLog is a file receiving CBOR protocol events. Empty disables
	// it.
	ProtocolLog string `yaml:"protocol_log,omitempty"`
}

// Transport selects and tunes the transport variant.
type Transport struct {
	// Protocol is "tcp" or "websocket".
	Protocol string `yaml:"protocol"`

	IdleTimeout  Duration `yaml:"idle_timeout"`
	MaxFrameSize uint32   `yaml:"max_frame_size,omitempty"`

	// ServerName overrides the TLS server name.
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// Pool configures connection sharing.
type Pool struct {
	Pooling     bool `yaml:"pooling"`
	MaxPoolSize int  `yaml:"max_pool_size"`
	MaxDevices  int  `yaml:"max_devices"`
}

// Retry shapes the retry policy.
type Retry struct {
	Policy     string   `yaml:"policy"`
	MaxRetries uint32   `yaml:"max_retries"`
	MaxDelay   Duration `yaml:"max_delay"`
	Increment  Duration `yaml:"increment,omitempty"`
	Jitter     bool     `yaml:"jitter"`
}

// Default returns the configuration used for omitted fields.
func Default() Config {
	return Config{
		Transport: Transport{
			Protocol:    transport.ProtocolTCP.String(),
			IdleTimeout: Duration(DefaultIdleTimeout),
		},
		Pool: Pool{
			MaxPoolSize: DefaultMaxPoolSize,
		},
		Retry: Retry{
			Policy:   PolicyExponential,
			MaxDelay: Duration(retry.DefaultMaxDelay),
			Jitter:   true,
		},
		OperationTimeout: Duration(DefaultOperationTimeout),
		AutoReconnect:    true,
	}
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return Parse(data)
}

// Marshal encodes cfg as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.ConnectionString == "" {
		return ErrNoConnectionString
	}
	if _, err := transport.ParseProtocol(c.Transport.Protocol); err != nil {
		return fmt.Errorf("config: transport: %w", err)
	}
	if c.Transport.IdleTimeout < 0 || c.OperationTimeout < 0 {
		return errors.New("config: timeouts must not be negative")
	}
	if c.Pool.MaxPoolSize < 0 || c.Pool.MaxDevices < 0 {
		return fmt.Errorf("config: %w: sizes must not be negative", ErrInvalidPool)
	}
	if c.Pool.Pooling && c.Pool.MaxDevices > 0 && c.Pool.MaxPoolSize > c.Pool.MaxDevices {
		return fmt.Errorf("config: %w: max_pool_size %d exceeds max_devices %d",
			ErrInvalidPool, c.Pool.MaxPoolSize, c.Pool.MaxDevices)
	}
	switch c.Retry.Policy {
	case PolicyExponential, PolicyNone, "":
	case PolicyIncremental:
		if c.Retry.Increment <= 0 {
			return fmt.Errorf("config: retry: increment must be positive for %s", PolicyIncremental)
		}
	default:
		return fmt.Errorf("config: %w %q", ErrUnknownPolicy, c.Retry.Policy)
	}
	if c.Retry.MaxDelay < 0 {
		return errors.New("config: retry: max_delay must not be negative")
	}
	return nil
}

// Protocol returns the configured transport variant.
func (c Config) Protocol() transport.Protocol {
	p, _ := transport.ParseProtocol(c.Transport.Protocol)
	return p
}

// RetryPolicy builds the configured policy.
func (c Config) RetryPolicy() (retry.Policy, error) {
	r := c.Retry
	maxDelay := time.Duration(r.MaxDelay)
	switch r.Policy {
	case PolicyExponential, "":
		return retry.NewExponentialBackoff(r.MaxRetries, maxDelay, r.Jitter), nil
	case PolicyIncremental:
		return retry.NewIncrementalDelay(r.MaxRetries, time.Duration(r.Increment), maxDelay, r.Jitter), nil
	case PolicyNone:
		return retry.NoRetry{}, nil
	default:
		return nil, fmt.Errorf("config: %w %q", ErrUnknownPolicy, r.Policy)
	}
}
