package client

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/devicehub/hub-client-go/pkg/config"
	"github.com/devicehub/hub-client-go/pkg/log"
	"github.com/devicehub/hub-client-go/pkg/pool"
	"github.com/devicehub/hub-client-go/pkg/retry"
	"github.com/devicehub/hub-client-go/pkg/transport"
)

// WebSocketPath is the upgrade path on the hub.
const WebSocketPath = "/$frames"

// options collects Option values.
type options struct {
	protocol         transport.Protocol
	tls              *transport.TLSConfig
	transport        *transport.Config
	idleTimeout      time.Duration
	maxFrameSize     uint32
	settings         pool.Settings
	pool             *pool.Pool
	policy           retry.Policy
	autoReconnect    bool
	operationTimeout time.Duration
	tokenTTL         time.Duration
	credential       pool.TokenSource
	logger           *slog.Logger
	protocolLogger   log.Logger
	protocolLogPath  string
}

func defaultOptions() options {
	return options{
		idleTimeout:      config.DefaultIdleTimeout,
		autoReconnect:    true,
		operationTimeout: config.DefaultOperationTimeout,
		tokenTTL:         DefaultTokenTTL,
	}
}

// Option configures a DeviceClient.
type Option func(*options)

// WithProtocol selects TCP or WebSocket.
func WithProtocol(p transport.Protocol) Option {
	return func(o *options) { o.protocol = p }
}

// WithTLS sets TLS settings, such as a client certificate or private
// root CAs.
func WithTLS(cfg *transport.TLSConfig) Option {
	return func(o *options) { o.tls = cfg }
}

// WithTransportConfig replaces the derived transport settings. Address,
// TLS and Dial are taken as given. A client with a custom Dial gets a
// private pool.
func WithTransportConfig(cfg transport.Config) Option {
	return func(o *options) { o.transport = &cfg }
}

// WithIdleTimeout sets the keep-alive idle timeout. Zero disables
// keep-alive.
func WithIdleTimeout(d time.Duration) Option {
	return func(o *options) { o.idleTimeout = d }
}

// WithPoolSettings enables and sizes connection sharing.
func WithPoolSettings(s pool.Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithPool uses p instead of a registry pool. The caller owns p.
func WithPool(p *pool.Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithRetryPolicy sets the initial retry policy.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithAutoReconnect controls session recovery after connection loss.
func WithAutoReconnect(enabled bool) Option {
	return func(o *options) { o.autoReconnect = enabled }
}

// WithOperationTimeout bounds each hub request.
func WithOperationTimeout(d time.Duration) Option {
	return func(o *options) { o.operationTimeout = d }
}

// WithTokenTTL sets the lifetime of generated SAS tokens.
func WithTokenTTL(d time.Duration) Option {
	return func(o *options) { o.tokenTTL = d }
}

// WithCredential overrides the SAS credential derived from the
// connection string.
func WithCredential(ts pool.TokenSource) Option {
	return func(o *options) { o.credential = ts }
}

// WithLogger sets the operational logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProtocolLogger sets the protocol event logger. The client gets a
// private pool so the logger only sees its own connections.
func WithProtocolLogger(l log.Logger) Option {
	return func(o *options) { o.protocolLogger = l }
}

// WithProtocolLogFile writes protocol events to a CBOR file owned by the
// client. As with WithProtocolLogger, the client gets a private pool.
func WithProtocolLogFile(path string) Option {
	return func(o *options) { o.protocolLogPath = path }
}

// OptionsFromConfig maps a validated configuration to options.
func OptionsFromConfig(cfg config.Config) ([]Option, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := cfg.RetryPolicy()
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithProtocol(cfg.Protocol()),
		WithIdleTimeout(time.Duration(cfg.Transport.IdleTimeout)),
		WithPoolSettings(pool.Settings{
			Pooling:     cfg.Pool.Pooling,
			MaxPoolSize: cfg.Pool.MaxPoolSize,
			MaxDevices:  cfg.Pool.MaxDevices,
		}),
		WithRetryPolicy(policy),
		WithAutoReconnect(cfg.AutoReconnect),
		WithOperationTimeout(time.Duration(cfg.OperationTimeout)),
		func(o *options) { o.maxFrameSize = cfg.Transport.MaxFrameSize },
	}
	if cfg.Transport.ServerName != "" || cfg.Transport.InsecureSkipVerify {
		opts = append(opts, WithTLS(&transport.TLSConfig{
			ServerName:         cfg.Transport.ServerName,
			InsecureSkipVerify: cfg.Transport.InsecureSkipVerify,
		}))
	}
	if cfg.ProtocolLog != "" {
		opts = append(opts, WithProtocolLogFile(cfg.ProtocolLog))
	}
	return opts, nil
}

// transportConfig derives the transport template for host.
func (o *options) transportConfig(host string) (transport.Config, error) {
	if o.transport != nil {
		cfg := *o.transport
		if cfg.IdleTimeout == 0 {
			cfg.IdleTimeout = o.idleTimeout
		}
		return cfg, nil
	}

	cfg := transport.Config{
		Protocol:     o.protocol,
		IdleTimeout:  o.idleTimeout,
		MaxFrameSize: o.maxFrameSize,
	}
	switch o.protocol {
	case transport.ProtocolWebSocket:
		cfg.Address = "wss://" + net.JoinHostPort(host, strconv.Itoa(transport.DefaultWebSocketPort)) + WebSocketPath
	default:
		cfg.Address = net.JoinHostPort(host, strconv.Itoa(transport.DefaultTCPPort))
	}

	tlsSettings := o.tls
	if tlsSettings == nil {
		tlsSettings = &transport.TLSConfig{}
	}
	tlsConf, err := transport.NewClientTLSConfig(tlsSettings, o.protocol, net.JoinHostPort(host, "0"))
	if err != nil {
		return transport.Config{}, fmt.Errorf("tls: %w", err)
	}
	cfg.TLS = tlsConf
	return cfg, nil
}
