package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
)

// ALPN identifiers.
const (
	// ALPNProtocol is negotiated on raw TCP connections.
	ALPNProtocol = "hub/1"

	// ALPNWebSocket is negotiated on WebSocket connections (HTTP upgrade).
	ALPNWebSocket = "http/1.1"
)

// Default ports.
const (
	DefaultTCPPort       = 5671
	DefaultWebSocketPort = 443
)

// TLSConfig holds TLS settings for a hub connection.
type TLSConfig struct {
	// Certificate is an optional client certificate for X.509 device
	// authentication.
	Certificate *tls.Certificate

	// RootCAs verifies the hub certificate. Nil uses the system pool.
	RootCAs *x509.CertPool

	// ServerName overrides the name used for SNI and verification.
	// Defaults to the host part of the address.
	ServerName string

	// InsecureSkipVerify disables certificate verification.
	// Only for testing.
	InsecureSkipVerify bool
}

// NewClientTLSConfig builds the *tls.Config for a protocol variant and
// address. TLS 1.2 is the minimum.
func NewClientTLSConfig(cfg *TLSConfig, protocol Protocol, address string) (*tls.Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("TLSConfig is required")
	}

	serverName := cfg.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		serverName = host
	}

	tlsConf := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            cfg.RootCAs,
		ServerName:         serverName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
	}
	if cfg.Certificate != nil {
		tlsConf.Certificates = []tls.Certificate{*cfg.Certificate}
	}

	switch protocol {
	case ProtocolWebSocket:
		tlsConf.NextProtos = []string{ALPNWebSocket}
	default:
		tlsConf.NextProtos = []string{ALPNProtocol}
	}
	return tlsConf, nil
}
