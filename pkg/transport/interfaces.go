package transport

import (
	"context"
	"fmt"
	"strings"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// Transport is a single physical connection to the hub.
type Transport interface {
	// Open establishes the connection.
	Open(ctx context.Context) error

	// Close sends a close frame when possible and releases the connection.
	// Safe to call more than once.
	Close(ctx context.Context) error

	// Send writes one frame. Safe for concurrent use.
	Send(ctx context.Context, f *wire.Frame) error

	// Receive blocks until the next non-control frame arrives, the
	// connection fails, or ctx is done.
	Receive(ctx context.Context) (*wire.Frame, error)
}

// Protocol selects the transport variant.
type Protocol uint8

const (
	ProtocolTCP Protocol = iota
	ProtocolWebSocket
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolTCP:
		return "tcp"
	case ProtocolWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// ParseProtocol parses a protocol name as used in configuration files.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tcp":
		return ProtocolTCP, nil
	case "websocket", "ws", "wss":
		return ProtocolWebSocket, nil
	default:
		return 0, fmt.Errorf("unknown transport protocol %q", s)
	}
}

// frameConn is the per-variant byte channel under a Transport.
type frameConn interface {
	readFrame() ([]byte, error)
	writeFrame(ctx context.Context, data []byte) error
	close() error
}

// Compile-time interface satisfaction checks.
var (
	_ Transport = (*Conn)(nil)
	_ frameConn = (*streamConn)(nil)
	_ frameConn = (*wsConn)(nil)
)
