package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// streamConn frames a byte stream with length prefixes.
type streamConn struct {
	conn   net.Conn
	reader *FrameReader
	writer *FrameWriter
}

func newStreamConn(conn net.Conn, maxFrameSize uint32) *streamConn {
	return &streamConn{
		conn:   conn,
		reader: NewFrameReader(conn, maxFrameSize),
		writer: NewFrameWriter(conn, maxFrameSize),
	}
}

func dialStream(ctx context.Context, cfg Config) (frameConn, error) {
	dial := cfg.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}
	conn, err := dial(ctx, "tcp", cfg.Address)
	if err != nil {
		return nil, err
	}

	if cfg.TLS != nil {
		tlsConn := tls.Client(conn, cfg.TLS)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}
	return newStreamConn(conn, cfg.MaxFrameSize), nil
}

func (s *streamConn) readFrame() ([]byte, error) {
	return s.reader.ReadFrame()
}

func (s *streamConn) writeFrame(ctx context.Context, data []byte) error {
	defer bindWriteDeadline(ctx, s.conn)()
	return s.writer.WriteFrame(data)
}

func (s *streamConn) close() error {
	return s.conn.Close()
}

// bindWriteDeadline applies ctx's deadline to conn and interrupts a blocked
// write when ctx is cancelled. The returned func restores the connection.
func bindWriteDeadline(ctx context.Context, conn net.Conn) func() {
	if d, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(d)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Now())
	})
	return func() {
		stop()
		_ = conn.SetWriteDeadline(time.Time{})
	}
}
