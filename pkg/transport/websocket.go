package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultHandshakeTimeout bounds the WebSocket upgrade when ctx has no deadline.
const DefaultHandshakeTimeout = 30 * time.Second

// WebSocketSubprotocol is requested during the upgrade.
const WebSocketSubprotocol = "hub.frames.v1"

// ErrUnexpectedMessage is returned when the hub sends a non-binary message.
var ErrUnexpectedMessage = errors.New("unexpected websocket message type")

// wsConn carries one frame per binary WebSocket message.
type wsConn struct {
	conn    *websocket.Conn
	maxSize uint32
}

func dialWebSocket(ctx context.Context, cfg Config) (frameConn, error) {
	dialer := websocket.Dialer{
		NetDialContext:   cfg.Dial,
		TLSClientConfig:  cfg.TLS,
		HandshakeTimeout: DefaultHandshakeTimeout,
		Subprotocols:     []string{WebSocketSubprotocol},
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.Address, cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket upgrade: %s: %w", resp.Status, err)
		}
		return nil, err
	}
	conn.SetReadLimit(int64(cfg.MaxFrameSize))
	return &wsConn{conn: conn, maxSize: cfg.MaxFrameSize}, nil
}

func (w *wsConn) readFrame() ([]byte, error) {
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: %d", ErrUnexpectedMessage, mt)
	}
	if len(data) == 0 {
		return nil, ErrFrameEmpty
	}
	return data, nil
}

func (w *wsConn) writeFrame(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if uint64(len(data)) > uint64(w.maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), w.maxSize)
	}
	// The websocket conn applies its own deadline to every write, so the
	// context deadline goes through it rather than the net.Conn.
	deadline, _ := ctx.Deadline()
	_ = w.conn.SetWriteDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = w.conn.NetConn().SetWriteDeadline(time.Now())
	})
	defer stop()
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsConn) close() error {
	// Best effort close handshake; the hub may already be gone.
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(100*time.Millisecond))
	return w.conn.Close()
}
