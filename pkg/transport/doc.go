// Package transport carries wire frames between a device client and the hub.
//
// A Transport is one physical connection. It is opened once, exchanges
// frames until either side closes it or the network fails, and is then
// discarded; reconnecting means building a new Transport.
//
// # Protocol Variants
//
//	ProtocolTCP        TLS over TCP, 4-byte big-endian length prefix per frame
//	ProtocolWebSocket  TLS WebSocket, one binary message per frame
//
// # Keep-Alive
//
// When an idle timeout is configured the transport sends a ping whenever
// the connection has been quiet for half the timeout, and fails the
// connection with KindTimeout once nothing at all has been received for the
// full timeout. Ping and pong frames are handled inside the transport and
// never returned by Receive.
//
// # Errors
//
// Network failures surface as *wire.Error with KindNetworkError or
// KindTimeout. Context cancellation surfaces unchanged as context.Canceled
// or context.DeadlineExceeded.
package transport
