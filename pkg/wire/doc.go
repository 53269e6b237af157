// Package wire defines the frame envelope exchanged with the hub, the
// message payloads carried inside it, and the classified error type every
// layer of the client uses to report failures.
//
// Frames are CBOR (RFC 8949) maps with integer keys. A single physical
// connection carries frames for many devices; DeviceKey and Link select the
// logical link a frame belongs to.
//
// # Frame Types
//
//   - Control: connection open/close, ping/pong
//   - Session: per-device session open/close
//   - Link: attach/detach of a logical link
//   - Transfer: payload on a link, either direction
//   - Disposition: settle a received message (complete/reject/abandon)
//   - Result: outcome of any request frame, matched by CorrelationID
//
// # Error Classification
//
// Errors carry an ErrorKind. Classify maps an error to one of four classes
// (transient, non-retryable, terminal, canceled). Only the retry stage of the
// pipeline acts on the class; lower layers just report the kind.
package wire
