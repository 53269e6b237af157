// Package log provides the protocol event log for the hub client.
//
// Protocol events are a machine-readable trace of what the client did on
// the wire and in its pipeline. They are separate from operational logging
// (slog): an application can discard them, print them through slog, or keep
// them in a binary file for later analysis.
//
// # Basic Usage
//
//	// Development: print events via slog
//	opts.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// Production: append to a CBOR file
//	fl, _ := log.NewFileLogger("/var/log/hub/device.hlog")
//	opts.ProtocolLogger = fl
//
//	// Both
//	opts.ProtocolLogger = log.NewMultiLogger(log.NewSlogAdapter(slog.Default()), fl)
//
// # Event Types
//
//   - Transport: frames sent and received (FrameEvent)
//   - Pipeline: operation outcomes with attempt counts (OperationEvent)
//   - Status: device and connection state changes (StateChangeEvent)
//   - Errors at any layer (ErrorEventData)
//
// # File Format
//
// Log files are a concatenation of CBOR-encoded events with integer keys.
// Reader streams them back with optional filtering.
package log
