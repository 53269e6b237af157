// Package pipeline assembles the per-device handler chain.
//
// A pipeline is an explicit, ordered list of stages that all implement
// Handler. Build wraps the terminal TransportHandler with the stages in
// order, so the first stage sees every call first:
//
//	h, err := pipeline.Build(pctx, terminal,
//	    pipeline.RetryStage(pipeline.WithAutoReconnect(true)),
//	    pipeline.LoggingStage(),
//	)
//
// RetryHandler is the only stage that decides whether an operation is
// attempted again. It classifies each failure with wire.Classify, consults
// the active retry.Policy for transient failures, drives the connection
// status tracker, and recovers the session after the physical connection
// is lost.
package pipeline
