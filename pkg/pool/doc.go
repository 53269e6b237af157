// Package pool multiplexes device sessions over a bounded set of physical
// connections to the hub.
//
// # Units and Holders
//
// Each device identity acquired from a Pool gets a Unit: its session on the
// hub and the logical links inside it (telemetry, messages, methods, twin,
// twin updates). Units are attached to connection holders. A holder owns at
// most one live PhysicalConnection at a time and opens it lazily on the
// first Unit.Open.
//
// Without pooling every identity gets its own holder. With pooling the pool
// has MaxPoolSize holders; an identity starts at holder fnv32a(key) mod
// MaxPoolSize and probes forward to the first holder below capacity.
// Capacity is ceil(MaxDevices/MaxPoolSize), or unlimited when MaxDevices
// is zero.
//
// # Lifetimes
//
// A physical connection is closed only when the last Unit attached to its
// holder is released. When it fails instead, the holder forgets it and every
// attached Unit is told through its connection-lost handler; the pool never
// reconnects on its own. The next Unit.Open on that holder dials again.
//
// # Locking
//
// The pool mutex covers only the identity map and holder bookkeeping.
// A holder serializes open and close of its connection. Link traffic only
// takes the transport's write lock, so devices sharing a connection never
// wait on each other.
package pool
