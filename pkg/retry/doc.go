// Package retry provides the retry policies consulted by the client pipeline.
//
// A Policy is a pure decision function: given the number of transient
// failures seen so far and the last error, it answers whether to try again
// and how long to wait first. Policies are immutable and safe to share.
//
// # Delay Shapes
//
//	ExponentialBackoff: min(maxDelay, 2^(attempt+6) ms)
//	IncrementalDelay:   min(maxDelay, attempt * increment)
//	NoRetry:            never retries
//
// Both delay shapes are non-decreasing in attempt. With jitter enabled the
// computed delay is multiplied by a uniform factor in [0.95, 1.05).
//
// # Retry Limit
//
// maxRetries bounds the attempt number: once attempt >= maxRetries the
// policy answers false. A maxRetries of zero means unlimited; the caller's
// context is then the only bound.
package retry
