package hubtest

import "errors"

// Fake hub errors.
var (
	// ErrNoSession is returned when no live connection holds a session for
	// the device with the required link attached.
	ErrNoSession = errors.New("no session with link attached")

	// ErrHubClosed is returned after Close.
	ErrHubClosed = errors.New("hub closed")

	errPeerGone = errors.New("peer gone")
)
