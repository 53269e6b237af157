package log

// Logger receives protocol log events.
// Pass nil or NoopLogger to disable protocol logging.
type Logger interface {
	// Log records an event. Implementations must be safe for concurrent use
	// and must not block; events are emitted from network read loops.
	Log(event Event)
}

// NoopLogger discards all events. Usable as a zero value.
type NoopLogger struct{}

// Log discards the event.
func (NoopLogger) Log(Event) {}

// OrNoop returns l, or NoopLogger when l is nil.
func OrNoop(l Logger) Logger {
	if l == nil {
		return NoopLogger{}
	}
	return l
}

// Compile-time interface satisfaction check.
var _ Logger = NoopLogger{}
