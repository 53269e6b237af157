package log

import (
	"bufio"
	"errors"
	"os"
	"sync"
	"sync/atomic"

	"github.com/fxamacker/cbor/v2"
)

// FileLogger appends events to a CBOR log file. Writes are buffered; Flush
// or Close makes them durable.
type FileLogger struct {
	path string

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *cbor.Encoder
	closed bool

	dropped atomic.Uint64
}

// NewFileLogger opens path for appending, creating it if needed.
func NewFileLogger(path string) (*FileLogger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &FileLogger{
		path: path,
		file: f,
		buf:  buf,
		enc:  newEventEncoder(buf),
	}, nil
}

// Path returns the log file path.
func (l *FileLogger) Path() string {
	return l.path
}

// Log appends an event. Events that fail to encode, or arrive after Close,
// are counted as dropped.
func (l *FileLogger) Log(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.enc.Encode(event) != nil {
		l.dropped.Add(1)
	}
}

// Dropped returns the number of events that were not written.
func (l *FileLogger) Dropped() uint64 {
	return l.dropped.Load()
}

// Flush writes buffered events to the file.
func (l *FileLogger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	return l.buf.Flush()
}

// Close flushes and closes the file. Safe to call more than once.
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Join(l.buf.Flush(), l.file.Close())
}

var _ Logger = (*FileLogger)(nil)
