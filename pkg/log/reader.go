package log

import (
	"errors"
	"io"
	"iter"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/devicehub/hub-client-go/pkg/wire"
)

// Filter selects events. Zero fields match everything.
type Filter struct {
	// DeviceKey matches the device and, for a key without a module part,
	// the device's modules.
	DeviceKey string

	ConnectionID string

	// Categories and Layers match any of the listed values.
	Categories []Category
	Layers     []Layer

	// Since and Until bound the timestamp to [Since, Until).
	Since time.Time
	Until time.Time

	// ErrorKinds keeps only error events of the listed kinds.
	ErrorKinds []wire.ErrorKind
}

// Match reports whether event passes the filter.
func (f Filter) Match(event Event) bool {
	switch {
	case f.DeviceKey != "" && event.DeviceKey != f.DeviceKey &&
		!strings.HasPrefix(event.DeviceKey, f.DeviceKey+"/"):
		return false
	case f.ConnectionID != "" && event.ConnectionID != f.ConnectionID:
		return false
	case len(f.Categories) > 0 && !slices.Contains(f.Categories, event.Category):
		return false
	case len(f.Layers) > 0 && !slices.Contains(f.Layers, event.Layer):
		return false
	case !f.Since.IsZero() && event.Timestamp.Before(f.Since):
		return false
	case !f.Until.IsZero() && !event.Timestamp.Before(f.Until):
		return false
	case len(f.ErrorKinds) > 0 && (event.Error == nil || !slices.Contains(f.ErrorKinds, event.Error.Kind)):
		return false
	}
	return true
}

// Reader streams events from a CBOR log.
type Reader struct {
	dec    *cbor.Decoder
	closer io.Closer
	filter Filter
}

// NewReader reads events from r.
func NewReader(r io.Reader, filter Filter) *Reader {
	return &Reader{dec: newEventDecoder(r), filter: filter}
}

// OpenFile reads events from the log file at path.
func OpenFile(path string, filter Filter) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := NewReader(f, filter)
	r.closer = f
	return r, nil
}

// Next returns the next matching event, or io.EOF at the end of the log.
func (r *Reader) Next() (Event, error) {
	for {
		var event Event
		if err := r.dec.Decode(&event); err != nil {
			return Event{}, err
		}
		if r.filter.Match(event) {
			return event, nil
		}
	}
}

// All iterates over the remaining matching events. A decode failure is
// yielded once and ends the iteration.
func (r *Reader) All() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for {
			event, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(event, err) || err != nil {
				return
			}
		}
	}
}

// Close closes the file opened by OpenFile.
func (r *Reader) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}
