package log

import (
	"io"

	"github.com/fxamacker/cbor/v2"
)

// Events use core deterministic encoding with RFC 3339 timestamps so that
// nanoseconds survive a round trip.
var (
	eventEnc = newEventEncMode()
	eventDec = newEventDecMode()
)

func newEventEncMode() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic("log: cbor encode mode: " + err.Error())
	}
	return em
}

func newEventDecMode() cbor.DecMode {
	dm, err := cbor.DecOptions{
		DupMapKey:   cbor.DupMapKeyQuiet,
		IndefLength: cbor.IndefLengthAllowed,
	}.DecMode()
	if err != nil {
		panic("log: cbor decode mode: " + err.Error())
	}
	return dm
}

// EncodeEvent encodes one event.
func EncodeEvent(event Event) ([]byte, error) {
	return eventEnc.Marshal(event)
}

// DecodeEvent decodes one event.
func DecodeEvent(data []byte) (Event, error) {
	var event Event
	if err := eventDec.Unmarshal(data, &event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func newEventEncoder(w io.Writer) *cbor.Encoder {
	return eventEnc.NewEncoder(w)
}

func newEventDecoder(r io.Reader) *cbor.Decoder {
	return eventDec.NewDecoder(r)
}
