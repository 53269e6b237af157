package wire

import (
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode is the CBOR encoder mode for frames and payloads.
// Canonical key ordering keeps frames byte-identical for equal values.
var encMode cbor.EncMode

// decMode is the CBOR decoder mode. Lenient for forward compatibility;
// nested maps decode as map[string]any so twin documents stay usable.
var decMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}
	encMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}
	decMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// Marshal encodes a value to CBOR bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR bytes into a value.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeFrame encodes a frame to CBOR bytes.
func EncodeFrame(f *Frame) ([]byte, error) {
	if f == nil {
		return nil, NewError(KindInvalidArgument, "nil frame")
	}
	if f.Type == 0 {
		return nil, NewError(KindInvalidArgument, "frame type not set")
	}
	return Marshal(f)
}

// DecodeFrame decodes CBOR bytes into a frame.
func DecodeFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	if f.Type == 0 {
		return nil, NewError(KindInvalidArgument, "frame without type")
	}
	return &f, nil
}

// EncodePayload encodes a payload body for Frame.Payload.
func EncodePayload(v any) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, WrapError(KindInvalidArgument, "encode payload", err)
	}
	return data, nil
}

// DecodePayload decodes Frame.Payload into v.
func DecodePayload(data []byte, v any) error {
	if len(data) == 0 {
		return NewError(KindInvalidArgument, "empty payload")
	}
	if err := Unmarshal(data, v); err != nil {
		return WrapError(KindInvalidArgument, "decode payload", err)
	}
	return nil
}
