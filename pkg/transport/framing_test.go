package transport

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFramingRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf, 0)
	r := NewFrameReader(&buf, 0)

	msgs := [][]byte{{0x01}, bytes.Repeat([]byte{0xAB}, 1000), []byte("hello")}
	for _, m := range msgs {
		if err := w.WriteFrame(m); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}
	for i, want := range msgs {
		got, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("frame %d mismatch", i)
		}
	}
	if _, err := r.ReadFrame(); err != io.EOF {
		t.Errorf("after last frame err = %v, want io.EOF", err)
	}
}

func TestFramingLimits(t *testing.T) {
	var buf bytes.Buffer
	w := NewFrameWriter(&buf, 8)

	if err := w.WriteFrame(nil); !errors.Is(err, ErrFrameEmpty) {
		t.Errorf("empty write err = %v", err)
	}
	if err := w.WriteFrame(make([]byte, 9)); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("large write err = %v", err)
	}

	// Prefix claims 16 bytes but the reader only accepts 8.
	r := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 16, 1, 2}), 8)
	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("large read err = %v", err)
	}

	r = NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 0}), 8)
	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameEmpty) {
		t.Errorf("zero length read err = %v", err)
	}
}

func TestFramingTruncated(t *testing.T) {
	r := NewFrameReader(bytes.NewReader([]byte{0, 0, 0, 4, 1, 2}), 0)
	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTruncated) {
		t.Errorf("truncated payload err = %v", err)
	}

	r = NewFrameReader(bytes.NewReader([]byte{0, 0}), 0)
	if _, err := r.ReadFrame(); !errors.Is(err, ErrFrameTruncated) {
		t.Errorf("truncated prefix err = %v", err)
	}
}
