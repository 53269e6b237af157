package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Framing constants.
const (
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4

	// DefaultMaxFrameSize is the default maximum encoded frame size (256 KB).
	DefaultMaxFrameSize = 256 * 1024
)

// Framing errors.
var (
	ErrFrameTooLarge  = errors.New("frame too large")
	ErrFrameEmpty     = errors.New("frame is empty")
	ErrFrameTruncated = errors.New("frame truncated")
)

// FrameWriter writes length-prefixed frames. Not safe for concurrent use;
// callers serialize writes.
type FrameWriter struct {
	w       io.Writer
	maxSize uint32
	buf     []byte
}

// NewFrameWriter creates a frame writer. A zero maxSize selects DefaultMaxFrameSize.
func NewFrameWriter(w io.Writer, maxSize uint32) *FrameWriter {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameWriter{w: w, maxSize: maxSize}
}

// WriteFrame writes the prefix and payload in a single Write call.
func (fw *FrameWriter) WriteFrame(data []byte) error {
	if len(data) == 0 {
		return ErrFrameEmpty
	}
	if uint64(len(data)) > uint64(fw.maxSize) {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(data), fw.maxSize)
	}

	fw.buf = binary.BigEndian.AppendUint32(fw.buf[:0], uint32(len(data)))
	fw.buf = append(fw.buf, data...)
	if _, err := fw.w.Write(fw.buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// FrameReader reads length-prefixed frames.
type FrameReader struct {
	r         io.Reader
	maxSize   uint32
	lengthBuf [LengthPrefixSize]byte
}

// NewFrameReader creates a frame reader. A zero maxSize selects DefaultMaxFrameSize.
func NewFrameReader(r io.Reader, maxSize uint32) *FrameReader {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameReader{r: r, maxSize: maxSize}
}

// ReadFrame returns the next payload without its prefix. A clean EOF
// between frames is returned as io.EOF.
func (fr *FrameReader) ReadFrame() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.lengthBuf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrFrameTruncated
		}
		return nil, err
	}

	length := binary.BigEndian.Uint32(fr.lengthBuf[:])
	if length == 0 {
		return nil, ErrFrameEmpty
	}
	if length > fr.maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, fr.maxSize)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrFrameTruncated
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return payload, nil
}
