// Package wire implements the framing used between the server and its
// clients. Every frame travels as a wire unit: a two byte big-endian length
// followed by exactly that many payload bytes. There is no handshake and the
// format is the same in both directions.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	// HeaderSize is the length of the prefix that precedes every frame.
	HeaderSize = 2
	// MaxFrameSize is the largest frame length the prefix can express.
	MaxFrameSize = math.MaxUint16

	// minReadSpace is the minimum amount of free space Fill makes available
	// before reading from the connection.
	minReadSpace = 4096
)

var (
	// ErrFrameTooLarge is returned when a frame (or a declared length) exceeds
	// the permitted maximum.
	ErrFrameTooLarge = errors.New("frame too large")
	// ErrIncomplete means more bytes are needed before a frame can be decoded.
	ErrIncomplete = errors.New("incomplete wire unit")
)

// ProtocolError describes a wire unit whose declared length exceeds the
// maximum accepted by a Decoder. The stream it came from cannot be trusted
// past this point.
type ProtocolError struct {
	Declared int
	Max      int
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("declared frame length %d exceeds maximum of %d", e.Declared, e.Max)
}

func (e *ProtocolError) Unwrap() error { return ErrFrameTooLarge }

// Encode returns the wire unit for frame.
func Encode(frame []byte) ([]byte, error) {
	return AppendEncode(make([]byte, 0, HeaderSize+len(frame)), frame)
}

// AppendEncode appends the wire unit for frame to dst. Frames longer than
// MaxFrameSize are rejected rather than truncated.
func AppendEncode(dst, frame []byte) ([]byte, error) {
	if len(frame) > MaxFrameSize {
		return dst, fmt.Errorf("encoding %d byte frame: %w", len(frame), ErrFrameTooLarge)
	}
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(frame)))
	return append(dst, frame...), nil
}

// Decoder accumulates bytes read from a stream and extracts complete frames
// from them. Partial units are kept until the rest arrives, so data can be
// fed in chunks of any size.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	buf   []byte
	start int
	max   int
}

// NewDecoder returns a Decoder that rejects declared lengths above
// maxFrameSize. Values outside (0, MaxFrameSize] select MaxFrameSize.
func NewDecoder(maxFrameSize int) *Decoder {
	if maxFrameSize <= 0 || maxFrameSize > MaxFrameSize {
		maxFrameSize = MaxFrameSize
	}
	return &Decoder{max: maxFrameSize}
}

// MaxFrameSize returns the largest declared length the decoder accepts.
func (d *Decoder) MaxFrameSize() int { return d.max }

// Buffered returns the number of received bytes not yet returned as frames.
func (d *Decoder) Buffered() int { return len(d.buf) - d.start }

// Write appends p to the decoder's buffer. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	d.compact(len(p))
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Fill performs a single Read from r directly into the decoder's buffer and
// returns the number of bytes received.
func (d *Decoder) Fill(r io.Reader) (int, error) {
	d.compact(minReadSpace)
	if cap(d.buf)-len(d.buf) < minReadSpace {
		grown := make([]byte, len(d.buf), len(d.buf)+minReadSpace)
		copy(grown, d.buf)
		d.buf = grown
	}

	n, err := r.Read(d.buf[len(d.buf):cap(d.buf)])
	d.buf = d.buf[:len(d.buf)+n]
	return n, err
}

// Next extracts the next complete frame. It returns ErrIncomplete when the
// header or the payload has not been fully received yet, and a
// *ProtocolError when the declared length is above the maximum. The returned
// slice is owned by the caller.
func (d *Decoder) Next() ([]byte, error) {
	pending := d.buf[d.start:]
	if len(pending) < HeaderSize {
		return nil, ErrIncomplete
	}

	length := int(binary.BigEndian.Uint16(pending))
	if length > d.max {
		return nil, &ProtocolError{Declared: length, Max: d.max}
	}
	if len(pending) < HeaderSize+length {
		return nil, ErrIncomplete
	}

	frame := make([]byte, length)
	copy(frame, pending[HeaderSize:HeaderSize+length])
	d.start += HeaderSize + length
	return frame, nil
}

// compact reclaims the space used by consumed units when it would let the
// next n bytes fit without growing the buffer.
func (d *Decoder) compact(n int) {
	if d.start == 0 {
		return
	}
	if d.start == len(d.buf) {
		d.buf = d.buf[:0]
		d.start = 0
		return
	}
	if cap(d.buf)-len(d.buf) < n {
		remaining := copy(d.buf, d.buf[d.start:])
		d.buf = d.buf[:remaining]
		d.start = 0
	}
}
