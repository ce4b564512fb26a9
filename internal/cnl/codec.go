// Package cnl implements the cannelloni TCP framing used by the bridge:
// a "CANNELLONIv1" hello in both directions, then frames encoded as a 4-byte
// big-endian CAN id (with the EFF flag), a length byte and the payload.
package cnl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

const malformedSource = "cannelloni"

// Codec encodes/decodes cannelloni frames. Stateless and safe for concurrent use.
type Codec struct{}

// ErrInvalidLength is returned when a frame length is outside 0..8.
var ErrInvalidLength = errors.New("cannelloni: invalid length")

// ErrTruncatedFrame is returned when the underlying reader ends mid-frame.
var ErrTruncatedFrame = errors.New("cannelloni: truncated frame")

// Encode packs frames into one buffer.
func (c *Codec) Encode(frames []can.Frame) []byte {
	if len(frames) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(len(frames) * (4 + 1 + can.MaxLen))
	_, _ = c.EncodeTo(&buf, frames)
	return buf.Bytes()
}

// EncodeTo writes frames to w and returns the bytes written. The Bluetooth
// channel number is not carried on the wire.
func (c *Codec) EncodeTo(w io.Writer, frames []can.Frame) (int, error) {
	var total int
	var hdr [5]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(hdr[:4], f.WireID())
		hdr[4] = f.Len
		n, err := w.Write(hdr[:])
		total += n
		if err != nil {
			return total, fmt.Errorf("cannelloni encode header: %w", err)
		}
		if f.Len > 0 {
			n, err = w.Write(f.Data[:f.Len])
			total += n
			if err != nil {
				return total, fmt.Errorf("cannelloni encode data: %w", err)
			}
		}
	}
	return total, nil
}

// Decode reads exactly one frame from r. It returns io.EOF at a clean frame
// boundary. Decoded frames are on can.DefaultChannel.
func (c *Codec) Decode(r io.Reader) (can.Frame, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:4]); err != nil {
		return can.Frame{}, err
	}
	if _, err := io.ReadFull(r, hdr[4:]); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.IncMalformed(malformedSource)
			return can.Frame{}, fmt.Errorf("cannelloni decode len: %w", ErrTruncatedFrame)
		}
		return can.Frame{}, err
	}
	f, _ := can.New(can.FromWireID(binary.BigEndian.Uint32(hdr[:4])))
	ln := int(hdr[4] & 0x7F) // high bit reserved for flags
	if ln > can.MaxLen {
		metrics.IncMalformed(malformedSource)
		return f, fmt.Errorf("cannelloni decode: %w (%d)", ErrInvalidLength, ln)
	}
	f.Len = uint8(ln)
	if ln > 0 {
		if _, err := io.ReadFull(r, f.Data[:ln]); err != nil {
			metrics.IncMalformed(malformedSource)
			if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
				return f, fmt.Errorf("cannelloni decode payload: %w", ErrTruncatedFrame)
			}
			return f, fmt.Errorf("cannelloni decode payload: %w", err)
		}
	}
	return f, nil
}

// DecodeN decodes up to max frames (max<=0: until error) invoking onFrame for
// each. It returns the number decoded and the terminal error, io.EOF included.
func (c *Codec) DecodeN(r io.Reader, max int, onFrame func(can.Frame)) (int, error) {
	var n int
	for max <= 0 || n < max {
		fr, err := c.Decode(r)
		if err != nil {
			return n, err
		}
		onFrame(fr)
		n++
	}
	return n, nil
}
