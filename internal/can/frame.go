package can

import (
	"bytes"
	"errors"
	"fmt"
	"math/bits"
	"strings"
	"time"
)

const (
	// MaxLen is the classic CAN payload limit.
	MaxLen = 8
	// DefaultChannel is the logical bus index used when none is given.
	DefaultChannel = 1
	// DefaultPeriod is the resend interval for periodic frames.
	DefaultPeriod = 50 * time.Millisecond

	// SFFMask / EFFFlag match <linux/can.h> and are used when a frame leaves
	// through cannelloni or SocketCAN.
	SFFMask = 0x7FF
	EFFMask = 0x1FFFFFFF
	EFFFlag = 0x80000000
)

// ErrInvalidLen is returned when a payload exceeds MaxLen bytes.
var ErrInvalidLen = errors.New("can: invalid data length")

// Frame is one classic CAN message as seen by both Bluetooth adapters.
// Only Data[:Len] is meaningful. Frames are passed by value; a listener
// always receives its own copy.
type Frame struct {
	Channel  uint8
	ID       uint32
	Len      uint8
	Data     [MaxLen]byte
	Periodic bool
	Period   time.Duration
}

// New builds a frame on the default channel.
func New(id uint32, data ...byte) (Frame, error) {
	if len(data) > MaxLen {
		return Frame{}, fmt.Errorf("%w (%d)", ErrInvalidLen, len(data))
	}
	f := Frame{Channel: DefaultChannel, ID: id, Len: uint8(len(data)), Period: DefaultPeriod}
	copy(f.Data[:], data)
	return f, nil
}

// MustFrame is New that panics on invalid input. Handy in tests.
func MustFrame(id uint32, data ...byte) Frame {
	f, err := New(id, data...)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate reports whether the length invariant holds.
func (f Frame) Validate() error {
	if f.Len > MaxLen {
		return fmt.Errorf("%w (%d)", ErrInvalidLen, f.Len)
	}
	return nil
}

// Payload returns a copy of the valid data bytes.
func (f Frame) Payload() []byte {
	n := min(int(f.Len), MaxLen)
	out := make([]byte, n)
	copy(out, f.Data[:n])
	return out
}

// PackedReversed packs the payload into a little-endian 64-bit word (byte 0
// in the least significant byte) and then reverses the byte order of the
// whole word. [01 02 03 04] packs to 0x0000000004030201 and yields
// 0x0102030400000000. The ELM327 payload string is rendered from this value.
func (f Frame) PackedReversed() uint64 {
	var w uint64
	for i := 0; i < int(f.Len) && i < MaxLen; i++ {
		w |= uint64(f.Data[i]) << (8 * i)
	}
	return bits.ReverseBytes64(w)
}

// SamePayload compares length and data bytes; the identifier is ignored.
func (f Frame) SamePayload(o Frame) bool {
	if f.Len != o.Len {
		return false
	}
	return bytes.Equal(f.Data[:f.Len], o.Data[:o.Len])
}

// WireID returns the identifier with the EFF flag set for ids that do not fit
// in 11 bits, the way SocketCAN and cannelloni expect it.
func (f Frame) WireID() uint32 {
	if f.ID > SFFMask {
		return (f.ID & EFFMask) | EFFFlag
	}
	return f.ID
}

// FromWireID strips the EFF flag from a SocketCAN style identifier.
func FromWireID(id uint32) uint32 {
	if id&EFFFlag != 0 {
		return id & EFFMask
	}
	return id & SFFMask
}

func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CAN%d 0x%03X [%d]", f.Channel, f.ID, f.Len)
	for _, d := range f.Data[:min(int(f.Len), MaxLen)] {
		fmt.Fprintf(&b, " %02X", d)
	}
	return b.String()
}
