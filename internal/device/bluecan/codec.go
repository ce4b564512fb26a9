// Package bluecan drives the BlueCAN adapter: a line protocol of
// colon-separated ASCII commands and frames.
package bluecan

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-btcan/internal/can"
)

var (
	ErrTokenCount = errors.New("bluecan: want 3 ':' separated tokens")
	ErrDataLength = errors.New("bluecan: data token longer than 8 bytes")
)

// EncodeInit sets the bus bitrate, e.g. "CAN1:INIT:500".
func EncodeInit(ch uint8, bitrate int) string {
	return fmt.Sprintf("CAN%d:INIT:%d", ch, bitrate/1000)
}

// EncodeFrame renders "CAN<ch>:<ID>:<payload>" with uppercase hex.
func EncodeFrame(f can.Frame) string {
	return fmt.Sprintf("CAN%d:%X:%s", f.Channel, f.ID, payloadHex(f))
}

// EncodeCyclic registers f in an adapter-side periodic slot.
func EncodeCyclic(slot int, f can.Frame) string {
	period := f.Period
	if period <= 0 {
		period = can.DefaultPeriod
	}
	return fmt.Sprintf("CONF:CAN%d:CYC%d:%d:%X:%s", f.Channel, slot, period/time.Millisecond, f.ID, payloadHex(f))
}

// EncodeCyclicSwitch turns a periodic slot on or off.
func EncodeCyclicSwitch(ch uint8, slot int, on bool) string {
	state := "OFF"
	if on {
		state = "ON"
	}
	return fmt.Sprintf("CONF:CAN%d:CYC%d:%s", ch, slot, state)
}

func payloadHex(f can.Frame) string {
	var b strings.Builder
	b.Grow(int(f.Len) * 2)
	for _, v := range f.Data[:f.Len] {
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// ParseLine decodes "<prefix>:<ID hex>:<payload hex>". The prefix is not
// checked. A trailing odd nibble is ignored.
func ParseLine(line string) (can.Frame, error) {
	tokens := strings.Split(strings.TrimSpace(line), ":")
	// trailing empty fields do not count: "CAN1:7DF:" has two tokens
	for len(tokens) > 1 && tokens[len(tokens)-1] == "" {
		tokens = tokens[:len(tokens)-1]
	}
	if len(tokens) != 3 {
		return can.Frame{}, fmt.Errorf("%w: got %d", ErrTokenCount, len(tokens))
	}
	id, err := strconv.ParseUint(tokens[1], 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("bluecan: id %q: %w", tokens[1], err)
	}
	data := tokens[2]
	if len(data) > 2*can.MaxLen {
		return can.Frame{}, fmt.Errorf("%w: %d hex chars", ErrDataLength, len(data))
	}
	f, _ := can.New(uint32(id))
	f.Len = uint8(len(data) / 2)
	for i := 0; i < int(f.Len); i++ {
		b, err := strconv.ParseUint(data[2*i:2*i+2], 16, 8)
		if err != nil {
			return can.Frame{}, fmt.Errorf("bluecan: byte %d %q: %w", i, data[2*i:2*i+2], err)
		}
		f.Data[i] = byte(b)
	}
	return f, nil
}

// Deduper withholds every second copy of a repeated payload. The first
// frame always passes; a frame passes when the previous one was withheld or
// its payload differs from the previous frame (identifier ignored).
type Deduper struct {
	armed bool // previous frame was dispatched
	last  can.Frame
}

// Admit records f and reports whether it should be dispatched.
func (d *Deduper) Admit(f can.Frame) bool {
	pass := !d.armed || !f.SamePayload(d.last)
	d.armed = pass
	d.last = f
	return pass
}
