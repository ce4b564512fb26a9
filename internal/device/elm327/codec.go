// Package elm327 drives an ELM327 OBD-II interface in monitor-all mode.
package elm327

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kstaniek/go-btcan/internal/can"
)

const (
	CmdReset      = "ATZ"
	CmdEchoOff    = "ATE0"
	CmdHeadersOn  = "ATH1"
	CmdMonitorAll = "ATMA"

	bufferFull = "BUFFER FULL"
)

// Handshake is sent in order after every connect.
var Handshake = []string{CmdReset, CmdEchoOff, CmdHeadersOn, CmdMonitorAll}

var (
	ErrEmptyLine  = errors.New("elm327: empty line")
	ErrIdentifier = errors.New("elm327: bad identifier")
)

// EncodeHeader sets the outgoing identifier, e.g. "ATSH1A8".
func EncodeHeader(f can.Frame) string { return fmt.Sprintf("ATSH%03X", f.ID) }

// EncodeData renders the payload that follows the header: the packed and
// byte-reversed word as 16 hex digits, cut to two digits per byte, with a
// trailing "0" nibble. [01 02 03] becomes "0102030".
func EncodeData(f can.Frame) string {
	s := fmt.Sprintf("%016X", f.PackedReversed())
	return s[:2*int(f.Len)] + "0"
}

// ParseLine decodes "[>]<ID> <b0> <b1> ...". At most 8 data tokens are
// read; the first token that is not a hex byte ends the payload.
func ParseLine(line string) (can.Frame, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return can.Frame{}, ErrEmptyLine
	}
	idTok := strings.TrimPrefix(fields[0], ">")
	id, err := strconv.ParseUint(idTok, 16, 32)
	if err != nil {
		return can.Frame{}, fmt.Errorf("%w %q: %v", ErrIdentifier, idTok, err)
	}
	f, _ := can.New(uint32(id))
	data := fields[1:]
	if len(data) > can.MaxLen {
		data = data[:can.MaxLen]
	}
	for _, tok := range data {
		b, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			break
		}
		f.Data[f.Len] = byte(b)
		f.Len++
	}
	return f, nil
}
