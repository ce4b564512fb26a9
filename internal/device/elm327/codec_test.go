package elm327

import (
	"errors"
	"testing"

	"github.com/kstaniek/go-btcan/internal/can"
)

func TestParseLine(t *testing.T) {
	f, err := ParseLine(">1A8 01 02 03")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.ID != 0x1A8 || !f.SamePayload(can.MustFrame(0, 1, 2, 3)) {
		t.Fatalf("unexpected frame %s", f)
	}
}

func TestParseLine_NoPrompt(t *testing.T) {
	f, err := ParseLine("7E8 03 41 0D 00")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.ID != 0x7E8 || f.Len != 4 || f.Data[2] != 0x0D {
		t.Fatalf("unexpected frame %s", f)
	}
}

func TestParseLine_Empty(t *testing.T) {
	for _, in := range []string{"", "   "} {
		if _, err := ParseLine(in); !errors.Is(err, ErrEmptyLine) {
			t.Fatalf("ParseLine(%q) err=%v", in, err)
		}
	}
}

func TestParseLine_CapsAtEightBytes(t *testing.T) {
	// 10 tokens: id + 9 data bytes
	f, err := ParseLine("100 01 02 03 04 05 06 07 08 09")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Len != 8 || f.Data[7] != 0x08 {
		t.Fatalf("unexpected frame %s", f)
	}
}

func TestParseLine_StopsAtFirstBadByte(t *testing.T) {
	f, err := ParseLine("1A8 01 ZZ 03")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.Len != 1 || f.Data[0] != 0x01 {
		t.Fatalf("unexpected frame %s", f)
	}
}

func TestParseLine_BadIdentifier(t *testing.T) {
	for _, in := range []string{"BUFFER FULL", "OK", ">", "> 1A8 01"} {
		if _, err := ParseLine(in); !errors.Is(err, ErrIdentifier) {
			t.Fatalf("ParseLine(%q) err=%v", in, err)
		}
	}
}

func TestEncode(t *testing.T) {
	f := can.MustFrame(0x1A8, 0x01, 0x02, 0x03)
	if got := EncodeHeader(f); got != "ATSH1A8" {
		t.Fatalf("header=%q", got)
	}
	if got := EncodeData(f); got != "0102030" {
		t.Fatalf("data=%q", got)
	}
	if got := EncodeHeader(can.MustFrame(0x7)); got != "ATSH007" {
		t.Fatalf("short header=%q", got)
	}
	if got := EncodeData(can.MustFrame(0x7)); got != "0" {
		t.Fatalf("empty data=%q", got)
	}
	full := can.MustFrame(0x7DF, 0x02, 0x01, 0x0D, 0, 0, 0, 0, 0xAA)
	if got := EncodeData(full); got != "02010D00000000AA0" {
		t.Fatalf("full data=%q", got)
	}
}
