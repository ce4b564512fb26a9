package bt

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/kstaniek/go-btcan/internal/metrics"
)

func TestLink_ReadLineSplitsOnCROrLF(t *testing.T) {
	a, b := net.Pipe()
	l := NewLink(adapterDev, a)
	defer l.Close()
	go func() {
		_, _ = io.WriteString(b, "CAN1:1A8:0102\r\n\r\n>1A8 01 02\r  spaced  \nlast")
		_ = b.Close()
	}()
	want := []string{"CAN1:1A8:0102", ">1A8 01 02", "  spaced  ", "last"}
	for i, w := range want {
		got, err := l.ReadLine()
		if err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if got != w {
			t.Fatalf("line %d = %q want %q", i, got, w)
		}
	}
	if _, err := l.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF at end of stream, got %v", err)
	}
}

func TestLink_OverlongLineIsSkipped(t *testing.T) {
	a, b := net.Pipe()
	l := NewLink(adapterDev, a)
	defer l.Close()
	before := metrics.Snap().Malformed
	go func() {
		_, _ = io.WriteString(b, strings.Repeat("Z", 70000)+"\rCAN1:1A8:0102\r")
		_, _ = io.WriteString(b, strings.Repeat("Y", MaxLineLen+1)+"\nATMA\r")
		_ = b.Close()
	}()
	for _, want := range []string{"CAN1:1A8:0102", "ATMA"} {
		got, err := l.ReadLine()
		if err != nil {
			t.Fatalf("long line broke the reader: %v", err)
		}
		if got != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
	if _, err := l.ReadLine(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
	if n := metrics.Snap().Malformed - before; n != 2 {
		t.Fatalf("malformed delta=%d want 2", n)
	}
}

func TestLineSplitter_ExactLimit(t *testing.T) {
	var dropped []int
	sp := &lineSplitter{max: 4, dropped: func(n int) { dropped = append(dropped, n) }}
	sc := bufio.NewScanner(strings.NewReader("abcd\rabcde\rok\r"))
	sc.Split(sp.split)
	var got []string
	for sc.Scan() {
		got = append(got, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "abcd,ok" {
		t.Fatalf("lines=%q", got)
	}
	if len(dropped) != 1 || dropped[0] != 5 {
		t.Fatalf("dropped=%v", dropped)
	}
}

func TestLink_SendWritesInOrder(t *testing.T) {
	a, b := net.Pipe()
	l := NewLink(adapterDev, a)
	defer l.Close()
	defer b.Close()
	var written []string
	done := make(chan struct{})
	l.SetHooks(LinkHooks{OnWritten: func(cmd string) {
		written = append(written, cmd)
		if len(written) == 3 {
			close(done)
		}
	}})
	if err := l.Send("ATSH1A8", "0102030"); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := l.Send("ATMA"); err != nil {
		t.Fatalf("send: %v", err)
	}
	r := bufio.NewReader(b)
	var got []string
	for i := 0; i < 3; i++ {
		s, err := r.ReadString('\r')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		got = append(got, s)
	}
	if strings.Join(got, "") != "ATSH1A8\r0102030\rATMA\r" {
		t.Fatalf("wire=%q", strings.Join(got, ""))
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("OnWritten not called for every command")
	}
}

func TestLink_CloseUnblocksReadAndRejectsSend(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()
	l := NewLink(adapterDev, a)
	errc := make(chan error, 1)
	go func() {
		_, err := l.ReadLine()
		errc <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrLinkClosed) {
			t.Fatalf("pending read returned %v, want ErrLinkClosed", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not unblock ReadLine")
	}
	if err := l.Send("ATZ"); !errors.Is(err, ErrLinkClosed) {
		t.Fatalf("send after close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestLink_WriteErrorHook(t *testing.T) {
	a, b := net.Pipe()
	_ = b.Close()
	l := NewLink(adapterDev, a)
	defer l.Close()
	errc := make(chan error, 1)
	l.SetHooks(LinkHooks{OnWriteError: func(err error) { errc <- err }})
	if err := l.Send("CAN1:INIT:500"); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case err := <-errc:
		if err == nil {
			t.Fatalf("nil write error")
		}
	case <-time.After(time.Second):
		t.Fatalf("write error not reported")
	}
}

func TestParseBDAddr(t *testing.T) {
	got, err := parseBDAddr("00:11:22:33:44:55")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := [6]uint8{0x55, 0x44, 0x33, 0x22, 0x11, 0x00}
	if got != want {
		t.Fatalf("got %x want %x", got, want)
	}
	if _, err := parseBDAddr("not-a-mac"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBondedFromObjects(t *testing.T) {
	objects := managedObjects{
		"/org/bluez/hci0/dev_00_11_22_33_44_55": {
			bluezDevice1: {
				"Paired":  dbus.MakeVariant(true),
				"Name":    dbus.MakeVariant("BlueCAN  9"),
				"Address": dbus.MakeVariant("00:11:22:33:44:55"),
			},
		},
		"/org/bluez/hci0/dev_66_77_88_99_AA_BB": {
			bluezDevice1: {
				"Paired":  dbus.MakeVariant(true),
				"Alias":   dbus.MakeVariant("OBDII"),
				"Address": dbus.MakeVariant("66:77:88:99:AA:BB"),
			},
		},
		"/org/bluez/hci0/dev_CC_CC_CC_CC_CC_CC": {
			bluezDevice1: {
				"Paired": dbus.MakeVariant(false),
				"Name":   dbus.MakeVariant("stranger"),
			},
		},
		"/org/bluez/hci1/dev_DD_DD_DD_DD_DD_DD": {
			bluezDevice1: {
				"Paired": dbus.MakeVariant(true),
				"Name":   dbus.MakeVariant("other adapter"),
			},
		},
		"/org/bluez/hci0": {
			bluezAdapter1: {"Powered": dbus.MakeVariant(true)},
		},
	}
	devs := bondedFromObjects(objects, "hci0")
	if len(devs) != 2 {
		t.Fatalf("got %d devices: %+v", len(devs), devs)
	}
	if devs[0].Name != "BlueCAN  9" || devs[0].Address != "00:11:22:33:44:55" || devs[0].Adapter != "hci0" {
		t.Fatalf("unexpected first device %+v", devs[0])
	}
	if devs[1].Name != "OBDII" {
		t.Fatalf("alias fallback not used: %+v", devs[1])
	}
}
