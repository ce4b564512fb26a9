package elm327

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-btcan/internal/bt"
	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/device"
	"github.com/kstaniek/go-btcan/internal/hub"
	"github.com/kstaniek/go-btcan/internal/logging"
)

const devName = "OBDII"

type rig struct {
	a      *Adapter
	events chan device.Event
	peers  chan net.Conn

	mu    sync.Mutex
	conns []*flakyConn
}

// flakyConn fails every Write once failWrites is set.
type flakyConn struct {
	net.Conn
	failWrites atomic.Bool
}

var errWire = errors.New("wire broken")

func (c *flakyConn) Write(p []byte) (int, error) {
	if c.failWrites.Load() {
		return 0, errWire
	}
	return c.Conn.Write(p)
}

func newRig(t *testing.T, opts ...func(*Config)) *rig {
	t.Helper()
	r := &rig{events: make(chan device.Event, 16), peers: make(chan net.Conn, 4)}
	dial := bt.DialerFunc(func(ctx context.Context, dev bt.Device) (io.ReadWriteCloser, error) {
		x, y := net.Pipe()
		c := &flakyConn{Conn: x}
		r.mu.Lock()
		r.conns = append(r.conns, c)
		r.mu.Unlock()
		r.peers <- y
		return c, nil
	})
	radio := bt.StaticRadio{Devices: []bt.Device{{Name: devName, Path: "/dev/rfcomm0"}}}
	cfg := Config{
		SettleDelay: time.Millisecond,
		Events:      func(ev device.Event) { r.events <- ev },
		Logger:      logging.Discard(),
		Session:     []bt.Option{bt.WithRetryDelay(time.Millisecond), bt.WithLogger(logging.Discard())},
	}
	for _, o := range opts {
		o(&cfg)
	}
	r.a = New(radio, dial, cfg)
	t.Cleanup(r.a.Stop)
	return r
}

func (r *rig) lastConn() *flakyConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[len(r.conns)-1]
}

func (r *rig) event(t *testing.T) device.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for event")
	}
	return device.Event{}
}

// connect runs the handshake against a fake adapter and returns its end.
func (r *rig) connect(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	r.a.Connect(context.Background(), devName)
	var p net.Conn
	select {
	case p = <-r.peers:
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter never dialed")
	}
	t.Cleanup(func() { _ = p.Close() })
	br := bufio.NewReader(p)
	for _, want := range Handshake {
		if got := readCmd(t, br); got != want {
			t.Fatalf("handshake got %q want %q", got, want)
		}
	}
	if ev := r.event(t); ev.Kind != device.EventConnected || ev.Name != devName {
		t.Fatalf("unexpected event %+v", ev)
	}
	return p, br
}

func readCmd(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	s, err := br.ReadString('\r')
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	return s[:len(s)-1]
}

func TestAdapter_HandshakeAndTraffic(t *testing.T) {
	r := newRig(t)
	p, br := r.connect(t)
	if r.a.State() != device.StateConnected || !r.a.IsConnected() {
		t.Fatalf("state=%s", r.a.State())
	}
	cl := hub.NewClient(8, hub.PolicyDrop)
	r.a.AddListener(cl)

	go func() { _, _ = io.WriteString(p, ">1A8 01 02 03\r>1A8 01 02 03\r") }()
	for i := 0; i < 2; i++ {
		select {
		case f := <-cl.Out:
			if f.ID != 0x1A8 || f.Len != 3 {
				t.Fatalf("frame %d = %s", i, f)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d not dispatched (no duplicate suppression expected)", i)
		}
	}

	go func() { _, _ = io.WriteString(p, "BUFFER FULL\r") }()
	if cmd := readCmd(t, br); cmd != CmdMonitorAll {
		t.Fatalf("after BUFFER FULL got %q", cmd)
	}

	r.a.Send(can.MustFrame(0x1A8, 0x01, 0x02, 0x03))
	if cmd := readCmd(t, br); cmd != "ATSH1A8" {
		t.Fatalf("header %q", cmd)
	}
	if cmd := readCmd(t, br); cmd != "0102030" {
		t.Fatalf("data %q", cmd)
	}
	r.a.SendCommand("ATDPN")
	if cmd := readCmd(t, br); cmd != "ATDPN" {
		t.Fatalf("raw command %q", cmd)
	}
}

func TestAdapter_ReadFailureDoesNotReconnect(t *testing.T) {
	r := newRig(t)
	p, _ := r.connect(t)
	_ = p.Close()
	ev := r.event(t)
	if ev.Kind != device.EventDisconnected || ev.Err == nil {
		t.Fatalf("expected failure event, got %+v", ev)
	}
	select {
	case <-r.peers:
		t.Fatalf("ELM327 must not reconnect on its own")
	case <-time.After(50 * time.Millisecond):
	}
	if r.a.IsConnected() {
		t.Fatalf("still connected")
	}
}

func TestAdapter_SendWhileDisconnected(t *testing.T) {
	r := newRig(t)
	r.a.Send(can.MustFrame(0x1A8, 1))
	r.a.SendCommand(CmdReset)
	select {
	case ev := <-r.events:
		t.Fatalf("no transition happened, got %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
	if r.a.State() != device.StateDisconnected {
		t.Fatalf("state=%s", r.a.State())
	}
}

func TestAdapter_HandshakeSettleDelay(t *testing.T) {
	const settle = 40 * time.Millisecond
	r := newRig(t, func(c *Config) { c.SettleDelay = settle })
	r.a.Connect(context.Background(), devName)
	var p net.Conn
	select {
	case p = <-r.peers:
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter never dialed")
	}
	t.Cleanup(func() { _ = p.Close() })
	br := bufio.NewReader(p)

	var at []time.Time
	for _, want := range Handshake {
		if got := readCmd(t, br); got != want {
			t.Fatalf("handshake got %q want %q", got, want)
		}
		at = append(at, time.Now())
	}
	for i := 1; i < len(at); i++ {
		// small slack for timer granularity
		if gap := at[i].Sub(at[i-1]); gap < settle-5*time.Millisecond {
			t.Fatalf("%s followed %s after %v, want >= %v", Handshake[i], Handshake[i-1], gap, settle)
		}
	}
	ev := r.event(t)
	if ev.Kind != device.EventConnected {
		t.Fatalf("event %+v", ev)
	}
	// the last command settles too before the adapter reports ready
	if gap := time.Since(at[len(at)-1]); gap < settle-5*time.Millisecond {
		t.Fatalf("connected %v after ATMA", gap)
	}
}

func TestAdapter_WriteFailureDropsWithoutReconnect(t *testing.T) {
	r := newRig(t)
	r.connect(t)

	r.lastConn().failWrites.Store(true)
	r.a.Send(can.MustFrame(0x1A8, 1, 2))
	ev := r.event(t)
	if ev.Kind != device.EventDisconnected || !errors.Is(ev.Err, errWire) {
		t.Fatalf("expected write failure event, got %+v", ev)
	}
	select {
	case <-r.peers:
		t.Fatalf("ELM327 must not reconnect on its own")
	case <-time.After(50 * time.Millisecond):
	}
	if r.a.IsConnected() || r.a.State() != device.StateDisconnected {
		t.Fatalf("state=%s", r.a.State())
	}
	// later sends are dropped quietly
	r.a.Send(can.MustFrame(0x1A8, 3))
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}
