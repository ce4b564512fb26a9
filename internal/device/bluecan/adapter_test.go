package bluecan

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
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

const devName = "BlueCAN  9"

type rig struct {
	a      *Adapter
	events chan device.Event
	peers  chan net.Conn

	mu    sync.Mutex
	conns []*flakyConn
}

// flakyConn fails every Write once failWrites is set; reads are untouched.
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

// newRig connects an adapter whose dialer hands out net.Pipe ends; the peer
// ends arrive on rig.peers.
func newRig(t *testing.T, opts ...bt.Option) *rig {
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
	radio := bt.StaticRadio{Devices: []bt.Device{{Name: devName, Address: "00:11:22:33:44:55"}}}
	session := append([]bt.Option{bt.WithRetryDelay(time.Millisecond), bt.WithLogger(logging.Discard())}, opts...)
	r.a = New(radio, dial, Config{
		Events:  func(ev device.Event) { r.events <- ev },
		Logger:  logging.Discard(),
		Session: session,
	})
	t.Cleanup(r.a.Stop)
	return r
}

func (r *rig) lastConn() *flakyConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[len(r.conns)-1]
}

func (r *rig) noEvent(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

// onMessage is a slog handler that runs fn the first time msg is logged.
type onMessage struct {
	msg  string
	fn   func()
	once sync.Once
}

func (h *onMessage) Enabled(context.Context, slog.Level) bool { return true }
func (h *onMessage) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.msg {
		h.once.Do(h.fn)
	}
	return nil
}
func (h *onMessage) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *onMessage) WithGroup(string) slog.Handler      { return h }

func (r *rig) peer(t *testing.T) (net.Conn, *bufio.Reader) {
	t.Helper()
	select {
	case p := <-r.peers:
		t.Cleanup(func() { _ = p.Close() })
		return p, bufio.NewReader(p)
	case <-time.After(2 * time.Second):
		t.Fatalf("adapter never dialed")
	}
	return nil, nil
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

func readCmd(t *testing.T, br *bufio.Reader) string {
	t.Helper()
	s, err := br.ReadString('\r')
	if err != nil {
		t.Fatalf("read command: %v", err)
	}
	return s[:len(s)-1]
}

func TestAdapter_ConnectConfiguresAndReceives(t *testing.T) {
	r := newRig(t)
	r.a.Connect(context.Background(), devName)
	p, br := r.peer(t)
	if cmd := readCmd(t, br); cmd != "CAN1:INIT:500" {
		t.Fatalf("init command %q", cmd)
	}
	if ev := r.event(t); ev.Kind != device.EventConnected || ev.Name != devName {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !r.a.IsConnected() || r.a.State() != device.StateConnected {
		t.Fatalf("adapter not connected: %s", r.a.State())
	}

	cl := hub.NewClient(8, hub.PolicyDrop)
	r.a.AddListener(cl)
	go func() {
		_, _ = io.WriteString(p, "CAN1:1A8:0102\r\nCAN1:1A8:0102\r\ngarbage\r\nCAN1:1A8:0103\r\n")
	}()
	want := []can.Frame{can.MustFrame(0x1A8, 1, 2), can.MustFrame(0x1A8, 1, 3)}
	for i, w := range want {
		select {
		case f := <-cl.Out:
			if f.ID != w.ID || !f.SamePayload(w) {
				t.Fatalf("frame %d = %s want %s", i, f, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %d not dispatched", i)
		}
	}
	select {
	case f := <-cl.Out:
		t.Fatalf("unexpected extra frame %s", f)
	case <-time.After(30 * time.Millisecond):
	}

	r.a.Send(can.MustFrame(0x123, 0xAB, 0x01))
	if cmd := readCmd(t, br); cmd != "CAN1:123:AB01" {
		t.Fatalf("send command %q", cmd)
	}
	f := can.MustFrame(0x321, 0x55)
	f.Period = 200 * time.Millisecond
	r.a.SendPeriodic(1, f)
	if cmd := readCmd(t, br); cmd != "CONF:CAN1:CYC1:200:321:55" {
		t.Fatalf("periodic command %q", cmd)
	}
	if cmd := readCmd(t, br); cmd != "CONF:CAN1:CYC1:ON" {
		t.Fatalf("periodic switch %q", cmd)
	}
}

func TestAdapter_DisconnectEmitsOnce(t *testing.T) {
	r := newRig(t)
	r.a.Connect(context.Background(), devName)
	_, br := r.peer(t)
	readCmd(t, br)
	r.event(t)

	r.a.Disconnect()
	ev := r.event(t)
	if ev.Kind != device.EventDisconnected || ev.Err != nil {
		t.Fatalf("unexpected event %+v", ev)
	}
	r.a.Disconnect()
	select {
	case ev := <-r.events:
		t.Fatalf("second disconnect emitted %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
	if r.a.IsConnected() {
		t.Fatalf("still connected")
	}
	// silently dropped while disconnected
	r.a.Send(can.MustFrame(0x1))
}

func TestAdapter_ReadFailureReconnects(t *testing.T) {
	r := newRig(t)
	r.a.Connect(context.Background(), devName)
	p, br := r.peer(t)
	readCmd(t, br)
	r.event(t)

	_ = p.Close()
	ev := r.event(t)
	if ev.Kind != device.EventDisconnected || ev.Err == nil {
		t.Fatalf("expected failure event, got %+v", ev)
	}
	_, br2 := r.peer(t)
	if cmd := readCmd(t, br2); cmd != "CAN1:INIT:500" {
		t.Fatalf("reconnect init %q", cmd)
	}
	if ev := r.event(t); ev.Kind != device.EventConnected {
		t.Fatalf("expected reconnect, got %+v", ev)
	}
}

func TestAdapter_StopRetires(t *testing.T) {
	r := newRig(t)
	r.a.Stop()
	r.a.Connect(context.Background(), devName)
	select {
	case <-r.peers:
		t.Fatalf("stopped adapter dialed")
	case <-time.After(30 * time.Millisecond):
	}
}

func TestAdapter_OverlongLineKeepsLink(t *testing.T) {
	r := newRig(t)
	r.a.Connect(context.Background(), devName)
	p, br := r.peer(t)
	readCmd(t, br)
	r.event(t)

	cl := hub.NewClient(4, hub.PolicyDrop)
	r.a.AddListener(cl)
	go func() { _, _ = io.WriteString(p, strings.Repeat("Z", 70000)+"\rCAN1:1A8:0102\r") }()
	select {
	case f := <-cl.Out:
		if f.ID != 0x1A8 || f.Len != 2 {
			t.Fatalf("frame %s", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("frame after the long line was not dispatched")
	}
	r.noEvent(t)
	if !r.a.IsConnected() {
		t.Fatalf("link dropped: %s", r.a.State())
	}
}

func TestAdapter_DisconnectWhileConnecting(t *testing.T) {
	var r *rig
	hook := &onMessage{msg: "connected", fn: func() { r.a.Disconnect() }}
	r = newRig(t, bt.WithLogger(slog.New(hook)))
	r.a.Connect(context.Background(), devName)
	r.peer(t)

	r.noEvent(t)
	if st := r.a.State(); st != device.StateDisconnected {
		t.Fatalf("state=%s after a disconnect that raced the connect", st)
	}
	if r.a.IsConnected() {
		t.Fatalf("connected without a link")
	}
	// a later connect works and reports normally
	r.a.Connect(context.Background(), devName)
	_, br := r.peer(t)
	if cmd := readCmd(t, br); cmd != "CAN1:INIT:500" {
		t.Fatalf("init %q", cmd)
	}
	if ev := r.event(t); ev.Kind != device.EventConnected {
		t.Fatalf("event %+v", ev)
	}
}

func TestAdapter_WriteFailureReconnects(t *testing.T) {
	r := newRig(t)
	r.a.Connect(context.Background(), devName)
	_, br := r.peer(t)
	readCmd(t, br)
	r.event(t)

	r.lastConn().failWrites.Store(true)
	r.a.Send(can.MustFrame(0x123, 1))
	ev := r.event(t)
	if ev.Kind != device.EventDisconnected || !errors.Is(ev.Err, errWire) {
		t.Fatalf("expected write failure event, got %+v", ev)
	}
	_, br2 := r.peer(t)
	if cmd := readCmd(t, br2); cmd != "CAN1:INIT:500" {
		t.Fatalf("reconnect init %q", cmd)
	}
	if ev := r.event(t); ev.Kind != device.EventConnected {
		t.Fatalf("expected reconnect, got %+v", ev)
	}
}
