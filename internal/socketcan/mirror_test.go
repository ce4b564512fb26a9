package socketcan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-btcan/internal/can"
)

type fakeDev struct {
	mu      sync.Mutex
	rx      chan can.Frame
	failN   int
	written []can.Frame
	closed  chan struct{}
	once    sync.Once
}

func newFakeDev() *fakeDev {
	return &fakeDev{rx: make(chan can.Frame, 8), closed: make(chan struct{})}
}

func (d *fakeDev) ReadFrame(fr *can.Frame) error {
	d.mu.Lock()
	if d.failN > 0 {
		d.failN--
		d.mu.Unlock()
		return errors.New("boom")
	}
	d.mu.Unlock()
	select {
	case f := <-d.rx:
		*fr = f
		return nil
	case <-d.closed:
		return errors.New("closed")
	}
}

func (d *fakeDev) WriteFrame(f can.Frame) error {
	d.mu.Lock()
	d.written = append(d.written, f)
	d.mu.Unlock()
	return nil
}

func (d *fakeDev) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDev) frames() []can.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]can.Frame(nil), d.written...)
}

func TestMirrorWritesReceivedFrames(t *testing.T) {
	dev := newFakeDev()
	m := NewMirror(context.Background(), dev, func(can.Frame) {}, 8)
	defer m.Close()

	m.OnFrame(can.MustFrame(0x123, 1, 2))
	m.OnFrame(can.MustFrame(0x18DAF110, 3))

	deadline := time.Now().Add(time.Second)
	for len(dev.frames()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	got := dev.frames()
	if len(got) != 2 || got[0].ID != 0x123 || got[1].ID != 0x18DAF110 {
		t.Fatalf("written %v", got)
	}
}

func TestMirrorForwardsInterfaceFrames(t *testing.T) {
	dev := newFakeDev()
	sent := make(chan can.Frame, 1)
	m := NewMirror(context.Background(), dev, func(f can.Frame) { sent <- f }, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { m.Run(ctx); close(done) }()

	dev.rx <- can.MustFrame(0x7DF, 2, 1, 0x0D)
	select {
	case f := <-sent:
		if f.ID != 0x7DF || f.Len != 3 {
			t.Fatalf("forwarded %v", f)
		}
	case <-time.After(time.Second):
		t.Fatal("frame not forwarded")
	}
	cancel()
	_ = m.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestMirrorBackoffProgression(t *testing.T) {
	dev := newFakeDev()
	dev.failN = 8
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var seen []time.Duration
	sleepFn = func(d time.Duration) {
		mu.Lock()
		seen = append(seen, d)
		if len(seen) == 6 {
			cancel()
		}
		mu.Unlock()
	}
	defer func() { sleepFn = time.Sleep }()

	m := NewMirror(ctx, dev, func(can.Frame) {}, 1)
	m.Run(ctx)
	_ = m.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 6 {
		t.Fatalf("samples %d", len(seen))
	}
	if seen[0] != rxBackoffMin {
		t.Fatalf("first backoff %v", seen[0])
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] < seen[i-1] || seen[i] > rxBackoffMax {
			t.Fatalf("backoff %d: %v after %v", i, seen[i], seen[i-1])
		}
	}
	if seen[5] != rxBackoffMax {
		t.Fatalf("backoff never capped: %v", seen)
	}
}

func TestRawRoundTrip(t *testing.T) {
	var buf [rawLen]byte
	in := can.MustFrame(0x1ABCDE, 0xDE, 0xAD)
	encodeRaw(buf[:], in)
	if buf[3]&0x80 == 0 {
		t.Fatalf("EFF flag missing: % X", buf[:4])
	}
	var out can.Frame
	if err := decodeRaw(buf[:], &out); err != nil {
		t.Fatal(err)
	}
	if out.ID != in.ID || !out.SamePayload(in) {
		t.Fatalf("got %v want %v", out, in)
	}
	if err := decodeRaw(buf[:4], &out); err == nil {
		t.Fatal("short buffer accepted")
	}
}
