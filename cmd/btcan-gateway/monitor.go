package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/device"
	"github.com/kstaniek/go-btcan/internal/hub"
)

var (
	idColor   = color.New(color.FgYellow).SprintfFunc()
	dataColor = color.New(color.FgGreen).SprintfFunc()
	upColor   = color.New(color.FgCyan).SprintfFunc()
	downColor = color.New(color.FgRed).SprintfFunc()
)

// monitor prints received frames and connection events, one line each.
type monitor struct {
	client *hub.Client
	now    func() time.Time

	mu sync.Mutex
	w  io.Writer
}

func newMonitor(w io.Writer, buf int) *monitor {
	return &monitor{client: hub.NewClient(buf, hub.PolicyDrop), now: time.Now, w: w}
}

// OnFrame implements hub.Listener.
func (m *monitor) OnFrame(f can.Frame) { m.client.OnFrame(f) }

func (m *monitor) run(ctx context.Context) {
	defer m.client.Close()
	for {
		select {
		case f := <-m.client.Out:
			m.println(formatFrame(m.now(), f))
		case <-ctx.Done():
			return
		}
	}
}

func (m *monitor) event(ev device.Event) {
	m.println(formatEvent(m.now(), ev))
}

func (m *monitor) println(s string) {
	m.mu.Lock()
	fmt.Fprintln(m.w, s)
	m.mu.Unlock()
}

func formatFrame(ts time.Time, f can.Frame) string {
	var data strings.Builder
	for i, b := range f.Payload() {
		if i > 0 {
			data.WriteByte(' ')
		}
		fmt.Fprintf(&data, "%02X", b)
	}
	id := fmt.Sprintf("%03X", f.ID)
	if f.ID > can.SFFMask {
		id = fmt.Sprintf("%08X", f.ID)
	}
	return fmt.Sprintf("%s CAN%d %s [%d] %s", ts.Format("15:04:05.000"), f.Channel, idColor("%s", id), f.Len, dataColor("%s", data.String()))
}

func formatEvent(ts time.Time, ev device.Event) string {
	stamp := ts.Format("15:04:05.000")
	if ev.Kind == device.EventConnected {
		return fmt.Sprintf("%s %s", stamp, upColor("connected to %q", ev.Name))
	}
	if ev.Err != nil {
		return fmt.Sprintf("%s %s", stamp, downColor("disconnected: %v", ev.Err))
	}
	return fmt.Sprintf("%s %s", stamp, downColor("disconnected"))
}
