package hub

import (
	"sync"

	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

type BackpressurePolicy int

const (
	PolicyDrop BackpressurePolicy = iota
	PolicyKick
)

func (p BackpressurePolicy) String() string {
	if p == PolicyKick {
		return "kick"
	}
	return "drop"
}

// Client is a channel-backed listener. OnFrame never blocks: when Out is
// full the frame is dropped, or under PolicyKick the client is closed.
type Client struct {
	Out       chan can.Frame
	Closed    chan struct{}
	Policy    BackpressurePolicy
	closeOnce sync.Once
}

// NewClient allocates a client with an Out buffer of size buf.
func NewClient(buf int, policy BackpressurePolicy) *Client {
	if buf <= 0 {
		buf = 1
	}
	return &Client{Out: make(chan can.Frame, buf), Closed: make(chan struct{}), Policy: policy}
}

// Close signals the client is closed (idempotent).
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.Closed)
	})
}

// OnFrame implements Listener.
func (c *Client) OnFrame(f can.Frame) {
	select {
	case <-c.Closed:
		return
	default:
	}
	select {
	case c.Out <- f:
	default:
		if c.Policy == PolicyKick {
			metrics.IncHubKick()
			c.Close()
			return
		}
		metrics.IncHubDrop()
	}
}
