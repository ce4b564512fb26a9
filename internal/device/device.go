// Package device is the uniform facade over the BlueCAN and ELM327 adapters.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-btcan/internal/bt"
	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/hub"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

// Device is implemented by every adapter. No method returns an error:
// transport problems surface as events, bad input lines are logged and
// dropped.
type Device interface {
	// Name is the adapter kind, e.g. "bluecan".
	Name() string
	// Connect starts connecting to the bonded device called name and
	// returns immediately.
	Connect(ctx context.Context, name string)
	Disconnect()
	// Stop disconnects and retires the instance; later Connect calls are
	// ignored.
	Stop()
	IsConnected() bool
	Send(can.Frame)
	AddListener(hub.Listener) *hub.Subscription
	RemoveListener(*hub.Subscription)
	ClearListeners()
	State() State
}

type Kind string

const (
	KindBlueCAN Kind = "bluecan"
	KindELM327  Kind = "elm327"
)

// ParseKind accepts the adapter names used on the command line.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "bluecan", "blue-can":
		return KindBlueCAN, nil
	case "elm327", "elm", "obd":
		return KindELM327, nil
	}
	return "", fmt.Errorf("unknown adapter %q (want bluecan|elm327)", s)
}

// DefaultDeviceName is the bonded name each adapter ships with.
func (k Kind) DefaultDeviceName() string {
	if k == KindELM327 {
		return "OBDII"
	}
	return "BlueCAN  9"
}

type State int32

const (
	StateDisconnected State = iota
	StateConfiguring
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConfiguring:
		return "configuring"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type EventKind int

const (
	EventConnected EventKind = iota + 1
	EventDisconnected
)

func (k EventKind) String() string {
	if k == EventConnected {
		return "connected"
	}
	return "disconnected"
}

// Event is a connection transition. Name is set for EventConnected, Err for
// an EventDisconnected caused by a failure.
type Event struct {
	Kind EventKind
	Name string
	Err  error
}

// EventHandler is called from session goroutines, never from the goroutine
// calling Connect.
type EventHandler func(Event)

// Core carries what both adapters share: connection state, the private
// listener registry and event delivery.
//
// State changes that race with a disconnect (Enter, MarkConnected and
// MarkDisconnected) are applied under one lock, and events leave in the order
// the transitions happened. Events are emitted outside the lock, so a handler
// may call back into the adapter.
type Core struct {
	kind    Kind
	reg     *hub.Registry
	state   atomic.Int32
	events  EventHandler
	stopped atomic.Bool

	mu       sync.Mutex
	lost     bool // a failure was reported since the last connect
	queue    []Event
	draining bool
}

func NewCore(kind Kind, events EventHandler) *Core {
	return &Core{kind: kind, reg: hub.New(), events: events}
}

func (c *Core) Name() string { return string(c.kind) }

func (c *Core) State() State { return State(c.state.Load()) }

func (c *Core) setState(s State) State { return State(c.state.Swap(int32(s))) }

func (c *Core) AddListener(l hub.Listener) *hub.Subscription { return c.reg.Add(l) }

func (c *Core) RemoveListener(s *hub.Subscription) { c.reg.Remove(s) }

func (c *Core) ClearListeners() { c.reg.Clear() }

// Dispatch delivers f to every listener on the calling goroutine.
func (c *Core) Dispatch(f can.Frame) {
	metrics.IncRx(c.Name())
	c.reg.Dispatch(f)
}

// Retire marks the instance stopped; it reports whether this call did it.
func (c *Core) Retire() bool { return !c.stopped.Swap(true) }

func (c *Core) Retired() bool { return c.stopped.Load() }

// BeginCycle is called when the user starts a new connect cycle; an
// abandoned cycle is reported again from here on.
func (c *Core) BeginCycle() {
	c.mu.Lock()
	c.lost = false
	c.mu.Unlock()
}

// Enter moves to s (no event) if current reports the link is still live.
// A nil current always applies.
func (c *Core) Enter(s State, current func() bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current != nil && !current() {
		return false
	}
	c.setState(s)
	return true
}

// MarkConnected flips the state and emits EventConnected, unless current
// reports that the link was already replaced or closed.
func (c *Core) MarkConnected(name string, current func() bool) bool {
	c.mu.Lock()
	if current != nil && !current() {
		c.mu.Unlock()
		return false
	}
	c.setState(StateConnected)
	c.lost = false
	metrics.SetConnected(true)
	c.queue = append(c.queue, Event{Kind: EventConnected, Name: name})
	c.mu.Unlock()
	c.drain()
	return true
}

// MarkDisconnected moves to StateDisconnected. The event fires when a live or
// configuring connection ended, or when a connect cycle was abandoned and no
// failure was reported for it yet, so each transition is reported once.
func (c *Core) MarkDisconnected(err error) {
	c.mu.Lock()
	prev := c.setState(StateDisconnected)
	metrics.SetConnected(false)
	emit := prev != StateDisconnected || (Abandoned(err) && !c.lost)
	if emit {
		if err != nil {
			c.lost = true
		}
		c.queue = append(c.queue, Event{Kind: EventDisconnected, Err: err})
	}
	c.mu.Unlock()
	if emit {
		c.drain()
	}
}

// drain emits queued events one at a time. A call made while another
// goroutine (or the handler itself) is draining leaves its event to that
// drainer.
func (c *Core) drain() {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return
	}
	c.draining = true
	for len(c.queue) > 0 {
		ev := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		if c.events != nil {
			c.events(ev)
		}
		c.mu.Lock()
	}
	c.draining = false
	c.mu.Unlock()
}

// Abandoned reports whether err ended a connect cycle for good.
func Abandoned(err error) bool {
	return errors.Is(err, bt.ErrRetriesExhausted) || errors.Is(err, bt.ErrRadioDisabled)
}
