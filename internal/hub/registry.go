// Package hub fans received CAN frames out to listeners.
//
// Dispatch is synchronous: it runs on the adapter's receive goroutine while
// holding the registry read lock, so a slow listener stalls reception and a
// listener must never call Add, Remove or Clear from inside OnFrame. Listeners
// that need to do real work should hand the frame off (see Client).
package hub

import (
	"sync"

	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

// Listener receives frames from a device.
type Listener interface {
	OnFrame(can.Frame)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(can.Frame)

func (fn ListenerFunc) OnFrame(f can.Frame) { fn(f) }

// Subscription is the handle returned by Add; pass it to Remove.
type Subscription struct {
	l Listener
}

// Registry is an ordered set of listeners. Adding the same listener twice
// yields two subscriptions and two deliveries per frame.
type Registry struct {
	mu   sync.RWMutex
	subs []*Subscription
}

// New creates an empty registry.
func New() *Registry { return &Registry{} }

// Add registers l and returns its subscription handle.
func (r *Registry) Add(l Listener) *Subscription {
	s := &Subscription{l: l}
	r.mu.Lock()
	r.subs = append(r.subs, s)
	n := len(r.subs)
	r.mu.Unlock()
	metrics.SetListeners(n)
	return s
}

// Remove unregisters a subscription; unknown or nil handles are ignored.
// When Remove returns, no dispatch pass can still call the listener.
func (r *Registry) Remove(s *Subscription) {
	if s == nil {
		return
	}
	r.mu.Lock()
	for i, cur := range r.subs {
		if cur == s {
			next := make([]*Subscription, 0, len(r.subs)-1)
			next = append(next, r.subs[:i]...)
			r.subs = append(next, r.subs[i+1:]...)
			break
		}
	}
	n := len(r.subs)
	r.mu.Unlock()
	metrics.SetListeners(n)
}

// Clear drops every subscription.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.subs = nil
	r.mu.Unlock()
	metrics.SetListeners(0)
}

// Dispatch delivers f to every listener registered when the pass starts.
// Add/Remove/Clear wait for the pass to finish.
func (r *Registry) Dispatch(f can.Frame) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.subs {
		s.l.OnFrame(f)
	}
}

// Count returns the number of subscriptions.
func (r *Registry) Count() int { r.mu.RLock(); n := len(r.subs); r.mu.RUnlock(); return n }
