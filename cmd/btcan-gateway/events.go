package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-btcan/internal/device"
)

// eventSink logs connection events, forwards them to the monitor and, after
// any failure, schedules a fresh connect cycle. A loss is reported once even
// when the adapter's own reconnect later gives up, so every failure arms the
// timer; it does nothing if the adapter is connected again by then.
type eventSink struct {
	ctx    context.Context
	logger *slog.Logger
	mon    *monitor
	after  time.Duration
	name   string

	mu    sync.Mutex
	dev   device.Device
	timer *time.Timer
}

func (s *eventSink) attach(dev device.Device) {
	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
}

func (s *eventSink) handle(ev device.Event) {
	switch ev.Kind {
	case device.EventConnected:
		s.logger.Info("device_connected", "name", ev.Name)
	default:
		if ev.Err != nil {
			s.logger.Warn("device_disconnected", "error", ev.Err)
		} else {
			s.logger.Info("device_disconnected")
		}
	}
	if s.mon != nil {
		s.mon.event(ev)
	}
	if ev.Kind == device.EventDisconnected && ev.Err != nil {
		s.scheduleReconnect(ev.Err)
	}
}

func (s *eventSink) scheduleReconnect(cause error) {
	if s.after <= 0 || s.ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dev == nil || s.timer != nil {
		return
	}
	s.logger.Info("reconnect_scheduled", "after", s.after, "cause", cause)
	s.timer = time.AfterFunc(s.after, func() {
		s.mu.Lock()
		dev := s.dev
		s.timer = nil
		s.mu.Unlock()
		if s.ctx.Err() != nil || dev.IsConnected() {
			return
		}
		dev.Connect(s.ctx, s.name)
	})
}

func (s *eventSink) stop() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()
}
