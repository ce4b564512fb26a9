package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/kstaniek/go-btcan/internal/bt"
	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/device"
	"github.com/kstaniek/go-btcan/internal/device/bluecan"
	"github.com/kstaniek/go-btcan/internal/device/elm327"
	"github.com/kstaniek/go-btcan/internal/server"
)

var errNotConnected = errors.New("adapter not connected")

// Hook variables for tests.
var (
	openBlueZ = func(adapter string) (bt.Radio, error) { return bt.NewBlueZ(adapter) }
)

// initLink picks the radio and dialer for cfg.transport. The serial transport
// talks to an already bound /dev/rfcommN, so the bonded list is just that one
// device under the configured name.
func initLink(cfg *appConfig) (bt.Radio, bt.Dialer, error) {
	switch cfg.transport {
	case "rfcomm":
		radio, err := openBlueZ(cfg.btAdapter)
		if err != nil {
			return nil, nil, err
		}
		return radio, bt.RFCOMMDialer{Channel: uint8(cfg.rfcommChannel)}, nil
	case "serial":
		radio := bt.StaticRadio{Devices: []bt.Device{{Name: cfg.deviceName, Adapter: cfg.btAdapter, Path: cfg.serialDev}}}
		return radio, bt.SerialDialer{Baud: cfg.baud, ReadTimeout: cfg.serialReadTO}, nil
	default:
		return nil, nil, fmt.Errorf("unknown transport %q (use rfcomm|serial)", cfg.transport)
	}
}

// initDevice builds the adapter selected by cfg.adapter.
func initDevice(cfg *appConfig, events device.EventHandler, l *slog.Logger) (device.Device, error) {
	kind, err := device.ParseKind(cfg.adapter)
	if err != nil {
		return nil, err
	}
	radio, dialer, err := initLink(cfg)
	if err != nil {
		return nil, err
	}
	session := []bt.Option{
		bt.WithRetryThreshold(cfg.retryThreshold),
		bt.WithRetryDelay(cfg.retryDelay),
		bt.WithLogger(l.With("component", "session")),
	}
	l.Info("device_config", "adapter", kind, "device", cfg.deviceName, "transport", cfg.transport,
		"retry_threshold", cfg.retryThreshold, "retry_delay", cfg.retryDelay)
	switch kind {
	case device.KindELM327:
		return elm327.New(radio, dialer, elm327.Config{
			SettleDelay: cfg.elmSettle,
			Events:      events,
			Logger:      l.With("component", string(kind)),
			Session:     session,
		}), nil
	default:
		return bluecan.New(radio, dialer, bluecan.Config{
			Bitrate: cfg.bitrate,
			Channel: uint8(cfg.canChannel),
			Events:  events,
			Logger:  l.With("component", string(kind)),
			Session: session,
		}), nil
	}
}

// deviceSend adapts Device.Send to the bridge's SendFunc. Frames arriving
// while the adapter is down are rejected so the bridge can count them.
func deviceSend(dev device.Device) server.SendFunc {
	return func(f can.Frame) error {
		if !dev.IsConnected() {
			return errNotConnected
		}
		dev.Send(f)
		return nil
	}
}
