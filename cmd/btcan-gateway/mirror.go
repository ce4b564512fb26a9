package main

import (
	"context"
	"log/slog"

	"github.com/kstaniek/go-btcan/internal/device"
	"github.com/kstaniek/go-btcan/internal/socketcan"
)

const mirrorTxQueue = 1024

// openSocketCAN is a hook for tests.
var openSocketCAN = func(iface string) (socketcan.Dev, error) { return socketcan.Open(iface) }

// initMirror opens cfg.canIf and subscribes the mirror to dev. The returned
// run func blocks until ctx is done; cleanup unsubscribes and closes the
// socket.
func initMirror(ctx context.Context, cfg *appConfig, dev device.Device, l *slog.Logger) (run func() error, cleanup func(), err error) {
	sock, err := openSocketCAN(cfg.canIf)
	if err != nil {
		return nil, nil, err
	}
	m := socketcan.NewMirror(ctx, sock, dev.Send, mirrorTxQueue)
	sub := dev.AddListener(m)
	l.Info("socketcan_mirror", "if", cfg.canIf)
	run = func() error {
		m.Run(ctx)
		return nil
	}
	cleanup = func() {
		dev.RemoveListener(sub)
		if err := m.Close(); err != nil {
			l.Debug("socketcan_close", "error", err)
		}
	}
	return run, cleanup, nil
}
