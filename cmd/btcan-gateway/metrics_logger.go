package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/kstaniek/go-btcan/internal/metrics"
)

// runMetricsLogger logs a counter snapshot every interval until ctx is done.
func runMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			snap := metrics.Snap()
			l.Info("metrics_snapshot",
				"rx", snap.Rx,
				"tx", snap.Tx,
				"malformed", snap.Malformed,
				"suppressed", snap.Suppressed,
				"connect_attempts", snap.ConnectAttempts,
				"reconnects", snap.Reconnects,
				"connected", snap.Connected,
				"tcp_rx", snap.TCPRx,
				"tcp_tx", snap.TCPTx,
				"hub_drops", snap.HubDrops,
				"errors", snap.Errors,
			)
		case <-ctx.Done():
			return
		}
	}
}
