// Package socketcan mirrors the Bluetooth bus onto a Linux CAN interface so
// candump, cansend and friends can be used against the adapter.
package socketcan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/logging"
	"github.com/kstaniek/go-btcan/internal/metrics"
	"github.com/kstaniek/go-btcan/internal/transport"
)

var ErrTxOverflow = errors.New("socketcan tx overflow")

const (
	rxBackoffMin = 20 * time.Millisecond
	rxBackoffMax = 500 * time.Millisecond
)

// Dev is what the mirror needs from a CAN socket; *Device implements it.
type Dev interface {
	ReadFrame(*can.Frame) error
	WriteFrame(can.Frame) error
	Close() error
}

// sleepFn is a hook for tests.
var sleepFn = time.Sleep

// Mirror writes frames received over Bluetooth to dev and forwards frames
// read from dev to the Bluetooth adapter.
type Mirror struct {
	dev    Dev
	tx     *transport.AsyncTx[can.Frame]
	send   func(can.Frame)
	logger *slog.Logger
}

// NewMirror starts the writer goroutine; call Run for the read side.
func NewMirror(ctx context.Context, dev Dev, send func(can.Frame), buf int) *Mirror {
	m := &Mirror{dev: dev, send: send, logger: logging.For("socketcan")}
	m.tx = transport.NewAsyncTx(ctx, buf, dev.WriteFrame, transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSocketCANWrite)
			m.logger.Debug("socketcan_write_error", "error", err)
		},
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSocketCANWrite)
			return ErrTxOverflow
		},
	})
	return m
}

// OnFrame implements hub.Listener. It never blocks the receive goroutine.
func (m *Mirror) OnFrame(f can.Frame) {
	if err := m.tx.Send(f); err != nil && !errors.Is(err, transport.ErrAsyncTxClosed) {
		m.logger.Debug("socketcan_drop", "frame", f.String(), "error", err)
	}
}

// Run reads frames from the interface until ctx is done, backing off on
// read errors.
func (m *Mirror) Run(ctx context.Context) {
	defer m.logger.Info("socketcan_rx_end")
	backoff := rxBackoffMin
	for ctx.Err() == nil {
		var fr can.Frame
		if err := m.dev.ReadFrame(&fr); err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.IncError(metrics.ErrSocketCANRead)
			m.logger.Warn("socketcan_read_error", "error", err, "backoff", backoff)
			sleepFn(backoff)
			backoff = min(backoff*2, rxBackoffMax)
			continue
		}
		backoff = rxBackoffMin
		m.send(fr)
	}
}

// Close stops the writer and closes the socket, which ends Run.
func (m *Mirror) Close() error {
	m.tx.Close()
	return m.dev.Close()
}
