package elm327

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/kstaniek/go-btcan/internal/bt"
	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/device"
	"github.com/kstaniek/go-btcan/internal/logging"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

// DefaultSettleDelay is the pause after each handshake command.
const DefaultSettleDelay = 300 * time.Millisecond

type Config struct {
	SettleDelay time.Duration
	Events      device.EventHandler
	Logger      *slog.Logger
	Session     []bt.Option
}

// Adapter is the ELM327 Device. A lost link is reported and not retried.
type Adapter struct {
	*device.Core
	cfg     Config
	session *bt.Session
	logger  *slog.Logger
}

var _ device.Device = (*Adapter)(nil)

func New(radio bt.Radio, dialer bt.Dialer, cfg Config) *Adapter {
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = DefaultSettleDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.For(string(device.KindELM327))
	}
	a := &Adapter{Core: device.NewCore(device.KindELM327, cfg.Events), cfg: cfg, logger: cfg.Logger}
	a.session = bt.NewSession(radio, dialer, (*handler)(a), cfg.Session...)
	return a
}

func (a *Adapter) Connect(ctx context.Context, name string) {
	if a.Retired() {
		a.logger.Warn("connect_after_stop", "name", name)
		return
	}
	a.BeginCycle()
	a.session.Connect(ctx, name)
}

func (a *Adapter) Disconnect() { a.session.Close() }

func (a *Adapter) Stop() {
	a.Retire()
	a.Disconnect()
}

func (a *Adapter) IsConnected() bool {
	return a.State() == device.StateConnected && a.session.IsConnected()
}

// Send sets the header to f.ID and writes the payload as one batch.
func (a *Adapter) Send(f can.Frame) {
	if err := f.Validate(); err != nil {
		a.logger.Warn("send_invalid", "frame", f.String(), "error", err)
		return
	}
	a.write(a.session.Link(), EncodeHeader(f), EncodeData(f))
}

// SendCommand writes a raw command line such as "ATDPN".
func (a *Adapter) SendCommand(cmd string) { a.write(a.session.Link(), cmd) }

// write is the only path to the wire. A missing or closed link takes the
// disconnected path.
func (a *Adapter) write(l *bt.Link, cmds ...string) bool {
	if l == nil || l.Closed() {
		a.logger.Debug("not_connected", "cmd", cmds[0])
		a.lost(l, bt.ErrLinkClosed)
		return false
	}
	err := l.Send(cmds...)
	switch {
	case err == nil:
		return true
	case errors.Is(err, bt.ErrTxOverflow):
		metrics.IncError(metrics.ErrTxOverflow)
		a.logger.Warn("send_failed", "cmd", cmds[0], "error", err)
	default:
		a.lost(l, err)
	}
	return false
}

func (a *Adapter) lost(l *bt.Link, err error) {
	if l == nil {
		a.MarkDisconnected(nil)
		return
	}
	a.session.Drop(l, err)
}

func (a *Adapter) receive(l *bt.Link) {
	for {
		line, err := l.ReadLine()
		if err != nil {
			if errors.Is(err, bt.ErrLinkClosed) || l.Closed() {
				return
			}
			metrics.IncError(metrics.ErrLinkRead)
			a.session.Drop(l, err)
			return
		}
		if a.session.Link() != l {
			return
		}
		if strings.Contains(line, bufferFull) {
			a.logger.Info("buffer_full_restart")
			a.write(l, CmdMonitorAll)
		}
		f, err := ParseLine(line)
		if err != nil {
			metrics.IncMalformed(a.Name())
			a.logger.Debug("line_dropped", "line", line, "error", err)
			continue
		}
		a.Dispatch(f)
	}
}

type handler Adapter

func (h *handler) Connected(name string, l *bt.Link) {
	a := (*Adapter)(h)
	current := func() bool { return a.session.Link() == l && !l.Closed() }
	l.SetHooks(bt.LinkHooks{
		OnWriteError: func(err error) {
			metrics.IncError(metrics.ErrLinkWrite)
			go a.session.Drop(l, err)
		},
		OnWritten: func(string) { metrics.IncTx(a.Name()) },
	})
	for _, cmd := range Handshake {
		if !a.write(l, cmd) {
			return
		}
		time.Sleep(a.cfg.SettleDelay)
	}
	if !current() {
		return
	}
	go a.receive(l)
	if !a.MarkConnected(name, current) {
		return
	}
	a.logger.Info("adapter_ready", "name", name)
}

func (h *handler) Disconnected(err error) {
	a := (*Adapter)(h)
	if err != nil {
		a.logger.Warn("adapter_disconnected", "error", err)
	}
	a.MarkDisconnected(err)
}
