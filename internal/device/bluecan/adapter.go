package bluecan

import (
	"context"
	"errors"
	"log/slog"

	"github.com/kstaniek/go-btcan/internal/bt"
	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/device"
	"github.com/kstaniek/go-btcan/internal/logging"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

const DefaultBitrate = 500000

type Config struct {
	Bitrate int   // bus bitrate sent in the init command, default 500000
	Channel uint8 // bus the init command targets, default 1
	Events  device.EventHandler
	Logger  *slog.Logger
	Session []bt.Option
}

// Adapter is the BlueCAN Device.
type Adapter struct {
	*device.Core
	cfg     Config
	session *bt.Session
	logger  *slog.Logger
}

var _ device.Device = (*Adapter)(nil)

func New(radio bt.Radio, dialer bt.Dialer, cfg Config) *Adapter {
	if cfg.Bitrate <= 0 {
		cfg.Bitrate = DefaultBitrate
	}
	if cfg.Channel == 0 {
		cfg.Channel = can.DefaultChannel
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.For(string(device.KindBlueCAN))
	}
	a := &Adapter{Core: device.NewCore(device.KindBlueCAN, cfg.Events), cfg: cfg, logger: cfg.Logger}
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

// Send writes f. Nothing is sent while disconnected.
func (a *Adapter) Send(f can.Frame) {
	if err := f.Validate(); err != nil {
		a.logger.Warn("send_invalid", "frame", f.String(), "error", err)
		return
	}
	a.command(EncodeFrame(f))
}

// SendPeriodic programs slot with f and enables it. The adapter then
// retransmits f every f.Period on its own.
func (a *Adapter) SendPeriodic(slot int, f can.Frame) {
	if err := f.Validate(); err != nil {
		a.logger.Warn("send_invalid", "frame", f.String(), "error", err)
		return
	}
	a.command(EncodeCyclic(slot, f), EncodeCyclicSwitch(f.Channel, slot, true))
}

// SetPeriodic enables or disables a periodic slot.
func (a *Adapter) SetPeriodic(ch uint8, slot int, on bool) {
	a.command(EncodeCyclicSwitch(ch, slot, on))
}

func (a *Adapter) command(cmds ...string) {
	l := a.session.Link()
	if a.State() == device.StateDisconnected || l == nil {
		a.logger.Debug("send_dropped", "reason", "disconnected", "cmd", cmds[0])
		return
	}
	if err := l.Send(cmds...); err != nil {
		if errors.Is(err, bt.ErrTxOverflow) {
			metrics.IncError(metrics.ErrTxOverflow)
		}
		a.logger.Warn("send_failed", "cmd", cmds[0], "error", err)
	}
}

func (a *Adapter) receive(l *bt.Link) {
	var dd Deduper
	for {
		line, err := l.ReadLine()
		if err != nil {
			if errors.Is(err, bt.ErrLinkClosed) || l.Closed() {
				return
			}
			metrics.IncError(metrics.ErrLinkRead)
			a.session.Recover(l, err)
			return
		}
		f, err := ParseLine(line)
		if err != nil {
			metrics.IncMalformed(a.Name())
			a.logger.Debug("line_dropped", "line", line, "error", err)
			continue
		}
		if !dd.Admit(f) {
			metrics.IncSuppressed()
			continue
		}
		a.Dispatch(f)
	}
}

// handler receives session callbacks without widening the Adapter API.
type handler Adapter

func (h *handler) Connected(name string, l *bt.Link) {
	a := (*Adapter)(h)
	current := func() bool { return a.session.Link() == l && !l.Closed() }
	// a Disconnect racing this call has already reported; leave the state alone
	if !a.Enter(device.StateConfiguring, current) {
		return
	}
	l.SetHooks(bt.LinkHooks{
		OnWriteError: func(err error) {
			metrics.IncError(metrics.ErrLinkWrite)
			// Recover closes the link, which waits for this writer goroutine.
			go a.session.Recover(l, err)
		},
		OnWritten: func(string) { metrics.IncTx(a.Name()) },
	})
	if err := l.Send(EncodeInit(a.cfg.Channel, a.cfg.Bitrate)); err != nil {
		a.logger.Warn("configure_failed", "error", err)
		a.session.Recover(l, err)
		return
	}
	go a.receive(l)
	if !a.MarkConnected(name, current) {
		return
	}
	a.logger.Info("adapter_ready", "name", name, "bitrate", a.cfg.Bitrate)
}

func (h *handler) Disconnected(err error) {
	a := (*Adapter)(h)
	if err != nil {
		a.logger.Warn("adapter_disconnected", "error", err)
	}
	a.MarkDisconnected(err)
}
