package bt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"
	"github.com/kstaniek/go-btcan/internal/logging"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

const (
	DefaultRetryThreshold = 50
	DefaultRetryDelay     = 100 * time.Millisecond
)

// Handler receives session transitions. Connected runs on the connect
// goroutine; Disconnected runs on whichever goroutine ended the link.
type Handler interface {
	Connected(name string, l *Link)
	Disconnected(err error)
}

// Option configures a Session.
type Option func(*Session)

func WithRetryThreshold(n int) Option { return func(s *Session) { s.threshold = n } }

func WithRetryDelay(d time.Duration) Option { return func(s *Session) { s.delay = d } }

func WithTxQueue(n int) Option { return func(s *Session) { s.txQueue = n } }

func WithLogger(l *slog.Logger) Option { return func(s *Session) { s.logger = l } }

// Session owns the connection lifecycle for one adapter instance.
type Session struct {
	radio   Radio
	dialer  Dialer
	handler Handler

	threshold int
	delay     time.Duration
	txQueue   int
	logger    *slog.Logger

	mu     sync.Mutex
	ctx    context.Context // current connect cycle, nil when idle
	cancel context.CancelFunc
	dev    Device

	link    atomic.Pointer[Link]
	retries atomic.Int32
}

// NewSession wires a radio and dialer to h.
func NewSession(radio Radio, dialer Dialer, h Handler, opts ...Option) *Session {
	s := &Session{
		radio:     radio,
		dialer:    dialer,
		handler:   h,
		threshold: DefaultRetryThreshold,
		delay:     DefaultRetryDelay,
		txQueue:   defaultTxQueue,
	}
	for _, o := range opts {
		o(s)
	}
	if s.logger == nil {
		s.logger = logging.For("session")
	}
	if s.threshold < 0 {
		s.threshold = 0
	}
	return s
}

// Connect looks up name among the bonded devices and connects to it on a
// separate goroutine. An unknown name is logged and otherwise ignored. A
// previous cycle or link is torn down first and the retry counter restarts.
func (s *Session) Connect(ctx context.Context, name string) {
	s.mu.Lock()
	s.stopLocked()
	cctx, cancel := context.WithCancel(ctx)
	s.ctx, s.cancel = cctx, cancel
	s.mu.Unlock()
	s.retries.Store(0)

	if l := s.link.Swap(nil); l != nil {
		s.closeLink(l)
		s.handler.Disconnected(nil)
	}
	go s.start(cctx, name)
}

func (s *Session) start(ctx context.Context, name string) {
	if err := s.radio.Enable(ctx); err != nil {
		metrics.IncError(metrics.ErrRadio)
		s.abandon(ctx, fmt.Errorf("%w: %v", ErrRadioDisabled, err))
		return
	}
	devs, err := s.radio.BondedDevices(ctx)
	if err != nil {
		metrics.IncError(metrics.ErrRadio)
		s.logger.Warn("bonded_devices_failed", "error", err)
		return
	}
	dev, ok := findByName(devs, name)
	if !ok {
		s.logger.Warn("bonded_device_not_found", "name", name, "bonded", len(devs), "error", ErrDeviceNotFound)
		return
	}
	s.mu.Lock()
	s.dev = dev
	s.mu.Unlock()
	s.logger.Info("connect_start", "name", dev.Name, "addr", dev.Address, "uuid", SerialPortUUID)
	s.cycle(ctx, dev, false)
}

// cycle dials dev until it succeeds, the counter passes the threshold, the
// radio cannot be enabled or ctx is cancelled.
func (s *Session) cycle(ctx context.Context, dev Device, reinit bool) {
	attempt := 0
	err := retry.Do(func() error {
		attempt++
		if reinit || attempt > 1 {
			if err := s.radio.Enable(ctx); err != nil {
				metrics.IncError(metrics.ErrRadio)
				return retry.Unrecoverable(fmt.Errorf("%w: %v", ErrRadioDisabled, err))
			}
		}
		metrics.IncConnectAttempt()
		conn, err := s.dialer.Dial(ctx, dev)
		if err != nil {
			metrics.IncConnectFailure()
			n := s.retries.Add(1)
			s.logger.Debug("connect_failed", "name", dev.Name, "attempt", attempt, "retries", n, "error", err)
			if int(n) > s.threshold {
				return retry.Unrecoverable(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, n, err))
			}
			return err
		}
		l := newLink(dev, conn, s.txQueue, s.logger)
		s.mu.Lock()
		if ctx.Err() != nil {
			s.mu.Unlock()
			s.closeLink(l)
			return retry.Unrecoverable(ctx.Err())
		}
		s.link.Store(l)
		s.mu.Unlock()
		s.retries.Store(0)
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(uint(s.threshold)+1),
		retry.Delay(s.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.abandon(ctx, err)
		return
	}
	l := s.link.Load()
	if l == nil {
		return
	}
	s.logger.Info("connected", "name", dev.Name, "addr", dev.Address, "attempts", attempt)
	s.handler.Connected(dev.Name, l)
}

func (s *Session) abandon(ctx context.Context, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, ErrRetriesExhausted) {
		metrics.IncRetriesExhausted()
	}
	s.logger.Warn("connect_abandoned", "error", err)
	s.handler.Disconnected(err)
}

// Recover handles an I/O failure on l after it was connected: the link is
// closed, the loss reported, and a new cycle started for the same device.
// The failure counts against the retry threshold. Stale links are ignored.
func (s *Session) Recover(l *Link, cause error) {
	if l == nil || !s.link.CompareAndSwap(l, nil) {
		return
	}
	s.closeLink(l)
	s.logger.Warn("link_lost", "name", l.Device().Name, "error", cause)
	s.handler.Disconnected(cause)

	s.mu.Lock()
	ctx := s.ctx
	dev := s.dev
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	if n := s.retries.Add(1); int(n) > s.threshold {
		metrics.IncRetriesExhausted()
		s.logger.Warn("connect_abandoned", "error", ErrRetriesExhausted, "retries", n)
		s.handler.Disconnected(fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, n, cause))
		return
	}
	metrics.IncReconnect()
	go s.cycle(ctx, dev, true)
}

// Drop ends l after a failure without reconnecting. Stale links are ignored.
func (s *Session) Drop(l *Link, cause error) {
	if l == nil || !s.link.CompareAndSwap(l, nil) {
		return
	}
	s.closeLink(l)
	s.logger.Warn("link_dropped", "name", l.Device().Name, "error", cause)
	s.handler.Disconnected(cause)
}

// Close stops any connect cycle, closes the link and reports the session as
// disconnected. Close errors are logged, never returned.
func (s *Session) Close() {
	s.mu.Lock()
	s.stopLocked()
	s.mu.Unlock()
	if l := s.link.Swap(nil); l != nil {
		s.closeLink(l)
	}
	s.handler.Disconnected(nil)
}

func (s *Session) stopLocked() {
	if s.cancel != nil {
		s.cancel()
	}
	s.ctx, s.cancel = nil, nil
}

func (s *Session) closeLink(l *Link) {
	if err := l.Close(); err != nil {
		s.logger.Debug("link_close_failed", "error", err)
	}
}

// Link returns the current link or nil.
func (s *Session) Link() *Link { return s.link.Load() }

// IsConnected reports whether an open link exists.
func (s *Session) IsConnected() bool {
	l := s.link.Load()
	return l != nil && !l.Closed()
}

// Retries returns the failed-attempt counter of the current cycle.
func (s *Session) Retries() int { return int(s.retries.Load()) }
