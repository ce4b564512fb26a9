// Package server bridges the Bluetooth bus to cannelloni TCP clients: frames
// received from the adapter are broadcast to every client, and frames a
// client sends are handed to the adapter.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/cnl"
	"github.com/kstaniek/go-btcan/internal/hub"
	"github.com/kstaniek/go-btcan/internal/logging"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

// SendFunc transmits a CAN frame through the Bluetooth adapter.
type SendFunc func(can.Frame) error

// Source is where received frames come from; device.Device satisfies it.
type Source interface {
	AddListener(hub.Listener) *hub.Subscription
	RemoveListener(*hub.Subscription)
}

type clientConn struct {
	conn net.Conn
	sub  *hub.Subscription
}

// Server owns the TCP listener and coordinates client lifecycle.
type Server struct {
	mu     sync.RWMutex
	addr   string
	source Source
	codec  cnl.Codec
	send   SendFunc

	frameFilter func(*can.Frame) bool

	flushInterval      time.Duration
	batchSize          int
	readDeadline       time.Duration
	handshakeTimeout   time.Duration
	maxClients         int
	clientBuf          int
	policy             hub.BackpressurePolicy
	readyOnce          sync.Once
	readyCh            chan struct{}
	lastErrMu          sync.Mutex
	lastErr            error
	errCh              chan error
	listener           net.Listener
	clientsMu          sync.Mutex
	clients            map[*hub.Client]clientConn
	wg                 sync.WaitGroup
	logger             *slog.Logger
	nextConnID         atomic.Uint64
	totalAccepted      atomic.Uint64
	totalHandshakeFail atomic.Uint64
	totalConnected     atomic.Uint64
	totalDisconnected  atomic.Uint64
	totalSendErrors    atomic.Uint64
}

const (
	defaultFlushInterval    = 5 * time.Millisecond
	defaultBatchSize        = 64
	defaultReadDeadline     = 60 * time.Second
	defaultHandshakeTimeout = 3 * time.Second
	defaultClientBuf        = 512
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval:    defaultFlushInterval,
		batchSize:        defaultBatchSize,
		readDeadline:     defaultReadDeadline,
		handshakeTimeout: defaultHandshakeTimeout,
		clientBuf:        defaultClientBuf,
		readyCh:          make(chan struct{}),
		errCh:            make(chan error, 1),
		clients:          make(map[*hub.Client]clientConn),
		logger:           logging.For("tcp"),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = ":0"
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithSource(src Source) ServerOption   { return func(s *Server) { s.source = src } }
func WithSend(send SendFunc) ServerOption  { return func(s *Server) { s.send = send } }
func WithFrameFilter(fn func(*can.Frame) bool) ServerOption {
	return func(s *Server) { s.frameFilter = fn }
}

func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithHandshakeTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.handshakeTimeout = d
		}
	}
}

func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

// WithClientBuffer sets the per-client queue and what happens when it fills.
func WithClientBuffer(n int, policy hub.BackpressurePolicy) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.clientBuf = n
		}
		s.policy = policy
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// ClientCount returns the number of connected TCP clients.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve accepts TCP clients until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.send == nil {
		return errors.New("server: no send function")
	}
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.setAddr(ln.Addr().String())
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr())
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// acceptOnce accepts one connection, runs the handshake, registers the client
// and spawns its IO goroutines. Only listener failures are returned.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrAccept, err)
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			time.Sleep(200 * time.Millisecond)
			return nil
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		return wrap
	}
	s.totalAccepted.Add(1)
	connLogger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	if err := cnl.Handshake(ctx, conn, s.handshakeTimeout); err != nil {
		wrap := fmt.Errorf("%w: %v", ErrHandshake, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.totalHandshakeFail.Add(1)
		connLogger.Warn("handshake_failed", "error", wrap)
		_ = conn.Close()
		return nil
	}
	if s.maxClients > 0 && s.ClientCount() >= s.maxClients {
		metrics.IncHubReject()
		connLogger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return nil
	}
	cl := hub.NewClient(s.clientBuf, s.policy)
	cc := clientConn{conn: conn}
	if s.source != nil {
		cc.sub = s.source.AddListener(cl)
	}
	s.clientsMu.Lock()
	s.clients[cl] = cc
	s.clientsMu.Unlock()
	s.totalConnected.Add(1)
	connLogger.Info("client_connected")
	s.startWriter(ctx.Done(), conn, cl, connLogger)
	s.startReader(ctx.Done(), conn, cl, connLogger)
	return nil
}

// dropClient unsubscribes cl and closes its connection; safe to call twice.
func (s *Server) dropClient(cl *hub.Client) bool {
	s.clientsMu.Lock()
	cc, ok := s.clients[cl]
	delete(s.clients, cl)
	s.clientsMu.Unlock()
	if !ok {
		return false
	}
	if s.source != nil {
		s.source.RemoveListener(cc.sub)
	}
	cl.Close()
	_ = cc.conn.Close()
	return true
}

// Shutdown closes the listener and all clients, then waits for the IO
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	cls := make([]*hub.Client, 0, len(s.clients))
	for cl := range s.clients {
		cls = append(cls, cl)
	}
	s.clientsMu.Unlock()
	for _, cl := range cls {
		s.dropClient(cl)
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "handshake_fail", s.totalHandshakeFail.Load(), "connected", s.totalConnected.Load(), "disconnected", s.totalDisconnected.Load(), "send_errors", s.totalSendErrors.Load())
		return nil
	}
}
