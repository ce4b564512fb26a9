package bt

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-btcan/internal/logging"
	"github.com/kstaniek/go-btcan/internal/metrics"
	"github.com/kstaniek/go-btcan/internal/transport"
)

const (
	defaultTxQueue = 64
	// MaxLineLen caps an input line. Longer lines are skipped up to the next
	// terminator and counted as malformed; the link stays up.
	MaxLineLen = 1024
)

// LinkHooks lets the adapter observe the writer goroutine.
type LinkHooks struct {
	// OnWriteError runs on the writer goroutine when a command batch fails.
	OnWriteError func(error)
	// OnWritten runs after each command line is written.
	OnWritten func(cmd string)
}

// Link is one established connection: the conn, a line reader used by the
// adapter's receive goroutine and a single writer goroutine for commands.
// It is the only handle adapters hold, swapped atomically by the Session, so
// readers and writers can never see halves of two different connections.
type Link struct {
	dev    Device
	conn   io.ReadWriteCloser
	lines  *bufio.Scanner
	tx     *transport.AsyncTx[[]string]
	hooks  atomic.Pointer[LinkHooks]
	closed atomic.Bool
	once   sync.Once
	logger *slog.Logger
}

func newLink(dev Device, conn io.ReadWriteCloser, txQueue int, logger *slog.Logger) *Link {
	if txQueue <= 0 {
		txQueue = defaultTxQueue
	}
	if logger == nil {
		logger = logging.For("link")
	}
	l := &Link{dev: dev, conn: conn, logger: logger}
	sp := &lineSplitter{max: MaxLineLen, dropped: func(n int) {
		metrics.IncMalformed("link")
		l.logger.Warn("line_too_long", "bytes", n, "max", MaxLineLen)
	}}
	l.lines = bufio.NewScanner(conn)
	l.lines.Buffer(make([]byte, 0, 4096), 4*MaxLineLen)
	l.lines.Split(sp.split)
	l.tx = transport.NewAsyncTx(context.Background(), txQueue, l.write, transport.Hooks{
		OnError: func(err error) {
			if h := l.hooks.Load(); h != nil && h.OnWriteError != nil {
				h.OnWriteError(err)
			}
		},
		OnDrop: func() error { return ErrTxOverflow },
	})
	return l
}

// NewLink wraps an already open stream. Tests and the serial bridge use it;
// the Session builds links itself after a successful dial.
func NewLink(dev Device, conn io.ReadWriteCloser) *Link {
	return newLink(dev, conn, defaultTxQueue, nil)
}

// Device returns the remote the link is connected to.
func (l *Link) Device() Device { return l.dev }

// SetHooks installs writer callbacks; call before the first Send.
func (l *Link) SetHooks(h LinkHooks) { l.hooks.Store(&h) }

// Send queues commands to be written in order, each terminated by '\r'.
// A batch is never interleaved with another batch.
func (l *Link) Send(cmds ...string) error {
	if l.closed.Load() {
		return ErrLinkClosed
	}
	if len(cmds) == 0 {
		return nil
	}
	batch := make([]string, len(cmds))
	copy(batch, cmds)
	if err := l.tx.Send(batch); err != nil {
		if errors.Is(err, transport.ErrAsyncTxClosed) {
			return ErrLinkClosed
		}
		return err
	}
	return nil
}

func (l *Link) write(batch []string) error {
	for _, cmd := range batch {
		if l.closed.Load() {
			return ErrLinkClosed
		}
		l.logger.Debug("link_write", "cmd", cmd)
		if _, err := io.WriteString(l.conn, cmd+"\r"); err != nil {
			return err
		}
		if h := l.hooks.Load(); h != nil && h.OnWritten != nil {
			h.OnWritten(cmd)
		}
	}
	return nil
}

// ReadLine blocks until a non-empty line arrives. Lines end at '\r' or '\n'.
// After Close it returns ErrLinkClosed, so callers can tell their own
// shutdown apart from a transport failure.
func (l *Link) ReadLine() (string, error) {
	if l.closed.Load() {
		return "", ErrLinkClosed
	}
	if l.lines.Scan() {
		return l.lines.Text(), nil
	}
	if l.closed.Load() {
		return "", ErrLinkClosed
	}
	if err := l.lines.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close shuts the conn first, which unblocks a pending ReadLine, then stops
// the writer. Safe to call more than once; only the first call can fail.
func (l *Link) Close() error {
	var err error
	l.once.Do(func() {
		l.closed.Store(true)
		err = l.conn.Close()
		l.tx.Close()
	})
	return err
}

// Closed reports whether Close was called.
func (l *Link) Closed() bool { return l.closed.Load() }

// scanCRLF splits on '\r' or '\n' and skips empty lines, so "\r\n" and the
// ELM327's bare '\r' both end exactly one line.
func scanCRLF(data []byte, atEOF bool) (int, []byte, error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && len(data) > start {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// lineSplitter wraps scanCRLF so that no line can outgrow the scanner buffer.
// Once more than max bytes arrive without a terminator it drops them and keeps
// dropping until the next '\r' or '\n'.
type lineSplitter struct {
	max        int
	discarding bool
	skipped    int
	dropped    func(n int)
}

func (s *lineSplitter) split(data []byte, atEOF bool) (int, []byte, error) {
	if s.discarding {
		i := bytes.IndexAny(data, "\r\n")
		if i < 0 {
			s.skipped += len(data)
			return len(data), nil, nil
		}
		s.discarding = false
		s.dropped(s.skipped + i)
		s.skipped = 0
		return i + 1, nil, nil
	}
	adv, tok, err := scanCRLF(data, atEOF)
	if tok != nil {
		if len(tok) > s.max {
			s.dropped(len(tok))
			return adv, nil, nil
		}
		return adv, tok, err
	}
	if pending := len(data) - adv; pending > s.max {
		s.discarding = true
		s.skipped = pending
		return len(data), nil, nil
	}
	return adv, nil, err
}
