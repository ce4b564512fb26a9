// Package capture records received frames to a file as a stream of CBOR maps
// and reads them back.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/kstaniek/go-btcan/internal/can"
	"github.com/kstaniek/go-btcan/internal/hub"
	"github.com/kstaniek/go-btcan/internal/logging"
	"github.com/kstaniek/go-btcan/internal/metrics"
)

// Record is one captured frame.
type Record struct {
	Time    int64  `cbor:"t"` // unix nanoseconds
	Channel uint8  `cbor:"ch"`
	ID      uint32 `cbor:"id"`
	Data    []byte `cbor:"data"`
}

// Frame converts the record back to a frame. Data beyond eight bytes is an
// error.
func (r Record) Frame() (can.Frame, error) {
	f, err := can.New(r.ID, r.Data...)
	if err != nil {
		return can.Frame{}, err
	}
	if r.Channel != 0 {
		f.Channel = r.Channel
	}
	return f, nil
}

var encMode cbor.EncMode

func init() {
	m, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = m
}

// Writer is a hub listener that appends every frame to w. Encoding happens on
// its own goroutine; OnFrame only queues.
type Writer struct {
	client *hub.Client
	bw     *bufio.Writer
	enc    *cbor.Encoder
	closer io.Closer
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	written int
	err     error
	done    chan struct{}
}

// NewWriter starts a writer with a queue of buf frames. Frames are dropped,
// not blocked on, when the queue is full. If w is an io.Closer it is closed
// by Close.
func NewWriter(w io.Writer, buf int) *Writer {
	bw := bufio.NewWriter(w)
	cw := &Writer{
		client: hub.NewClient(buf, hub.PolicyDrop),
		bw:     bw,
		enc:    encMode.NewEncoder(bw),
		now:    time.Now,
		logger: logging.For("capture"),
		done:   make(chan struct{}),
	}
	if c, ok := w.(io.Closer); ok {
		cw.closer = c
	}
	go cw.loop()
	return cw
}

// OnFrame implements hub.Listener.
func (w *Writer) OnFrame(f can.Frame) { w.client.OnFrame(f) }

func (w *Writer) loop() {
	defer close(w.done)
	for {
		select {
		case f := <-w.client.Out:
			w.write(f)
		case <-w.client.Closed:
			// drain what was queued before Close
			for {
				select {
				case f := <-w.client.Out:
					w.write(f)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(f can.Frame) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return
	}
	rec := Record{Time: w.now().UnixNano(), Channel: f.Channel, ID: f.ID, Data: f.Payload()}
	if err := w.enc.Encode(rec); err != nil {
		metrics.IncError(metrics.ErrCapture)
		w.logger.Error("capture_write_failed", "error", err)
		w.err = err
		return
	}
	w.written++
}

// Written returns the number of records encoded so far.
func (w *Writer) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close flushes pending records and closes the underlying file. It returns
// the first write error, if any.
func (w *Writer) Close() error {
	w.client.Close()
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	err := w.err
	if ferr := w.bw.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if w.closer != nil {
		if cerr := w.closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
		w.closer = nil
	}
	return err
}

// Reader decodes records written by Writer.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(bufio.NewReader(r))}
}

// Next returns the next record, or io.EOF at a clean end of stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.EOF
		}
		return Record{}, fmt.Errorf("capture: decode: %w", err)
	}
	return rec, nil
}

// ReadAll returns every record until EOF.
func ReadAll(r io.Reader) ([]Record, error) {
	cr := NewReader(r)
	var out []Record
	for {
		rec, err := cr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}
