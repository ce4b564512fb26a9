package bt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/tarm/serial"
)

// Port abstracts tarm/serial for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openSerial is a hook for tests.
var openSerial = func(name string, baud int, readTimeout time.Duration) (Port, error) {
	return serial.OpenPort(&serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout})
}

// SerialDialer opens the tty bound to the device (rfcomm bind), taken from
// Device.Path.
type SerialDialer struct {
	Baud        int           // default 115200
	ReadTimeout time.Duration // default 200ms
}

func (d SerialDialer) Dial(ctx context.Context, dev Device) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if dev.Path == "" {
		return nil, fmt.Errorf("bt: device %q has no serial path", dev.Name)
	}
	baud := d.Baud
	if baud <= 0 {
		baud = 115200
	}
	to := d.ReadTimeout
	if to <= 0 {
		to = 200 * time.Millisecond
	}
	p, err := openSerial(dev.Path, baud, to)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", dev.Path, err)
	}
	return &pollingPort{p: p}, nil
}

// pollingPort hides read timeouts: tarm reports an expired timeout as
// (0, io.EOF), which would otherwise end the line reader.
type pollingPort struct {
	p      Port
	closed atomic.Bool
}

func (pp *pollingPort) Read(b []byte) (int, error) {
	for {
		if pp.closed.Load() {
			return 0, os.ErrClosed
		}
		n, err := pp.p.Read(b)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, err
		}
	}
}

func (pp *pollingPort) Write(b []byte) (int, error) { return pp.p.Write(b) }

func (pp *pollingPort) Close() error {
	if pp.closed.Swap(true) {
		return nil
	}
	return pp.p.Close()
}
