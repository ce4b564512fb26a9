//go:build linux

package bt

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// RFCOMMDialer opens an RFCOMM stream socket to the device address.
type RFCOMMDialer struct {
	Channel uint8 // 0 means 1
}

func (d RFCOMMDialer) Dial(ctx context.Context, dev Device) (io.ReadWriteCloser, error) {
	addr, err := parseBDAddr(dev.Address)
	if err != nil {
		return nil, err
	}
	ch := d.Channel
	if ch == 0 {
		ch = 1
	}
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_BLUETOOTH): %w", err)
	}
	sa := &unix.SockaddrRFCOMM{Addr: addr, Channel: ch}
	done := make(chan error, 1)
	go func() { done <- unix.Connect(fd, sa) }()
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
		go func() { <-done; _ = unix.Close(fd) }()
		return nil, ctx.Err()
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm connect %s ch%d: %w", dev.Address, ch, err)
	}
	// Non-blocking fds go through the runtime poller, so Close wakes a
	// goroutine parked in Read.
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("rfcomm nonblock: %w", err)
	}
	return os.NewFile(uintptr(fd), "rfcomm:"+dev.Address), nil
}
