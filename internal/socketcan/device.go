//go:build linux

package socketcan

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-btcan/internal/can"
)

// Device is a raw CAN socket bound to one interface.
type Device struct {
	fd int
}

func Open(iface string) (*Device, error) {
	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("socket(AF_CAN): %w", err)
	}
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("if %q: %w", iface, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind(can@%s): %w", iface, err)
	}
	return &Device{fd: fd}, nil
}

// Close shuts the socket down first so a blocked ReadFrame returns.
func (d *Device) Close() error {
	_ = unix.Shutdown(d.fd, unix.SHUT_RDWR)
	return unix.Close(d.fd)
}

// ReadFrame reads one classic frame. Error and RTR frames are reported with
// the flags stripped; the Bluetooth adapters cannot express them anyway.
func (d *Device) ReadFrame(fr *can.Frame) error {
	var buf [rawLen]byte
	n, err := unix.Read(d.fd, buf[:])
	if err != nil {
		return err
	}
	if n != rawLen {
		return fmt.Errorf("short read: %d", n)
	}
	return decodeRaw(buf[:], fr)
}

// WriteFrame writes one classic frame.
func (d *Device) WriteFrame(fr can.Frame) error {
	var buf [rawLen]byte
	encodeRaw(buf[:], fr)
	_, err := unix.Write(d.fd, buf[:])
	return err
}
