// Package bt owns the Bluetooth serial link to a CAN adapter: bonded-device
// lookup, the RFCOMM or serial byte stream, and bounded-retry reconnection.
package bt

import (
	"context"
	"errors"
	"io"
)

// SerialPortUUID is the Serial Port Profile service class.
const SerialPortUUID = "00001101-0000-1000-8000-00805F9B34FB"

var (
	ErrDeviceNotFound   = errors.New("bt: no bonded device with that name")
	ErrRadioDisabled    = errors.New("bt: radio could not be enabled")
	ErrRetriesExhausted = errors.New("bt: connect retries exhausted")
	ErrLinkClosed       = errors.New("bt: link closed")
	ErrTxOverflow       = errors.New("bt: tx queue overflow")
	ErrUnsupported      = errors.New("bt: transport not supported on this platform")
)

// Device is a bonded (paired) remote device.
type Device struct {
	Name    string
	Address string // "AA:BB:CC:DD:EE:FF"
	Adapter string // local controller, e.g. "hci0"
	Path    string // BlueZ object path, or the tty for serial-bound devices
}

// Radio is the local Bluetooth controller.
type Radio interface {
	// BondedDevices lists paired devices.
	BondedDevices(ctx context.Context) ([]Device, error)
	// Enable powers the controller on if needed. An error means the radio is
	// unusable and the current connect cycle must be abandoned.
	Enable(ctx context.Context) error
}

// Dialer opens the byte stream to a device.
type Dialer interface {
	Dial(ctx context.Context, dev Device) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, dev Device) (io.ReadWriteCloser, error)

func (fn DialerFunc) Dial(ctx context.Context, dev Device) (io.ReadWriteCloser, error) {
	return fn(ctx, dev)
}

// StaticRadio is a Radio with a fixed device list and nothing to power on.
// It backs serial-bound ports (/dev/rfcommN) where BlueZ is not consulted.
type StaticRadio struct {
	Devices []Device
}

func (r StaticRadio) BondedDevices(context.Context) ([]Device, error) {
	out := make([]Device, len(r.Devices))
	copy(out, r.Devices)
	return out, nil
}

func (StaticRadio) Enable(context.Context) error { return nil }

func findByName(devs []Device, name string) (Device, bool) {
	for _, d := range devs {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}
