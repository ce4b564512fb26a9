package bt

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ is a Radio backed by the BlueZ daemon on the system bus.
type BlueZ struct {
	conn    *dbus.Conn
	adapter string
}

// NewBlueZ connects to the system bus. adapter defaults to "hci0".
func NewBlueZ(adapter string) (*BlueZ, error) {
	if adapter == "" {
		adapter = "hci0"
	}
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	// conn is the shared cached system bus; it is never closed here.
	return &BlueZ{conn: conn, adapter: adapter}, nil
}

func (b *BlueZ) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + b.adapter)
}

// BondedDevices returns the paired devices known to the adapter, sorted by
// object path.
func (b *BlueZ) BondedDevices(ctx context.Context) ([]Device, error) {
	var objects managedObjects
	call := b.conn.Object(bluezBus, "/").CallWithContext(ctx, dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("bluez: managed objects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: managed objects: %w", err)
	}
	return bondedFromObjects(objects, b.adapter), nil
}

func bondedFromObjects(objects managedObjects, adapter string) []Device {
	prefix := "/org/bluez/" + adapter + "/"
	var out []Device
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		if paired, _ := variantValue[bool](props, "Paired"); !paired {
			continue
		}
		name, _ := variantValue[string](props, "Name")
		if name == "" {
			name, _ = variantValue[string](props, "Alias")
		}
		addr, _ := variantValue[string](props, "Address")
		out = append(out, Device{Name: name, Address: addr, Adapter: adapter, Path: string(path)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func variantValue[T any](props map[string]dbus.Variant, key string) (T, bool) {
	var zero T
	v, ok := props[key]
	if !ok {
		return zero, false
	}
	val, ok := v.Value().(T)
	return val, ok
}

// Enable powers the adapter on. It fails with ErrRadioDisabled when the
// adapter still reports Powered=false afterwards.
func (b *BlueZ) Enable(ctx context.Context) error {
	obj := b.conn.Object(bluezBus, b.adapterPath())
	if powered, err := b.powered(obj); err == nil && powered {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := obj.SetProperty(bluezAdapter1+".Powered", dbus.MakeVariant(true)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRadioDisabled, b.adapter, err)
	}
	powered, err := b.powered(obj)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRadioDisabled, b.adapter, err)
	}
	if !powered {
		return fmt.Errorf("%w: %s still powered off", ErrRadioDisabled, b.adapter)
	}
	return nil
}

func (b *BlueZ) powered(obj dbus.BusObject) (bool, error) {
	v, err := obj.GetProperty(bluezAdapter1 + ".Powered")
	if err != nil {
		return false, err
	}
	p, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: Powered has type %T", v.Value())
	}
	return p, nil
}
