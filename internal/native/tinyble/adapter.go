// Package tinyble binds the session engine to tinygo.org/x/bluetooth.
//
// The TinyGo stack hides attribute handles and descriptors, so the adapter
// numbers characteristics itself in discovery order and reports every
// characteristic as readable, writable and notifiable. Descriptor access is
// not available and is refused.
package tinyble

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/native"
)

// assumedProperties is what every TinyGo characteristic is reported with.
const assumedProperties = gatt.PropRead | gatt.PropWrite | gatt.PropWriteNoResponse | gatt.PropNotify

// Adapter implements native.Adapter and native.Scanner on a TinyGo bluetooth adapter.
type Adapter struct {
	bt     *bluetooth.Adapter
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc

	enableOnce sync.Once
	enableErr  error

	mu        sync.Mutex
	handler   native.EventHandler
	device    *bluetooth.Device
	dialing   bool
	requested bool
	profile   *gatt.Profile
	chars     map[uint16]bluetooth.DeviceCharacteristic
	scanning  bool
}

// New wraps bt, or bluetooth.DefaultAdapter when bt is nil.
func New(bt *bluetooth.Adapter, logger *logrus.Logger) *Adapter {
	if bt == nil {
		bt = bluetooth.DefaultAdapter
	}
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		bt:     bt,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		chars:  make(map[uint16]bluetooth.DeviceCharacteristic),
	}
	bt.SetConnectHandler(a.onConnectionChange)
	return a
}

func (a *Adapter) enable() error {
	a.enableOnce.Do(func() { a.enableErr = a.bt.Enable() })
	return a.enableErr
}

func (a *Adapter) SetEventHandler(h native.EventHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = h
}

func (a *Adapter) emit(ev native.Event) {
	a.mu.Lock()
	h := a.handler
	a.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (a *Adapter) run(name string, fn func()) {
	groutine.Go(a.ctx, name, func(context.Context) { fn() })
}

func (a *Adapter) Connect(address string) bool {
	if err := a.enable(); err != nil {
		a.logger.WithError(err).Error("Failed to enable bluetooth adapter")
		return false
	}

	a.mu.Lock()
	if a.device != nil || a.dialing {
		a.mu.Unlock()
		return false
	}
	a.dialing = true
	a.requested = false
	a.mu.Unlock()

	var addr bluetooth.Address
	addr.Set(address)

	a.run("tinyble-connect", func() {
		dev, err := a.bt.Connect(addr, bluetooth.ConnectionParams{})

		a.mu.Lock()
		a.dialing = false
		if err == nil {
			a.device = &dev
		}
		a.mu.Unlock()

		if err != nil {
			a.logger.WithError(err).WithField("address", address).Debug("Connect failed")
			a.emit(native.Event{Kind: native.EventConnectionState, Status: gatt.StatusGattError, State: gatt.StateDisconnected})
			return
		}
		a.emit(native.Event{Kind: native.EventConnectionState, State: gatt.StateConnected})
	})
	return true
}

// onConnectionChange is the TinyGo connect handler. Only link ends are
// reported from here; link establishment is reported by Connect.
func (a *Adapter) onConnectionChange(_ bluetooth.Device, connected bool) {
	if connected {
		return
	}
	a.mu.Lock()
	if a.device == nil {
		a.mu.Unlock()
		return
	}
	requested := a.requested
	a.device = nil
	a.profile = nil
	a.chars = make(map[uint16]bluetooth.DeviceCharacteristic)
	a.mu.Unlock()

	status := gatt.StatusSuccess
	if !requested {
		status = gatt.Status(0x08)
	}
	a.emit(native.Event{Kind: native.EventConnectionState, Status: status, State: gatt.StateDisconnected})
}

func (a *Adapter) Disconnect() bool {
	a.mu.Lock()
	dev := a.device
	if dev == nil {
		a.mu.Unlock()
		return false
	}
	a.requested = true
	a.mu.Unlock()

	a.run("tinyble-disconnect", func() {
		if err := dev.Disconnect(); err != nil {
			a.logger.WithError(err).Warn("Disconnect failed")
			a.emit(native.Event{Kind: native.EventConnectionState, Status: gatt.StatusFailure, State: gatt.StateConnected})
		}
	})
	return true
}

func (a *Adapter) DiscoverServices() bool {
	a.mu.Lock()
	dev := a.device
	a.mu.Unlock()
	if dev == nil {
		return false
	}

	a.run("tinyble-discover", func() {
		services, err := dev.DiscoverServices(nil)
		if err != nil {
			a.emit(native.Event{Kind: native.EventServicesDiscovered, Status: gatt.StatusGattError})
			return
		}

		var tree []discoveredService
		var chars []bluetooth.DeviceCharacteristic
		for _, svc := range services {
			cs, err := svc.DiscoverCharacteristics(nil)
			if err != nil {
				a.emit(native.Event{Kind: native.EventServicesDiscovered, Status: gatt.StatusGattError})
				return
			}
			ds := discoveredService{uuid: svc.UUID().String()}
			for _, c := range cs {
				ds.chars = append(ds.chars, c.UUID().String())
				chars = append(chars, c)
			}
			tree = append(tree, ds)
		}

		profile, handles := assembleProfile(tree)
		byHandle := make(map[uint16]bluetooth.DeviceCharacteristic, len(chars))
		for i, c := range chars {
			byHandle[handles[i]] = c
		}

		a.mu.Lock()
		a.profile = profile
		a.chars = byHandle
		a.mu.Unlock()
		a.emit(native.Event{Kind: native.EventServicesDiscovered})
	})
	return true
}

func (a *Adapter) Profile() *gatt.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profile
}

func (a *Adapter) characteristic(handle uint16) (bluetooth.DeviceCharacteristic, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.chars[handle]
	return c, ok && a.device != nil
}

func (a *Adapter) ReadCharacteristic(handle uint16) bool {
	c, ok := a.characteristic(handle)
	if !ok {
		return false
	}
	a.run("tinyble-read", func() {
		buf := make([]byte, 512)
		n, err := c.Read(buf)
		ev := native.Event{Kind: native.EventCharacteristicRead, Handle: handle}
		if err != nil {
			ev.Status = gatt.StatusGattError
		} else {
			ev.Value = buf[:n]
		}
		a.emit(ev)
	})
	return true
}

func (a *Adapter) WriteCharacteristic(handle uint16, value []byte, withResponse bool) bool {
	c, ok := a.characteristic(handle)
	if !ok {
		return false
	}
	a.run("tinyble-write", func() {
		var err error
		if withResponse {
			_, err = c.Write(value)
		} else {
			_, err = c.WriteWithoutResponse(value)
		}
		ev := native.Event{Kind: native.EventCharacteristicWrite, Handle: handle}
		if err != nil {
			ev.Status = gatt.StatusGattError
		}
		a.emit(ev)
	})
	return true
}

func (a *Adapter) ReadDescriptor(uint16) bool { return false }

func (a *Adapter) WriteDescriptor(uint16, []byte) bool { return false }

func (a *Adapter) SetNotify(handle uint16, mode gatt.NotifyMode) bool {
	c, ok := a.characteristic(handle)
	if !ok {
		return false
	}
	a.run("tinyble-set-notify", func() {
		var cb func([]byte)
		if mode != gatt.NotifyOff {
			cb = func(buf []byte) {
				a.emit(native.Event{
					Kind:   native.EventCharacteristicChanged,
					Handle: handle,
					Value:  append([]byte(nil), buf...),
				})
			}
		}
		ev := native.Event{Kind: native.EventNotificationState, Handle: handle}
		if err := c.EnableNotifications(cb); err != nil {
			ev.Status = gatt.StatusGattError
		}
		a.emit(ev)
	})
	return true
}

// RequestMTU reports the MTU the stack negotiated on its own; TinyGo offers
// no way to request one.
func (a *Adapter) RequestMTU(int) bool {
	a.mu.Lock()
	var c bluetooth.DeviceCharacteristic
	found := false
	for _, ch := range a.chars {
		c, found = ch, true
		break
	}
	a.mu.Unlock()
	if !found {
		return false
	}
	a.run("tinyble-mtu", func() {
		mtu, err := c.GetMTU()
		ev := native.Event{Kind: native.EventMtuChanged, MTU: int(mtu)}
		if err != nil {
			ev.Status = gatt.StatusNotSupported
		}
		a.emit(ev)
	})
	return true
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	dev := a.device
	a.device = nil
	scanning := a.scanning
	a.mu.Unlock()

	a.cancel()
	if scanning {
		_ = a.bt.StopScan()
	}
	if dev != nil {
		return dev.Disconnect()
	}
	return nil
}

var (
	_ native.Adapter = (*Adapter)(nil)
	_ native.Scanner = (*Adapter)(nil)
)
