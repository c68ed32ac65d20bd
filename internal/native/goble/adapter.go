// Package goble binds the session engine to github.com/go-ble/ble.
//
// go-ble exposes blocking calls. The adapter runs each accepted operation on
// its own goroutine and reports the outcome as a single completion event,
// which is the callback model the session engine correlates against.
package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/native"
)

// Client is the part of ble.Client the adapter drives.
type Client interface {
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	ReadDescriptor(d *ble.Descriptor) ([]byte, error)
	WriteDescriptor(d *ble.Descriptor, v []byte) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	DiscoverProfile(force bool) (*ble.Profile, error)
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// DeviceFactory creates ble.Device instances (can be overridden in tests)
var DeviceFactory = newDevice

// Dial connects to the peripheral at address (can be overridden in tests)
var Dial = func(ctx context.Context, address string) (Client, error) {
	dev, err := DeviceFactory()
	if err != nil {
		return nil, NormalizeError(err)
	}
	c, err := dev.Dial(ctx, ble.NewAddr(address))
	if err != nil {
		return nil, NormalizeError(err)
	}
	return c, nil
}

// Adapter implements native.Adapter and native.Scanner on go-ble.
type Adapter struct {
	logger *logrus.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	handler    native.EventHandler
	client     Client
	dialCancel context.CancelFunc
	requested  bool
	profile    *gatt.Profile
	chars      map[uint16]*ble.Characteristic
	descs      map[uint16]*ble.Descriptor
	indicating map[uint16]bool
	scanCancel context.CancelFunc
}

// New creates an adapter. Close releases it.
func New(logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		chars:      make(map[uint16]*ble.Characteristic),
		descs:      make(map[uint16]*ble.Descriptor),
		indicating: make(map[uint16]bool),
	}
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
	if h == nil {
		a.logger.WithField("event", ev.Kind).Debug("No event handler, dropping event")
		return
	}
	h(ev)
}

// run executes fn on a named goroutine bound to the adapter lifetime.
func (a *Adapter) run(name string, fn func()) {
	groutine.Go(a.ctx, name, func(context.Context) { fn() })
}

func (a *Adapter) connected() (Client, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client, a.client != nil
}

func (a *Adapter) Connect(address string) bool {
	a.mu.Lock()
	if a.client != nil || a.dialCancel != nil {
		a.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.dialCancel = cancel
	a.requested = false
	a.mu.Unlock()

	a.run("goble-dial", func() {
		defer cancel()
		log := a.logger.WithField("address", address)
		log.Debug("Dialing BLE device...")

		client, err := Dial(ctx, address)

		a.mu.Lock()
		a.dialCancel = nil
		if err == nil {
			a.client = client
		}
		a.mu.Unlock()

		if err != nil {
			log.WithError(err).Debug("Dial failed")
			a.emit(native.Event{Kind: native.EventConnectionState, Status: gatt.StatusGattError, State: gatt.StateDisconnected})
			return
		}
		a.emit(native.Event{Kind: native.EventConnectionState, State: gatt.StateConnected})
		a.run("goble-link-watch", func() { a.watch(client) })
	})
	return true
}

// watch reports the end of the link once the client signals it.
func (a *Adapter) watch(client Client) {
	select {
	case <-client.Disconnected():
	case <-a.ctx.Done():
		return
	}

	a.mu.Lock()
	if a.client != client {
		a.mu.Unlock()
		return
	}
	requested := a.requested
	a.client = nil
	a.profile = nil
	a.chars = make(map[uint16]*ble.Characteristic)
	a.descs = make(map[uint16]*ble.Descriptor)
	a.indicating = make(map[uint16]bool)
	a.mu.Unlock()

	status := gatt.StatusSuccess
	if !requested {
		// link supervision timeout
		status = gatt.Status(0x08)
	}
	a.emit(native.Event{Kind: native.EventConnectionState, Status: status, State: gatt.StateDisconnected})
}

func (a *Adapter) Disconnect() bool {
	a.mu.Lock()
	if a.dialCancel != nil {
		cancel := a.dialCancel
		a.mu.Unlock()
		cancel()
		return true
	}
	client := a.client
	if client == nil {
		a.mu.Unlock()
		return false
	}
	a.requested = true
	a.mu.Unlock()

	a.run("goble-disconnect", func() {
		if err := client.CancelConnection(); err != nil {
			a.logger.WithError(NormalizeError(err)).Warn("BLE device disconnected with errors")
		}
	})
	return true
}

func (a *Adapter) DiscoverServices() bool {
	client, ok := a.connected()
	if !ok {
		return false
	}
	a.run("goble-discover", func() {
		p, err := client.DiscoverProfile(true)
		if err != nil {
			a.logger.WithError(NormalizeError(err)).Debug("Failed to discover profile")
			a.emit(native.Event{Kind: native.EventServicesDiscovered, Status: statusOf(err)})
			return
		}
		m := buildProfile(p)

		a.mu.Lock()
		a.profile = m.profile
		a.chars = m.chars
		a.descs = m.descs
		a.mu.Unlock()

		a.logger.WithFields(logrus.Fields{
			"services":        len(p.Services),
			"characteristics": m.profile.CharacteristicCount(),
		}).Debug("Profile discovered successfully")
		a.emit(native.Event{Kind: native.EventServicesDiscovered})
	})
	return true
}

func (a *Adapter) Profile() *gatt.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profile
}

func (a *Adapter) characteristic(handle uint16) (Client, *ble.Characteristic, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.chars[handle]
	return a.client, c, ok && a.client != nil
}

func (a *Adapter) descriptor(handle uint16) (Client, *ble.Descriptor, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.descs[handle]
	return a.client, d, ok && a.client != nil
}

func (a *Adapter) ReadCharacteristic(handle uint16) bool {
	client, c, ok := a.characteristic(handle)
	if !ok {
		return false
	}
	a.run("goble-read", func() {
		v, err := client.ReadCharacteristic(c)
		a.emit(native.Event{Kind: native.EventCharacteristicRead, Handle: handle, Status: statusOf(err), Value: v})
	})
	return true
}

func (a *Adapter) WriteCharacteristic(handle uint16, value []byte, withResponse bool) bool {
	client, c, ok := a.characteristic(handle)
	if !ok {
		return false
	}
	a.run("goble-write", func() {
		err := client.WriteCharacteristic(c, value, !withResponse)
		a.emit(native.Event{Kind: native.EventCharacteristicWrite, Handle: handle, Status: statusOf(err)})
	})
	return true
}

func (a *Adapter) ReadDescriptor(handle uint16) bool {
	client, d, ok := a.descriptor(handle)
	if !ok {
		return false
	}
	a.run("goble-read-descriptor", func() {
		v, err := client.ReadDescriptor(d)
		a.emit(native.Event{Kind: native.EventDescriptorRead, Handle: handle, Status: statusOf(err), Value: v})
	})
	return true
}

func (a *Adapter) WriteDescriptor(handle uint16, value []byte) bool {
	client, d, ok := a.descriptor(handle)
	if !ok {
		return false
	}
	a.run("goble-write-descriptor", func() {
		err := client.WriteDescriptor(d, value)
		a.emit(native.Event{Kind: native.EventDescriptorWrite, Handle: handle, Status: statusOf(err)})
	})
	return true
}

// SetNotify subscribes through go-ble, which writes the CCCD itself.
func (a *Adapter) SetNotify(handle uint16, mode gatt.NotifyMode) bool {
	client, c, ok := a.characteristic(handle)
	if !ok {
		return false
	}
	a.run("goble-set-notify", func() {
		var err error
		switch mode {
		case gatt.NotifyOff:
			a.mu.Lock()
			ind := a.indicating[handle]
			a.mu.Unlock()
			err = client.Unsubscribe(c, ind)
		default:
			ind := mode == gatt.IndicateOn
			err = client.Subscribe(c, ind, func(data []byte) {
				a.emit(native.Event{
					Kind:   native.EventCharacteristicChanged,
					Handle: handle,
					Value:  append([]byte(nil), data...),
				})
			})
			if err == nil {
				a.mu.Lock()
				a.indicating[handle] = ind
				a.mu.Unlock()
			}
		}
		a.emit(native.Event{Kind: native.EventNotificationState, Handle: handle, Status: statusOf(err)})
	})
	return true
}

func (a *Adapter) RequestMTU(mtu int) bool {
	client, ok := a.connected()
	if !ok {
		return false
	}
	a.run("goble-exchange-mtu", func() {
		tx, err := client.ExchangeMTU(mtu)
		a.emit(native.Event{Kind: native.EventMtuChanged, Status: statusOf(err), MTU: tx})
	})
	return true
}

// Close stops scanning, drops the link and releases the adapter goroutines.
func (a *Adapter) Close() error {
	a.mu.Lock()
	client := a.client
	a.client = nil
	if a.scanCancel != nil {
		a.scanCancel()
		a.scanCancel = nil
	}
	a.mu.Unlock()

	a.cancel()
	if client != nil {
		return NormalizeError(client.CancelConnection())
	}
	return nil
}

var (
	_ native.Adapter = (*Adapter)(nil)
	_ native.Scanner = (*Adapter)(nil)
)
