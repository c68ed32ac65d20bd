// Package native defines the boundary between the session engine and a
// platform Bluetooth stack.
//
// An Adapter starts operations and returns only a cheap acknowledgement. Every
// accepted operation later produces exactly one completion Event through the
// handler installed with SetEventHandler, on whatever goroutine the platform
// uses. Unsolicited events (value changes, link loss) use the same handler.
package native

import (
	"github.com/srg/gattlink/internal/gatt"
)

// EventKind names a completion or unsolicited event.
type EventKind string

const (
	EventConnectionState       EventKind = "onConnectionStateChange"
	EventServicesDiscovered    EventKind = "onServicesDiscovered"
	EventCharacteristicRead    EventKind = "onCharacteristicRead"
	EventCharacteristicWrite   EventKind = "onCharacteristicWrite"
	EventCharacteristicChanged EventKind = "onCharacteristicChanged"
	EventDescriptorRead        EventKind = "onDescriptorRead"
	EventDescriptorWrite       EventKind = "onDescriptorWrite"
	EventNotificationState     EventKind = "onNotificationStateChange"
	EventMtuChanged            EventKind = "onMtuChanged"
)

// PerTarget reports whether events of this kind are addressed by attribute handle.
func (k EventKind) PerTarget() bool {
	switch k {
	case EventConnectionState, EventServicesDiscovered, EventMtuChanged:
		return false
	default:
		return true
	}
}

// Event is one callback record from the platform.
type Event struct {
	Kind   EventKind
	Handle uint16 // characteristic value handle or descriptor handle, for PerTarget kinds
	Status gatt.Status
	State  gatt.ConnState // EventConnectionState only
	Value  []byte
	MTU    int // EventMtuChanged only
}

// EventHandler receives events. Implementations must not block.
type EventHandler func(Event)

// Adapter is the capability a platform binding provides to a session.
// All methods except Close return an acknowledgement: false means the
// operation was not started and no completion event will follow.
type Adapter interface {
	SetEventHandler(h EventHandler)

	Connect(address string) bool
	Disconnect() bool
	DiscoverServices() bool

	// Profile returns the service tree from the last successful discovery.
	Profile() *gatt.Profile

	ReadCharacteristic(handle uint16) bool
	WriteCharacteristic(handle uint16, value []byte, withResponse bool) bool
	ReadDescriptor(handle uint16) bool
	WriteDescriptor(handle uint16, value []byte) bool

	// SetNotify writes the CCCD of the characteristic with the given value
	// handle and completes with EventNotificationState on that handle.
	SetNotify(handle uint16, mode gatt.NotifyMode) bool

	RequestMTU(mtu int) bool

	Close() error
}

// Advertisement is a scan result reduced to the fields the CLI shows.
type Advertisement struct {
	Address          string
	Name             string
	RSSI             int
	Connectable      bool
	Services         []string
	ManufacturerData []byte
}

// ScanCallbacks receive scan results and asynchronous scan failures.
type ScanCallbacks struct {
	OnResult func(Advertisement)
	OnFailed func(gatt.ScanFailure)
}

// Scanner is implemented by adapters that can discover peripherals.
type Scanner interface {
	// StartScan begins scanning; false means the platform refused to start.
	// A failure after a true acknowledgement is reported through OnFailed.
	StartScan(allowDuplicates bool, cb ScanCallbacks) bool
	StopScan() bool
}
