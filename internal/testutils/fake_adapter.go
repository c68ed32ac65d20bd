package testutils

import (
	"sync"
	"time"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/native"
)

// Adapter method names, as recorded in Call.Method.
const (
	MethodConnect             = "Connect"
	MethodDisconnect          = "Disconnect"
	MethodDiscoverServices    = "DiscoverServices"
	MethodReadCharacteristic  = "ReadCharacteristic"
	MethodWriteCharacteristic = "WriteCharacteristic"
	MethodReadDescriptor      = "ReadDescriptor"
	MethodWriteDescriptor     = "WriteDescriptor"
	MethodSetNotify           = "SetNotify"
	MethodRequestMTU          = "RequestMTU"
	MethodStartScan           = "StartScan"
	MethodStopScan            = "StopScan"
)

// Call is one recorded adapter invocation.
type Call struct {
	Method       string
	Handle       uint16
	Value        []byte
	WithResponse bool
	Mode         gatt.NotifyMode
	MTU          int
}

// FakeAdapter is an in-memory peripheral implementing native.Adapter and
// native.Scanner.
//
// By default every accepted operation completes immediately with a success
// event, emitted synchronously from inside the adapter call the way a fast
// platform stack can. Manual makes a method acknowledge without completing so
// a test can drive completions with Emit; Reject makes it refuse.
type FakeAdapter struct {
	mu         sync.Mutex
	handler    native.EventHandler
	peripheral *PeripheralProfile
	profile    *gatt.Profile
	values     map[uint16][]byte
	calls      []Call
	callCh     chan Call
	reject     map[string]bool
	manual     map[string]bool
	status     map[string]gatt.Status
	mtu        int
	closed     bool

	scan        native.ScanCallbacks
	scanResults []native.Advertisement
	scanFailure gatt.ScanFailure
}

// NewFakeAdapter creates an adapter serving pp. A nil pp serves the default
// battery profile.
func NewFakeAdapter(pp *PeripheralProfile) *FakeAdapter {
	if pp == nil {
		pp = DefaultBatteryProfile().Build()
	}
	values := make(map[uint16][]byte, len(pp.Values))
	for h, v := range pp.Values {
		values[h] = append([]byte(nil), v...)
	}
	return &FakeAdapter{
		peripheral: pp,
		values:     values,
		callCh:     make(chan Call, 1024),
		reject:     make(map[string]bool),
		manual:     make(map[string]bool),
		status:     make(map[string]gatt.Status),
		mtu:        23,
	}
}

// Reject makes method return a false acknowledgement.
func (f *FakeAdapter) Reject(method string) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[method] = true
	return f
}

// Manual makes method acknowledge without emitting a completion.
func (f *FakeAdapter) Manual(method string) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual[method] = true
	return f
}

// Auto restores automatic completion for method.
func (f *FakeAdapter) Auto(method string) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.manual, method)
	delete(f.reject, method)
	return f
}

// FailWith makes the automatic completion of method carry status.
func (f *FakeAdapter) FailWith(method string, status gatt.Status) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[method] = status
	return f
}

// WithScanResults sets the advertisements StartScan reports.
func (f *FakeAdapter) WithScanResults(ads ...native.Advertisement) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanResults = ads
	return f
}

// WithScanFailure makes StartScan acknowledge and then report failure.
func (f *FakeAdapter) WithScanFailure(reason gatt.ScanFailure) *FakeAdapter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanFailure = reason
	return f
}

// Emit delivers ev to the installed handler on the caller's goroutine.
func (f *FakeAdapter) Emit(ev native.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Notify emits a value change for the characteristic at handle.
func (f *FakeAdapter) Notify(handle uint16, value []byte) {
	f.Emit(native.Event{Kind: native.EventCharacteristicChanged, Handle: handle, Value: value})
}

// DropLink emits an unsolicited disconnect, as when the peripheral goes away.
func (f *FakeAdapter) DropLink() {
	f.mu.Lock()
	f.profile = nil
	f.mu.Unlock()
	f.Emit(native.Event{
		Kind:   native.EventConnectionState,
		Status: gatt.Status(0x08),
		State:  gatt.StateDisconnected,
	})
}

// Calls returns the recorded calls of method, or all calls when method is empty.
func (f *FakeAdapter) Calls(method string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if method == "" || c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times method was called.
func (f *FakeAdapter) CallCount(method string) int { return len(f.Calls(method)) }

// WaitCall waits for the next call of method. Calls of other methods seen
// while waiting are consumed.
func (f *FakeAdapter) WaitCall(method string, timeout time.Duration) (Call, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case c := <-f.callCh:
			if c.Method == method {
				return c, true
			}
		case <-deadline:
			return Call{}, false
		}
	}
}

// Value returns the current value stored at handle.
func (f *FakeAdapter) Value(handle uint16) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.values[handle]...)
}

// Closed reports whether Close was called.
func (f *FakeAdapter) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// record stores c and reports whether the call is accepted and auto-completed.
func (f *FakeAdapter) record(c Call) (accept, auto bool, status gatt.Status) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	accept = !f.reject[c.Method]
	auto = accept && !f.manual[c.Method]
	status = f.status[c.Method]
	f.mu.Unlock()

	select {
	case f.callCh <- c:
	default:
	}
	return accept, auto, status
}

// SetEventHandler implements native.Adapter.
func (f *FakeAdapter) SetEventHandler(h native.EventHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *FakeAdapter) Connect(string) bool {
	accept, auto, status := f.record(Call{Method: MethodConnect})
	if auto {
		state := gatt.StateConnected
		if !status.OK() {
			state = gatt.StateDisconnected
		}
		f.Emit(native.Event{Kind: native.EventConnectionState, Status: status, State: state})
	}
	return accept
}

func (f *FakeAdapter) Disconnect() bool {
	accept, auto, status := f.record(Call{Method: MethodDisconnect})
	if auto {
		f.mu.Lock()
		f.profile = nil
		f.mu.Unlock()
		f.Emit(native.Event{Kind: native.EventConnectionState, Status: status, State: gatt.StateDisconnected})
	}
	return accept
}

func (f *FakeAdapter) DiscoverServices() bool {
	accept, auto, status := f.record(Call{Method: MethodDiscoverServices})
	if auto {
		if status.OK() {
			f.mu.Lock()
			f.profile = f.peripheral.Profile
			f.mu.Unlock()
		}
		f.Emit(native.Event{Kind: native.EventServicesDiscovered, Status: status})
	}
	return accept
}

// CompleteDiscovery publishes the profile and emits a successful discovery,
// for tests that run discovery in Manual mode.
func (f *FakeAdapter) CompleteDiscovery() {
	f.mu.Lock()
	f.profile = f.peripheral.Profile
	f.mu.Unlock()
	f.Emit(native.Event{Kind: native.EventServicesDiscovered})
}

func (f *FakeAdapter) Profile() *gatt.Profile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.profile
}

func (f *FakeAdapter) ReadCharacteristic(handle uint16) bool {
	accept, auto, status := f.record(Call{Method: MethodReadCharacteristic, Handle: handle})
	if auto {
		ev := native.Event{Kind: native.EventCharacteristicRead, Handle: handle, Status: status}
		if status.OK() {
			ev.Value = f.Value(handle)
		}
		f.Emit(ev)
	}
	return accept
}

func (f *FakeAdapter) WriteCharacteristic(handle uint16, value []byte, withResponse bool) bool {
	v := append([]byte(nil), value...)
	accept, auto, status := f.record(Call{Method: MethodWriteCharacteristic, Handle: handle, Value: v, WithResponse: withResponse})
	if accept && status.OK() {
		f.mu.Lock()
		f.values[handle] = v
		f.mu.Unlock()
	}
	if auto {
		f.Emit(native.Event{Kind: native.EventCharacteristicWrite, Handle: handle, Status: status})
	}
	return accept
}

func (f *FakeAdapter) ReadDescriptor(handle uint16) bool {
	accept, auto, status := f.record(Call{Method: MethodReadDescriptor, Handle: handle})
	if auto {
		ev := native.Event{Kind: native.EventDescriptorRead, Handle: handle, Status: status}
		if status.OK() {
			ev.Value = f.Value(handle)
		}
		f.Emit(ev)
	}
	return accept
}

func (f *FakeAdapter) WriteDescriptor(handle uint16, value []byte) bool {
	v := append([]byte(nil), value...)
	accept, auto, status := f.record(Call{Method: MethodWriteDescriptor, Handle: handle, Value: v})
	if accept && status.OK() {
		f.mu.Lock()
		f.values[handle] = v
		f.mu.Unlock()
	}
	if auto {
		f.Emit(native.Event{Kind: native.EventDescriptorWrite, Handle: handle, Status: status})
	}
	return accept
}

func (f *FakeAdapter) SetNotify(handle uint16, mode gatt.NotifyMode) bool {
	accept, auto, status := f.record(Call{Method: MethodSetNotify, Handle: handle, Mode: mode})
	if accept && status.OK() {
		if c, ok := f.peripheral.Profile.Characteristic(handle); ok {
			if d, ok := c.Descriptor(gatt.CCCDUUID); ok {
				f.mu.Lock()
				f.values[d.Handle] = mode.CCCDValue()
				f.mu.Unlock()
			}
		}
	}
	if auto {
		f.Emit(native.Event{Kind: native.EventNotificationState, Handle: handle, Status: status})
	}
	return accept
}

func (f *FakeAdapter) RequestMTU(mtu int) bool {
	accept, auto, status := f.record(Call{Method: MethodRequestMTU, MTU: mtu})
	if auto {
		f.mu.Lock()
		if status.OK() {
			f.mtu = mtu
		}
		negotiated := f.mtu
		f.mu.Unlock()
		f.Emit(native.Event{Kind: native.EventMtuChanged, Status: status, MTU: negotiated})
	}
	return accept
}

func (f *FakeAdapter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// StartScan implements native.Scanner. Results and failures are reported
// from a separate goroutine, after the acknowledgement.
func (f *FakeAdapter) StartScan(allowDuplicates bool, cb native.ScanCallbacks) bool {
	accept, auto, _ := f.record(Call{Method: MethodStartScan, WithResponse: allowDuplicates})
	if !accept {
		return false
	}
	f.mu.Lock()
	f.scan = cb
	ads := append([]native.Advertisement(nil), f.scanResults...)
	failure := f.scanFailure
	f.mu.Unlock()

	if auto {
		go func() {
			if failure != 0 {
				if cb.OnFailed != nil {
					cb.OnFailed(failure)
				}
				return
			}
			for _, ad := range ads {
				if cb.OnResult != nil {
					cb.OnResult(ad)
				}
			}
		}()
	}
	return true
}

// Advertise reports ad to the running scan.
func (f *FakeAdapter) Advertise(ad native.Advertisement) {
	f.mu.Lock()
	cb := f.scan
	f.mu.Unlock()
	if cb.OnResult != nil {
		cb.OnResult(ad)
	}
}

// FailScan reports reason to the running scan.
func (f *FakeAdapter) FailScan(reason gatt.ScanFailure) {
	f.mu.Lock()
	cb := f.scan
	f.mu.Unlock()
	if cb.OnFailed != nil {
		cb.OnFailed(reason)
	}
}

func (f *FakeAdapter) StopScan() bool {
	accept, _, _ := f.record(Call{Method: MethodStopScan})
	if accept {
		f.mu.Lock()
		f.scan = native.ScanCallbacks{}
		f.mu.Unlock()
	}
	return accept
}

var (
	_ native.Adapter = (*FakeAdapter)(nil)
	_ native.Scanner = (*FakeAdapter)(nil)
)
