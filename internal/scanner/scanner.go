// Package scanner runs peripheral discovery on a native.Scanner.
//
// A Scanner allows one scan at a time. Start returns a Handle that owns the
// running scan; the scanner becomes available again once the handle is done.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/groutine"
	"github.com/srg/gattlink/internal/native"
	"github.com/srg/gattlink/internal/ringchan"
)

// DefaultStartGrace is how long Start waits for an early native failure.
const DefaultStartGrace = 200 * time.Millisecond

// EventType marks if the device was newly discovered or updated
type EventType int

const (
	EventNew EventType = iota
	EventUpdated
)

func (t EventType) String() string {
	if t == EventNew {
		return "new"
	}
	return "updated"
}

// Device is what the scan knows about one advertiser.
type Device struct {
	Address          string
	Name             string
	RSSI             int
	Connectable      bool
	Services         []string
	ManufacturerData []byte
	FirstSeen        time.Time
	LastSeen         time.Time
	Seen             int
}

type Event struct {
	Type   EventType
	Device Device
}

// Options configures scanning behavior
type Options struct {
	// Duration bounds the scan; zero scans until Stop or context cancellation.
	Duration        time.Duration
	AllowDuplicates bool
	Services        []string
	AllowList       []string
	BlockList       []string
	// StartGrace is the window in which a native failure is returned from Start.
	StartGrace time.Duration
	// EventBuffer is the capacity of the event ring; older events are dropped.
	EventBuffer int
}

// DefaultOptions returns default scanning options
func DefaultOptions() *Options {
	return &Options{
		Duration:        10 * time.Second,
		AllowDuplicates: true,
		StartGrace:      DefaultStartGrace,
		EventBuffer:     100,
	}
}

// Scanner handles BLE device discovery
type Scanner struct {
	native native.Scanner
	logger *logrus.Logger

	mu     sync.Mutex
	active *Handle
}

// New creates a scanner on ns.
func New(ns native.Scanner, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{native: ns, logger: logger}
}

// Active returns the running scan, if any.
func (s *Scanner) Active() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Start begins a scan. It fails with gatt.ErrScanInProgress while another
// handle from this scanner is live, with *gatt.DispatchRejectedError when the
// native stack refuses, and with a gatt.ScanFailure when the stack reports a
// failure within the start grace window.
func (s *Scanner) Start(ctx context.Context, opts *Options) (*Handle, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	filter, err := newFilter(opts)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		return nil, gatt.ErrScanInProgress
	}
	h := newHandle(s, opts, filter)
	s.active = h
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"duration":         opts.Duration,
		"allow_duplicates": opts.AllowDuplicates,
	}).Info("Starting BLE scan...")

	cb := native.ScanCallbacks{OnResult: h.onResult, OnFailed: h.onFailed}
	if !s.native.StartScan(opts.AllowDuplicates, cb) {
		h.finish(nil)
		return nil, &gatt.DispatchRejectedError{Op: "scan"}
	}

	grace := opts.StartGrace
	if grace <= 0 {
		grace = DefaultStartGrace
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case reason := <-h.failed:
		h.finish(reason)
		return nil, fmt.Errorf("scan failed to start: %w", reason)
	case <-ctx.Done():
		s.native.StopScan()
		h.finish(nil)
		return nil, ctx.Err()
	case <-timer.C:
	}

	scanCtx, cancel := ctx, context.CancelFunc(func() {})
	if opts.Duration > 0 {
		scanCtx, cancel = context.WithTimeout(ctx, opts.Duration)
	}
	groutine.Go(scanCtx, "scan-watch", func(ctx context.Context) {
		defer cancel()
		h.watch(ctx)
	})
	return h, nil
}

// Handle owns one running scan.
type Handle struct {
	scanner *Scanner
	opts    *Options
	filter  *filter

	devices *hashmap.Map[string, *Device]
	events  *ringchan.RingChannel[Event]

	// sendMu orders result delivery against closing the event ring.
	sendMu sync.RWMutex
	closed bool

	failed   chan gatt.ScanFailure
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

func newHandle(s *Scanner, opts *Options, f *filter) *Handle {
	size := opts.EventBuffer
	if size <= 0 {
		size = 100
	}
	return &Handle{
		scanner: s,
		opts:    opts,
		filter:  f,
		devices: hashmap.New[string, *Device](),
		events:  ringchan.New[Event](size),
		failed:  make(chan gatt.ScanFailure, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Events returns device events. The channel is closed when the scan ends.
func (h *Handle) Events() <-chan Event { return h.events.C() }

// Done is closed when the scan has ended.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stop ends the scan and waits for it to finish.
func (h *Handle) Stop() error {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
	return h.err
}

// Wait blocks until the scan ends and returns the native failure, if any.
// Expiry of the duration, cancellation and Stop end a scan without error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Devices returns a snapshot of discovered devices ordered by signal strength.
func (h *Handle) Devices() []Device {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()

	devs := make([]Device, 0, h.devices.Len())
	h.devices.Range(func(_ string, d *Device) bool {
		devs = append(devs, cloneDevice(d))
		return true
	})
	sort.Slice(devs, func(i, j int) bool {
		if devs[i].RSSI != devs[j].RSSI {
			return devs[i].RSSI > devs[j].RSSI
		}
		return devs[i].Address < devs[j].Address
	})
	return devs
}

// Device returns the device seen at address.
func (h *Handle) Device(address string) (Device, bool) {
	h.sendMu.RLock()
	defer h.sendMu.RUnlock()
	d, ok := h.devices.Get(address)
	if !ok {
		return Device{}, false
	}
	return cloneDevice(d), true
}

// Dropped reports how many events were discarded because nobody read them.
func (h *Handle) Dropped() int64 {
	return h.events.GetMetrics().Overwritten
}

func (h *Handle) watch(ctx context.Context) {
	var reason error
	select {
	case <-ctx.Done():
	case <-h.stop:
	case f := <-h.failed:
		reason = f
	}
	if reason == nil {
		h.scanner.native.StopScan()
	} else {
		h.scanner.logger.WithError(reason).Warn("Scan failed")
	}
	h.finish(reason)
	h.scanner.logger.WithField("device_count", h.devices.Len()).Info("BLE scan completed")
}

func (h *Handle) finish(reason error) {
	h.sendMu.Lock()
	if h.closed {
		h.sendMu.Unlock()
		return
	}
	h.closed = true
	if reason != nil {
		h.err = reason
	}
	h.events.Close()
	h.sendMu.Unlock()

	s := h.scanner
	s.mu.Lock()
	if s.active == h {
		s.active = nil
	}
	s.mu.Unlock()
	close(h.done)
}

func (h *Handle) onFailed(reason gatt.ScanFailure) {
	select {
	case h.failed <- reason:
	default:
	}
}

// onResult updates an existing device or adds a new one.
func (h *Handle) onResult(ad native.Advertisement) {
	h.sendMu.Lock()
	defer h.sendMu.Unlock()
	if h.closed {
		return
	}

	now := time.Now()
	dev, existing := h.devices.Get(ad.Address)
	if !existing {
		if !h.filter.include(ad) {
			return
		}
		dev = &Device{Address: ad.Address, FirstSeen: now}
		h.devices.Set(ad.Address, dev)
	}
	merge(dev, ad, now)

	ev := Event{Type: EventUpdated, Device: cloneDevice(dev)}
	if !existing {
		ev.Type = EventNew
		h.scanner.logger.WithFields(logrus.Fields{
			"device":  dev.Name,
			"address": dev.Address,
			"rssi":    dev.RSSI,
		}).Info("Discovered new device")
	}
	if h.events.Send(ev) {
		h.scanner.logger.WithField("address", ad.Address).Debug("Scan event buffer full, dropped oldest event")
	}
}

func merge(d *Device, ad native.Advertisement, now time.Time) {
	if ad.Name != "" {
		d.Name = ad.Name
	}
	d.RSSI = ad.RSSI
	d.Connectable = ad.Connectable
	for _, svc := range ad.Services {
		if !contains(d.Services, svc) {
			d.Services = append(d.Services, svc)
		}
	}
	if len(ad.ManufacturerData) > 0 {
		d.ManufacturerData = append([]byte(nil), ad.ManufacturerData...)
	}
	d.LastSeen = now
	d.Seen++
}

func cloneDevice(d *Device) Device {
	c := *d
	c.Services = append([]string(nil), d.Services...)
	c.ManufacturerData = append([]byte(nil), d.ManufacturerData...)
	return c
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
