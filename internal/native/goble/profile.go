package goble

import (
	"github.com/go-ble/ble"

	"github.com/srg/gattlink/internal/gatt"
)

type profileMap struct {
	profile *gatt.Profile
	chars   map[uint16]*ble.Characteristic
	descs   map[uint16]*ble.Descriptor
}

// handleAllocator keeps real attribute handles and invents unique ones where
// the platform reports none. CoreBluetooth does not expose handles.
type handleAllocator struct {
	used map[uint16]bool
	next uint16
}

func newHandleAllocator(p *ble.Profile) *handleAllocator {
	h := &handleAllocator{used: make(map[uint16]bool), next: 1}
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			if c.ValueHandle >= h.next {
				h.next = c.ValueHandle + 1
			}
			for _, d := range c.Descriptors {
				if d.Handle >= h.next {
					h.next = d.Handle + 1
				}
			}
		}
	}
	return h
}

func (h *handleAllocator) take(handle uint16) uint16 {
	if handle == 0 || h.used[handle] {
		handle = h.next
		h.next++
	}
	h.used[handle] = true
	return handle
}

// buildProfile converts a go-ble profile into the session's service tree and
// the lookup tables the adapter uses to find go-ble objects by handle.
func buildProfile(p *ble.Profile) profileMap {
	m := profileMap{
		profile: gatt.NewProfile(),
		chars:   make(map[uint16]*ble.Characteristic),
		descs:   make(map[uint16]*ble.Descriptor),
	}
	if p == nil {
		return m
	}

	alloc := newHandleAllocator(p)
	for _, s := range p.Services {
		svc := m.profile.AddService(s.UUID.String(), s.Handle)
		for _, c := range s.Characteristics {
			handle := alloc.take(c.ValueHandle)
			char := m.profile.AddCharacteristic(svc, c.UUID.String(), handle, gatt.Properties(c.Property))
			m.chars[handle] = c
			for _, d := range c.Descriptors {
				dh := alloc.take(d.Handle)
				m.profile.AddDescriptor(char, d.UUID.String(), dh)
				m.descs[dh] = d
			}
		}
	}
	return m
}
