package gatt

import (
	"fmt"
	"strings"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Properties is the characteristic property bitmask as defined by the Bluetooth Core Specification.
type Properties uint8

const (
	PropBroadcast       Properties = 0x01
	PropRead            Properties = 0x02
	PropWriteNoResponse Properties = 0x04
	PropWrite           Properties = 0x08
	PropNotify          Properties = 0x10
	PropIndicate        Properties = 0x20
	PropSignedWrite     Properties = 0x40
	PropExtended        Properties = 0x80
)

var propertyNames = []struct {
	bit  Properties
	name string
}{
	{PropBroadcast, "broadcast"},
	{PropRead, "read"},
	{PropWriteNoResponse, "write-without-response"},
	{PropWrite, "write"},
	{PropNotify, "notify"},
	{PropIndicate, "indicate"},
	{PropSignedWrite, "authenticated-signed-writes"},
	{PropExtended, "extended-properties"},
}

// Has reports whether all bits of p2 are set.
func (p Properties) Has(p2 Properties) bool { return p&p2 == p2 }

// Names returns the property names in bit order.
func (p Properties) Names() []string {
	names := make([]string, 0, len(propertyNames))
	for _, pn := range propertyNames {
		if p.Has(pn.bit) {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Properties) String() string { return strings.Join(p.Names(), ",") }

// ParseProperties parses a comma separated list such as "read,notify".
// Short aliases "wnr" and "write-no-response" are accepted for write-without-response.
func ParseProperties(s string) (Properties, error) {
	var p Properties
	for _, part := range strings.Split(s, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		switch part {
		case "wnr", "write-no-response":
			part = "write-without-response"
		case "signed-write":
			part = "authenticated-signed-writes"
		case "extended":
			part = "extended-properties"
		}
		found := false
		for _, pn := range propertyNames {
			if pn.name == part {
				p |= pn.bit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown characteristic property %q", part)
		}
	}
	return p, nil
}

// NotifyMode selects how the CCCD is written by SetNotify.
type NotifyMode uint8

const (
	NotifyOff NotifyMode = iota
	NotifyOn
	IndicateOn
)

// CCCDValue returns the little-endian CCCD value for the mode.
func (m NotifyMode) CCCDValue() []byte {
	switch m {
	case NotifyOn:
		return []byte{0x01, 0x00}
	case IndicateOn:
		return []byte{0x02, 0x00}
	default:
		return []byte{0x00, 0x00}
	}
}

func (m NotifyMode) String() string {
	switch m {
	case NotifyOn:
		return "notify"
	case IndicateOn:
		return "indicate"
	default:
		return "off"
	}
}

// Descriptor is a discovered GATT descriptor.
type Descriptor struct {
	UUID           string
	Handle         uint16
	Characteristic *Characteristic
}

// Characteristic is a discovered GATT characteristic. Handle is the value handle
// and is the canonical identity used for correlation and subscriptions.
type Characteristic struct {
	UUID        string
	Handle      uint16
	Properties  Properties
	Descriptors []*Descriptor
	Service     *Service
}

// Descriptor returns the first descriptor with the given UUID.
func (c *Characteristic) Descriptor(uuid string) (*Descriptor, bool) {
	want := normalizeOrRaw(uuid)
	for _, d := range c.Descriptors {
		if d.UUID == want {
			return d, true
		}
	}
	return nil, false
}

func (c *Characteristic) String() string {
	return fmt.Sprintf("%s (0x%04x)", ShortUUID(c.UUID), c.Handle)
}

// Service is a discovered primary service.
type Service struct {
	UUID            string
	Handle          uint16
	Characteristics *orderedmap.OrderedMap[uint16, *Characteristic]
}

// CharacteristicList returns characteristics in discovery order.
func (s *Service) CharacteristicList() []*Characteristic {
	out := make([]*Characteristic, 0, s.Characteristics.Len())
	for pair := s.Characteristics.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Profile is the service tree of a connected peripheral, indexed by handle.
// It is built by an adapter during discovery and read-only afterwards.
type Profile struct {
	services    *orderedmap.OrderedMap[string, *Service]
	chars       map[uint16]*Characteristic
	descriptors map[uint16]*Descriptor
}

// NewProfile returns an empty profile.
func NewProfile() *Profile {
	return &Profile{
		services:    orderedmap.New[string, *Service](),
		chars:       make(map[uint16]*Characteristic),
		descriptors: make(map[uint16]*Descriptor),
	}
}

// AddService registers a service, returning the existing one when the UUID is already known.
func (p *Profile) AddService(uuid string, handle uint16) *Service {
	key := normalizeOrRaw(uuid)
	if svc, ok := p.services.Get(key); ok {
		return svc
	}
	svc := &Service{
		UUID:            key,
		Handle:          handle,
		Characteristics: orderedmap.New[uint16, *Characteristic](),
	}
	p.services.Set(key, svc)
	return svc
}

// AddCharacteristic registers a characteristic under svc.
func (p *Profile) AddCharacteristic(svc *Service, uuid string, handle uint16, props Properties) *Characteristic {
	c := &Characteristic{
		UUID:       normalizeOrRaw(uuid),
		Handle:     handle,
		Properties: props,
		Service:    svc,
	}
	svc.Characteristics.Set(handle, c)
	p.chars[handle] = c
	return c
}

// AddDescriptor registers a descriptor under c.
func (p *Profile) AddDescriptor(c *Characteristic, uuid string, handle uint16) *Descriptor {
	d := &Descriptor{UUID: normalizeOrRaw(uuid), Handle: handle, Characteristic: c}
	c.Descriptors = append(c.Descriptors, d)
	p.descriptors[handle] = d
	return d
}

// Services returns services in discovery order.
func (p *Profile) Services() []*Service {
	out := make([]*Service, 0, p.services.Len())
	for pair := p.services.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value)
	}
	return out
}

// Service looks a service up by UUID.
func (p *Profile) Service(uuid string) (*Service, error) {
	svc, ok := p.services.Get(normalizeOrRaw(uuid))
	if !ok {
		return nil, &NotFoundError{Resource: "service", ID: uuid}
	}
	return svc, nil
}

// Characteristic looks a characteristic up by value handle.
func (p *Profile) Characteristic(handle uint16) (*Characteristic, bool) {
	c, ok := p.chars[handle]
	return c, ok
}

// CharacteristicByUUID returns the first characteristic with the UUID in discovery order.
func (p *Profile) CharacteristicByUUID(uuid string) (*Characteristic, bool) {
	want := normalizeOrRaw(uuid)
	for pair := p.services.Oldest(); pair != nil; pair = pair.Next() {
		for cp := pair.Value.Characteristics.Oldest(); cp != nil; cp = cp.Next() {
			if cp.Value.UUID == want {
				return cp.Value, true
			}
		}
	}
	return nil, false
}

// Descriptor looks a descriptor up by handle.
func (p *Profile) Descriptor(handle uint16) (*Descriptor, bool) {
	d, ok := p.descriptors[handle]
	return d, ok
}

// CharacteristicCount returns the number of characteristics across all services.
func (p *Profile) CharacteristicCount() int { return len(p.chars) }

func normalizeOrRaw(uuid string) string {
	if u, err := NormalizeUUID(uuid); err == nil {
		return u
	}
	return strings.ToLower(uuid)
}
