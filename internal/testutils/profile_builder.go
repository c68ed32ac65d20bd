package testutils

import (
	"encoding/json"
	"fmt"

	blelib "github.com/go-ble/ble"

	"github.com/srg/gattlink/internal/gatt"
)

// DescriptorConfig represents a descriptor configuration for mocking
type DescriptorConfig struct {
	UUID  string `json:"uuid"`
	Value []byte `json:"value,omitempty"`
}

// CharacteristicConfig represents a characteristic configuration for mocking
type CharacteristicConfig struct {
	UUID        string             `json:"uuid"`
	Properties  string             `json:"properties,omitempty"` // e.g., "read,write,notify"
	Value       []byte             `json:"value,omitempty"`
	Descriptors []DescriptorConfig `json:"descriptors,omitempty"`
}

// ServiceConfig represents a service configuration for mocking
type ServiceConfig struct {
	UUID            string                 `json:"uuid"`
	Characteristics []CharacteristicConfig `json:"characteristics,omitempty"`
}

// DeviceProfileConfig represents the complete peripheral profile for mocking
type DeviceProfileConfig struct {
	Services []ServiceConfig `json:"services"`
}

// PeripheralProfile is a built profile plus the attribute values a fake
// peripheral serves, keyed by handle.
type PeripheralProfile struct {
	Profile *gatt.Profile
	Values  map[uint16][]byte
}

// Handle returns the value handle of the first characteristic with uuid.
// It panics when the characteristic does not exist.
func (pp *PeripheralProfile) Handle(uuid string) uint16 {
	c, ok := pp.Profile.CharacteristicByUUID(uuid)
	if !ok {
		panic(fmt.Sprintf("PeripheralProfile.Handle: characteristic %s not found", uuid))
	}
	return c.Handle
}

// Characteristic returns the first characteristic with uuid, panicking if absent.
func (pp *PeripheralProfile) Characteristic(uuid string) *gatt.Characteristic {
	c, ok := pp.Profile.CharacteristicByUUID(uuid)
	if !ok {
		panic(fmt.Sprintf("PeripheralProfile.Characteristic: characteristic %s not found", uuid))
	}
	return c
}

// ProfileBuilder builds peripheral profiles with a fluent API or from JSON.
//
//	pp := testutils.NewProfileBuilder().
//	    WithService("180F").
//	    WithCharacteristic("2A19", "read,notify", []byte{50}).
//	    Build()
//
// Handles are assigned the way a GATT server lays them out: service
// declaration, characteristic declaration, value, then descriptors.
// Characteristics with notify or indicate get a CCCD automatically.
type ProfileBuilder struct {
	config DeviceProfileConfig
}

// NewProfileBuilder creates an empty builder.
func NewProfileBuilder() *ProfileBuilder {
	return &ProfileBuilder{config: DeviceProfileConfig{Services: []ServiceConfig{}}}
}

// WithService adds a service.
func (b *ProfileBuilder) WithService(uuid string) *ProfileBuilder {
	b.config.Services = append(b.config.Services, ServiceConfig{UUID: uuid})
	return b
}

// WithCharacteristic adds a characteristic to the last added service.
func (b *ProfileBuilder) WithCharacteristic(uuid, properties string, value []byte) *ProfileBuilder {
	if len(b.config.Services) == 0 {
		panic("WithCharacteristic: no service added yet, call WithService first")
	}
	svc := &b.config.Services[len(b.config.Services)-1]
	svc.Characteristics = append(svc.Characteristics, CharacteristicConfig{
		UUID:       uuid,
		Properties: properties,
		Value:      value,
	})
	return b
}

// WithDescriptor adds a descriptor to the last added characteristic.
func (b *ProfileBuilder) WithDescriptor(uuid string, value []byte) *ProfileBuilder {
	if len(b.config.Services) == 0 {
		panic("WithDescriptor: no service added yet")
	}
	svc := &b.config.Services[len(b.config.Services)-1]
	if len(svc.Characteristics) == 0 {
		panic("WithDescriptor: no characteristic added yet, call WithCharacteristic first")
	}
	c := &svc.Characteristics[len(svc.Characteristics)-1]
	c.Descriptors = append(c.Descriptors, DescriptorConfig{UUID: uuid, Value: value})
	return b
}

// FromJSON replaces the profile configuration with the given JSON.
func (b *ProfileBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *ProfileBuilder {
	jsonStr := fmt.Sprintf(jsonStrFmt, args...)

	var config DeviceProfileConfig
	if err := json.Unmarshal([]byte(jsonStr), &config); err != nil {
		panic(fmt.Sprintf("ProfileBuilder.FromJSON: failed to unmarshal: %v", err))
	}
	b.config = config
	return b
}

// Config returns the raw configuration.
func (b *ProfileBuilder) Config() DeviceProfileConfig { return b.config }

// walk assigns handles and calls back for every attribute.
func (b *ProfileBuilder) walk(onService func(ServiceConfig, uint16), onChar func(CharacteristicConfig, gatt.Properties, uint16), onDesc func(DescriptorConfig, uint16)) {
	next := uint16(1)
	for _, svc := range b.config.Services {
		onService(svc, next)
		next++
		for _, ch := range svc.Characteristics {
			props := parseProperties(ch.Properties)
			next++ // declaration
			onChar(ch, props, next)
			next++
			descs := ch.Descriptors
			if props&(gatt.PropNotify|gatt.PropIndicate) != 0 && !hasDescriptor(descs, "2902") {
				descs = append(descs, DescriptorConfig{UUID: "2902", Value: []byte{0x00, 0x00}})
			}
			for _, d := range descs {
				onDesc(d, next)
				next++
			}
		}
	}
}

// Build creates the gatt profile and its attribute values.
func (b *ProfileBuilder) Build() *PeripheralProfile {
	pp := &PeripheralProfile{Profile: gatt.NewProfile(), Values: make(map[uint16][]byte)}
	var svc *gatt.Service
	var char *gatt.Characteristic
	b.walk(
		func(s ServiceConfig, h uint16) { svc = pp.Profile.AddService(s.UUID, h) },
		func(c CharacteristicConfig, props gatt.Properties, h uint16) {
			char = pp.Profile.AddCharacteristic(svc, c.UUID, h, props)
			pp.Values[h] = append([]byte(nil), c.Value...)
		},
		func(d DescriptorConfig, h uint16) {
			pp.Profile.AddDescriptor(char, d.UUID, h)
			pp.Values[h] = append([]byte(nil), d.Value...)
		},
	)
	return pp
}

// BuildBLE creates the equivalent go-ble profile, as a go-ble client would
// return it from DiscoverProfile.
func (b *ProfileBuilder) BuildBLE() *blelib.Profile {
	profile := &blelib.Profile{}
	var svc *blelib.Service
	var char *blelib.Characteristic
	b.walk(
		func(s ServiceConfig, h uint16) {
			svc = &blelib.Service{UUID: blelib.MustParse(s.UUID), Handle: h}
			profile.Services = append(profile.Services, svc)
		},
		func(c CharacteristicConfig, props gatt.Properties, h uint16) {
			char = &blelib.Characteristic{
				UUID:        blelib.MustParse(c.UUID),
				Property:    blelib.Property(props),
				Handle:      h - 1,
				ValueHandle: h,
				Value:       c.Value,
			}
			svc.Characteristics = append(svc.Characteristics, char)
		},
		func(d DescriptorConfig, h uint16) {
			desc := &blelib.Descriptor{UUID: blelib.MustParse(d.UUID), Handle: h, Value: d.Value}
			char.Descriptors = append(char.Descriptors, desc)
			if desc.UUID.Equal(blelib.ClientCharacteristicConfigUUID) {
				char.CCCD = desc
			}
		},
	)
	return profile
}

// parseProperties parses a property list, defaulting to read,write,notify
func parseProperties(props string) gatt.Properties {
	if props == "" {
		return gatt.PropRead | gatt.PropWrite | gatt.PropNotify
	}
	p, err := gatt.ParseProperties(props)
	if err != nil {
		panic(fmt.Sprintf("ProfileBuilder: %v", err))
	}
	return p
}

func hasDescriptor(descs []DescriptorConfig, uuid string) bool {
	want := gatt.MustNormalizeUUID(uuid)
	for _, d := range descs {
		if u, err := gatt.NormalizeUUID(d.UUID); err == nil && u == want {
			return true
		}
	}
	return false
}

// DefaultBatteryProfile returns the peripheral used when a test does not
// configure one: Battery Service (180F) with Battery Level (2A19) at 50%.
func DefaultBatteryProfile() *ProfileBuilder {
	return NewProfileBuilder().FromJSON(`
		{
			"services": [
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read,notify", "value": [50] }
					]
				}
			]
		}`)
}
