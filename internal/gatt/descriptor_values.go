package gatt

import (
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Well-known descriptor UUIDs in short form.
const (
	DescriptorExtendedProperties = "2900"
	DescriptorUserDescription    = "2901"
	DescriptorClientConfig       = "2902"
	DescriptorServerConfig       = "2903"
	DescriptorPresentationFormat = "2904"
	DescriptorValidRange         = "2906"
)

// ExtendedProperties is the Characteristic Extended Properties descriptor (0x2900).
type ExtendedProperties struct {
	ReliableWrite       bool `json:"reliable_write" yaml:"reliable_write"`
	WritableAuxiliaries bool `json:"writable_auxiliaries" yaml:"writable_auxiliaries"`
}

// ClientConfig is the Client Characteristic Configuration descriptor (0x2902).
type ClientConfig struct {
	Notifications bool `json:"notifications" yaml:"notifications"`
	Indications   bool `json:"indications" yaml:"indications"`
}

// ServerConfig is the Server Characteristic Configuration descriptor (0x2903).
type ServerConfig struct {
	Broadcasts bool `json:"broadcasts" yaml:"broadcasts"`
}

// PresentationFormat is the Characteristic Presentation Format descriptor (0x2904).
// A numeric value is raw * 10^Exponent.
type PresentationFormat struct {
	Format      uint8  `json:"format" yaml:"format"`
	Exponent    int8   `json:"exponent" yaml:"exponent"`
	Unit        uint16 `json:"unit" yaml:"unit"`
	Namespace   uint8  `json:"namespace" yaml:"namespace"`
	Description uint16 `json:"description" yaml:"description"`
}

// ValidRange is the Valid Range descriptor (0x2906). The split between the
// bounds assumes equal widths; an odd extra byte goes to Max.
type ValidRange struct {
	Min []byte `json:"min" yaml:"min"`
	Max []byte `json:"max" yaml:"max"`
}

// DecodeDescriptor parses the value of a well-known descriptor. Unknown
// descriptors yield (nil, nil).
func DecodeDescriptor(uuid string, data []byte) (interface{}, error) {
	switch ShortUUID(normalizeOrRaw(uuid)) {
	case DescriptorExtendedProperties:
		v, err := flags16(data, "extended properties")
		if err != nil {
			return nil, err
		}
		return &ExtendedProperties{ReliableWrite: v&0x1 != 0, WritableAuxiliaries: v&0x2 != 0}, nil
	case DescriptorUserDescription:
		s := strings.TrimRight(string(data), "\x00")
		if !utf8.ValidString(s) {
			return nil, fmt.Errorf("invalid UTF-8 in user description")
		}
		return s, nil
	case DescriptorClientConfig:
		v, err := flags16(data, "client config")
		if err != nil {
			return nil, err
		}
		return &ClientConfig{Notifications: v&0x1 != 0, Indications: v&0x2 != 0}, nil
	case DescriptorServerConfig:
		v, err := flags16(data, "server config")
		if err != nil {
			return nil, err
		}
		return &ServerConfig{Broadcasts: v&0x1 != 0}, nil
	case DescriptorPresentationFormat:
		if len(data) != 7 {
			return nil, fmt.Errorf("invalid length for presentation format: expected 7, got %d", len(data))
		}
		return &PresentationFormat{
			Format:      data[0],
			Exponent:    int8(data[1]),
			Unit:        binary.LittleEndian.Uint16(data[2:4]),
			Namespace:   data[4],
			Description: binary.LittleEndian.Uint16(data[5:7]),
		}, nil
	case DescriptorValidRange:
		if len(data) < 2 {
			return nil, fmt.Errorf("invalid length for valid range: expected at least 2, got %d", len(data))
		}
		mid := len(data) / 2
		return &ValidRange{
			Min: append([]byte(nil), data[:mid]...),
			Max: append([]byte(nil), data[mid:]...),
		}, nil
	}
	return nil, nil
}

func flags16(data []byte, what string) (uint16, error) {
	if len(data) != 2 {
		return 0, fmt.Errorf("invalid length for %s: expected 2, got %d", what, len(data))
	}
	return binary.LittleEndian.Uint16(data), nil
}
