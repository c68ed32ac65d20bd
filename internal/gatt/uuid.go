package gatt

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// baseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb.
const baseSuffix = "-0000-1000-8000-00805f9b34fb"

// CCCDUUID is the Client Characteristic Configuration descriptor.
const CCCDUUID = "00002902" + baseSuffix

// NormalizeUUID converts a 16-bit, 32-bit or 128-bit UUID string into the
// canonical lowercase dashed 128-bit form. A "0x" prefix is accepted.
//
//	NormalizeUUID("180F")      -> "0000180f-0000-1000-8000-00805f9b34fb"
//	NormalizeUUID("0x2a19")    -> "00002a19-0000-1000-8000-00805f9b34fb"
//	NormalizeUUID("6E400001B5A3F393E0A9E50E24DCCA9E") -> "6e400001-b5a3-f393-e0a9-e50e24dcca9e"
func NormalizeUUID(s string) (string, error) {
	raw := strings.ToLower(strings.TrimSpace(s))
	raw = strings.TrimPrefix(raw, "0x")

	switch len(raw) {
	case 4:
		raw = "0000" + raw + baseSuffix
	case 8:
		raw = raw + baseSuffix
	}

	u, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid UUID %q: %w", s, err)
	}
	return u.String(), nil
}

// MustNormalizeUUID is NormalizeUUID for constants; it panics on malformed input.
func MustNormalizeUUID(s string) string {
	u, err := NormalizeUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ShortUUID returns the 16-bit form of a SIG-assigned UUID and the input unchanged otherwise.
func ShortUUID(canonical string) string {
	if strings.HasPrefix(canonical, "0000") && strings.HasSuffix(canonical, baseSuffix) && len(canonical) == 36 {
		return canonical[4:8]
	}
	return canonical
}
