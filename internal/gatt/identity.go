package gatt

import (
	"fmt"
	"strconv"
	"strings"
)

type identityKind uint8

const (
	kindHandle identityKind = iota + 1
	kindUUID
	kindRef
)

// Identity names a characteristic by value handle, by UUID, or by a resolved
// reference. Resolve turns it into the canonical *Characteristic once, at the API boundary.
type Identity struct {
	kind   identityKind
	handle uint16
	uuid   string
	ref    *Characteristic
}

// ByHandle identifies a characteristic by its value handle.
func ByHandle(handle uint16) Identity { return Identity{kind: kindHandle, handle: handle} }

// ByUUID identifies a characteristic by UUID; the first match in discovery order wins.
func ByUUID(uuid string) Identity { return Identity{kind: kindUUID, uuid: uuid} }

// ByRef identifies an already resolved characteristic.
func ByRef(c *Characteristic) Identity { return Identity{kind: kindRef, ref: c} }

// ParseIdentity parses user input: decimal digits or a 0x-prefixed number of at most
// four hex digits is a handle, anything else is a UUID.
func ParseIdentity(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}, fmt.Errorf("empty characteristic identity")
	}
	if h, err := strconv.ParseUint(s, 10, 16); err == nil {
		return ByHandle(uint16(h)), nil
	}
	if rest, ok := strings.CutPrefix(strings.ToLower(s), "0x"); ok && len(rest) <= 4 {
		h, err := strconv.ParseUint(rest, 16, 16)
		if err != nil {
			return Identity{}, fmt.Errorf("invalid handle %q: %w", s, err)
		}
		return ByHandle(uint16(h)), nil
	}
	if _, err := NormalizeUUID(s); err != nil {
		return Identity{}, err
	}
	return ByUUID(s), nil
}

// IsZero reports whether the identity was never set.
func (id Identity) IsZero() bool { return id.kind == 0 }

// Resolve looks the identity up in the profile.
func (id Identity) Resolve(p *Profile) (*Characteristic, error) {
	if p == nil {
		return nil, &NotFoundError{Resource: "characteristic", ID: id.String()}
	}
	switch id.kind {
	case kindHandle:
		if c, ok := p.Characteristic(id.handle); ok {
			return c, nil
		}
	case kindUUID:
		if c, ok := p.CharacteristicByUUID(id.uuid); ok {
			return c, nil
		}
	case kindRef:
		if id.ref != nil {
			if c, ok := p.Characteristic(id.ref.Handle); ok && c.UUID == id.ref.UUID {
				return c, nil
			}
		}
	default:
		return nil, fmt.Errorf("empty characteristic identity")
	}
	return nil, &NotFoundError{Resource: "characteristic", ID: id.String()}
}

func (id Identity) String() string {
	switch id.kind {
	case kindHandle:
		return fmt.Sprintf("0x%04x", id.handle)
	case kindUUID:
		return id.uuid
	case kindRef:
		if id.ref == nil {
			return "<nil>"
		}
		return id.ref.String()
	default:
		return "<none>"
	}
}
