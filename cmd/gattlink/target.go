package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/srg/gattlink/internal/gatt"
)

// resolveTarget finds the characteristic named by target. Targets are UUIDs;
// a 0x prefix selects a value handle instead. With service set, the lookup is
// confined to that service; without it, a UUID present in several services is
// ambiguous.
func resolveTarget(p *gatt.Profile, target, service string) (*gatt.Characteristic, error) {
	if p == nil {
		return nil, &gatt.NotFoundError{Resource: "characteristic", ID: target}
	}
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(target)), "0x") {
		id, err := gatt.ParseIdentity(target)
		if err != nil {
			return nil, err
		}
		return id.Resolve(p)
	}

	want, err := gatt.NormalizeUUID(target)
	if err != nil {
		return nil, fmt.Errorf("invalid characteristic UUID %q: %w", target, err)
	}

	services := p.Services()
	if service != "" {
		svc, err := p.Service(service)
		if err != nil {
			return nil, err
		}
		services = []*gatt.Service{svc}
	}

	var found []*gatt.Characteristic
	for _, svc := range services {
		for _, c := range svc.CharacteristicList() {
			if c.UUID == want {
				found = append(found, c)
			}
		}
	}
	switch len(found) {
	case 0:
		return nil, &gatt.NotFoundError{Resource: "characteristic", ID: target}
	case 1:
		return found[0], nil
	}
	owners := make([]string, 0, len(found))
	for _, c := range found {
		owners = append(owners, gatt.ShortUUID(c.Service.UUID))
	}
	return nil, fmt.Errorf("characteristic %s is ambiguous, found in services %s; use --service",
		target, strings.Join(owners, ", "))
}

// resolveDescriptor finds the descriptor uuid under the characteristic target.
func resolveDescriptor(p *gatt.Profile, target, service, uuid string) (*gatt.Descriptor, error) {
	c, err := resolveTarget(p, target, service)
	if err != nil {
		return nil, err
	}
	d, ok := c.Descriptor(uuid)
	if !ok {
		return nil, &gatt.NotFoundError{Resource: "descriptor", ID: uuid}
	}
	return d, nil
}

// parseCSV splits a comma-separated list, dropping blanks.
func parseCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseData converts command line input to bytes. Hex input may use spaces,
// colons, dashes and 0x prefixes as separators.
func parseData(s string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(s), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "", "0X", "").Replace(s)
	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

// formatValue renders a value for one output line.
func formatValue(data []byte, asHex bool) string {
	if asHex {
		return hex.EncodeToString(data)
	}
	return string(data)
}
