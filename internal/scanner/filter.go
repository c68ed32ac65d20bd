package scanner

import (
	"strings"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/native"
)

// filter applies allow, block and service filters to first sightings.
type filter struct {
	allow    map[string]bool
	block    map[string]bool
	services []string
}

func newFilter(opts *Options) (*filter, error) {
	f := &filter{
		allow: addressSet(opts.AllowList),
		block: addressSet(opts.BlockList),
	}
	for _, s := range opts.Services {
		u, err := gatt.NormalizeUUID(s)
		if err != nil {
			return nil, err
		}
		f.services = append(f.services, u)
	}
	return f, nil
}

func addressSet(list []string) map[string]bool {
	if len(list) == 0 {
		return nil
	}
	m := make(map[string]bool, len(list))
	for _, a := range list {
		m[strings.ToLower(a)] = true
	}
	return m
}

func (f *filter) include(ad native.Advertisement) bool {
	addr := strings.ToLower(ad.Address)
	if f.block[addr] {
		return false
	}
	if f.allow != nil && !f.allow[addr] {
		return false
	}
	if len(f.services) == 0 {
		return true
	}
	for _, s := range ad.Services {
		u, err := gatt.NormalizeUUID(s)
		if err != nil {
			continue
		}
		if contains(f.services, u) {
			return true
		}
	}
	return false
}
