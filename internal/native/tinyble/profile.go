package tinyble

import "github.com/srg/gattlink/internal/gatt"

type discoveredService struct {
	uuid  string
	chars []string
}

// assembleProfile lays services out the way a GATT server would: a service
// declaration, then a declaration and a value handle per characteristic.
// handles[i] is the value handle of the i-th characteristic across all services.
func assembleProfile(services []discoveredService) (*gatt.Profile, []uint16) {
	p := gatt.NewProfile()
	var handles []uint16
	next := uint16(1)
	for _, s := range services {
		svc := p.AddService(s.uuid, next)
		next++
		for _, c := range s.chars {
			next++ // declaration
			p.AddCharacteristic(svc, c, next, assumedProperties)
			handles = append(handles, next)
			next++
		}
	}
	return p, handles
}
