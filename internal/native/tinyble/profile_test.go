package tinyble

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattlink/internal/gatt"
)

func TestAssembleProfile(t *testing.T) {
	p, handles := assembleProfile([]discoveredService{
		{uuid: "0000180f-0000-1000-8000-00805f9b34fb", chars: []string{"00002a19-0000-1000-8000-00805f9b34fb"}},
		{uuid: "6e400001-b5a3-f393-e0a9-e50e24dcca9e", chars: []string{
			"6e400002-b5a3-f393-e0a9-e50e24dcca9e",
			"6e400003-b5a3-f393-e0a9-e50e24dcca9e",
		}},
	})

	require.Equal(t, []uint16{3, 6, 8}, handles, "value handles MUST follow service and declaration handles")
	require.Len(t, p.Services(), 2)

	c, ok := p.Characteristic(8)
	require.True(t, ok)
	assert.Equal(t, "6e400003-b5a3-f393-e0a9-e50e24dcca9e", c.UUID)
	assert.True(t, c.Properties.Has(gatt.PropNotify|gatt.PropWrite), "characteristics MUST be reported fully capable")

	battery, err := gatt.ByUUID("2A19").Resolve(p)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), battery.Handle)
}

func TestScanFailureOf(t *testing.T) {
	assert.Equal(t, gatt.ScanFailedAlreadyStarted, scanFailureOf(errors.New("scan already in progress")))
	assert.Equal(t, gatt.ScanFailedFeatureUnsupported, scanFailureOf(errors.New("adapter powered off")))
	assert.Equal(t, gatt.ScanFailedInternalError, scanFailureOf(errors.New("dbus: no reply")))
}
