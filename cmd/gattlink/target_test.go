package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/testutils"
)

func TestParseData(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		hex      bool
		expected []byte
	}{
		{name: "raw bytes kept", input: "test\x00data", expected: []byte("test\x00data")},
		{name: "simple hex", input: "0102", hex: true, expected: []byte{0x01, 0x02}},
		{name: "hex with spaces", input: "01 02 03", hex: true, expected: []byte{0x01, 0x02, 0x03}},
		{name: "hex with 0x prefix", input: "0x01 0x02", hex: true, expected: []byte{0x01, 0x02}},
		{name: "mixed separators", input: "0x01:02-03 04", hex: true, expected: []byte{0x01, 0x02, 0x03, 0x04}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseData(tt.input, tt.hex)
			require.NoError(t, err, "MUST parse valid data")
			assert.Equal(t, tt.expected, got)
		})
	}

	_, err := parseData("ZZZZ", true)
	assert.ErrorContains(t, err, "invalid hex data")
}

func TestParseCSV(t *testing.T) {
	assert.Equal(t, []string{"2a19", "2a37"}, parseCSV(" 2a19, ,2a37,"))
	assert.Empty(t, parseCSV(" , "))
}

func TestResolveTarget(t *testing.T) {
	pp := testutils.NewProfileBuilder().
		WithService("180D").
		WithCharacteristic("2A38", "read", nil).
		WithService("FF00").
		WithCharacteristic("2A38", "read", nil).
		WithCharacteristic("FF01", "write", nil).
		Build()

	c, err := resolveTarget(pp.Profile, "ff01", "")
	require.NoError(t, err)
	assert.Equal(t, pp.Handle("ff01"), c.Handle)

	c, err = resolveTarget(pp.Profile, "2a38", "ff00")
	require.NoError(t, err)
	assert.Equal(t, "0000ff00-0000-1000-8000-00805f9b34fb", c.Service.UUID, "service scope MUST pick the right duplicate")

	c, err = resolveTarget(pp.Profile, "0x0003", "")
	require.NoError(t, err)
	assert.Equal(t, uint16(3), c.Handle)

	_, err = resolveTarget(pp.Profile, "2a38", "")
	assert.ErrorContains(t, err, "ambiguous, found in services 180d, ff00")

	_, err = resolveTarget(pp.Profile, "2a00", "")
	var nf *gatt.NotFoundError
	assert.True(t, errors.As(err, &nf), "unknown UUID MUST be a NotFoundError")

	_, err = resolveTarget(pp.Profile, "not-a-uuid", "")
	assert.ErrorContains(t, err, "invalid characteristic UUID")

	_, err = resolveTarget(nil, "2a38", "")
	assert.True(t, errors.As(err, &nf))
}

func TestResolveDescriptor(t *testing.T) {
	pp := testutils.DefaultBatteryProfile().Build()

	d, err := resolveDescriptor(pp.Profile, "2a19", "", "2902")
	require.NoError(t, err)
	assert.Equal(t, "00002902-0000-1000-8000-00805f9b34fb", d.UUID)

	_, err = resolveDescriptor(pp.Profile, "2a19", "", "2901")
	var nf *gatt.NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "descriptor", nf.Resource)
}
