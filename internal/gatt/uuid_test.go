package gatt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeUUID(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		wantErr  bool
	}{
		// 16-bit and 32-bit forms expand onto the SIG base UUID
		{name: "16-bit UUID lowercase", input: "2902", expected: "00002902-0000-1000-8000-00805f9b34fb"},
		{name: "16-bit UUID uppercase", input: "180F", expected: "0000180f-0000-1000-8000-00805f9b34fb"},
		{name: "16-bit UUID with 0x prefix", input: "0x2A19", expected: "00002a19-0000-1000-8000-00805f9b34fb"},
		{name: "32-bit UUID", input: "0000180d", expected: "0000180d-0000-1000-8000-00805f9b34fb"},

		// 128-bit forms
		{name: "Full SIG UUID uppercase", input: "00002902-0000-1000-8000-00805F9B34FB", expected: "00002902-0000-1000-8000-00805f9b34fb"},
		{name: "Full SIG UUID without dashes", input: "0000290200001000800000805f9b34fb", expected: "00002902-0000-1000-8000-00805f9b34fb"},
		{name: "Custom UUID", input: "6E400001-B5A3-F393-E0A9-E50E24DCCA9E", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},
		{name: "Custom UUID surrounded by spaces", input: "  6e400001b5a3f393e0a9e50e24dcca9e ", expected: "6e400001-b5a3-f393-e0a9-e50e24dcca9e"},

		// Edge cases
		{name: "Empty string", input: "", wantErr: true},
		{name: "Not hex", input: "zzzz", wantErr: true},
		{name: "Odd length", input: "12345", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeUUID(tt.input)
			if tt.wantErr {
				assert.Error(t, err, "MUST reject malformed UUID %q", tt.input)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestShortUUID(t *testing.T) {
	assert.Equal(t, "2a19", ShortUUID(MustNormalizeUUID("2A19")))
	assert.Equal(t, "6e400001-b5a3-f393-e0a9-e50e24dcca9e", ShortUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e"))
	assert.Equal(t, "1234abcd-0000-1000-8000-00805f9b34fb", ShortUUID("1234abcd-0000-1000-8000-00805f9b34fb"),
		"32-bit SIG UUIDs MUST NOT be shortened to 16 bits")
}

func TestMustNormalizeUUID_Panics(t *testing.T) {
	assert.Panics(t, func() { MustNormalizeUUID("not-a-uuid") })
}
