package main

import (
	"testing"

	"github.com/stretchr/testify/suite"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/native"
	"github.com/srg/gattlink/internal/testutils"
)

type ScanCommandTestSuite struct {
	CommandTestSuite
}

func TestScanCommandTestSuite(t *testing.T) {
	suite.Run(t, new(ScanCommandTestSuite))
}

func (s *ScanCommandTestSuite) SetupTest() {
	s.WithAdvertisements(
		native.Advertisement{Address: "AA:BB:CC:DD:EE:01", Name: "Thermometer", RSSI: -70, Connectable: true, Services: []string{"1809"}},
		native.Advertisement{Address: "AA:BB:CC:DD:EE:02", Name: "Heart Rate", RSSI: -40, Connectable: true, Services: []string{"180D"}, ManufacturerData: []byte{0x4c, 0x00}},
	)
	s.CommandTestSuite.SetupTest()
}

func (s *ScanCommandTestSuite) TestScanJSON() {
	// GOAL: Verify scan prints discovered devices as JSON, strongest first
	//
	// TEST SCENARIO: Two advertisers → scan --format json → devices ordered by RSSI with all fields

	out, _, err := s.ExecuteCommand("scan", "--duration", "50ms", "--format", "json")
	s.Require().NoError(err, "scan MUST succeed")

	testutils.NewJSONAsserter(s.T()).Assert(out, `[
		{
			"address": "AA:BB:CC:DD:EE:02",
			"name": "Heart Rate",
			"rssi": -40,
			"connectable": true,
			"services": ["180D"],
			"manufacturer_data": "4c00",
			"seen": 1,
			"last_seen": "<<PRESENCE>>"
		},
		{
			"address": "AA:BB:CC:DD:EE:01",
			"name": "Thermometer",
			"rssi": -70,
			"services": ["1809"]
		}
	]`)
	s.Equal(1, s.Adapter.CallCount(testutils.MethodStopScan), "scan MUST stop the native scan when the duration ends")
}

func (s *ScanCommandTestSuite) TestScanTable() {
	out, _, err := s.ExecuteCommand("scan", "--duration", "50ms", "--block", "aa:bb:cc:dd:ee:02")
	s.Require().NoError(err)

	lines := s.Lines(out)
	s.Require().Len(lines, 3, "table MUST have a header, a rule and one device")
	s.Contains(lines[0], "NAME")
	s.Contains(lines[2], "Thermometer")
	s.Contains(lines[2], "-70 dBm")
	s.NotContains(out, "Heart Rate", "blocked devices MUST NOT be listed")
}

func (s *ScanCommandTestSuite) TestScanYAML() {
	out, _, err := s.ExecuteCommand("scan", "--duration", "50ms", "--format", "yaml", "--services", "180d")
	s.Require().NoError(err)

	s.Contains(out, "address: AA:BB:CC:DD:EE:02")
	s.NotContains(out, "Thermometer", "service filter MUST hide other devices")
}

func (s *ScanCommandTestSuite) TestScanNoDevices() {
	s.Adapter.WithScanResults()

	out, _, err := s.ExecuteCommand("scan", "--duration", "50ms")
	s.Require().NoError(err)
	s.Equal("No devices discovered\n", out)
}

func (s *ScanCommandTestSuite) TestScanErrors() {
	tests := []struct {
		name  string
		setup func()
		args  []string
		check func(err error)
	}{
		{
			name: "invalid format",
			args: []string{"scan", "--format", "xml"},
			check: func(err error) {
				s.ErrorContains(err, "invalid format 'xml'")
			},
		},
		{
			name:  "native rejection",
			setup: func() { s.Adapter.Reject(testutils.MethodStartScan) },
			args:  []string{"scan", "--duration", "50ms"},
			check: func(err error) {
				var rejected *gatt.DispatchRejectedError
				s.ErrorAs(err, &rejected)
				s.Contains(FormatUserError(err), "is the adapter powered on")
			},
		},
		{
			name:  "early native failure",
			setup: func() { s.Adapter.WithScanFailure(gatt.ScanFailedFeatureUnsupported) },
			args:  []string{"scan", "--duration", "50ms"},
			check: func(err error) {
				s.ErrorIs(err, gatt.ScanFailedFeatureUnsupported)
			},
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.Adapter = testutils.NewFakeAdapter(s.Peripheral)
			if tt.setup != nil {
				tt.setup()
			}
			_, _, err := s.ExecuteCommand(tt.args...)
			s.Require().Error(err)
			tt.check(err)
		})
	}
}
