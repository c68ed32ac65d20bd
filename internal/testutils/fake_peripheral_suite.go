package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/gattlink/internal/native"
)

// FakePeripheralSuite is a testify suite base with an in-memory peripheral.
//
// Basic usage (default battery service):
//
//	type SimpleSuite struct {
//	    testutils.FakePeripheralSuite
//	}
//
// Custom profile usage:
//
//	func (s *InspectSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.FakePeripheralSuite.SetupTest() // call parent last to apply configuration
//	}
type FakePeripheralSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	// PeripheralBuilder configures the next test's peripheral; reset after each test.
	PeripheralBuilder *ProfileBuilder
	// ScanResults configures the next test's advertisements; reset after each test.
	ScanResults []native.Advertisement

	Peripheral *PeripheralProfile
	Adapter    *FakeAdapter
}

func (s *FakePeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 5 * time.Second
}

// SetupTest builds the configured peripheral and a fresh adapter serving it.
func (s *FakePeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = DefaultBatteryProfile()
	}
	s.Peripheral = s.PeripheralBuilder.Build()
	s.Adapter = NewFakeAdapter(s.Peripheral).WithScanResults(s.ScanResults...)
	s.Logger.Debug("Test setup completed - ready for execution")
}

func (s *FakePeripheralSuite) TearDownTest() {
	s.PeripheralBuilder = nil
	s.ScanResults = nil
}

// WithPeripheral returns the builder for the next test's peripheral.
func (s *FakePeripheralSuite) WithPeripheral() *ProfileBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewProfileBuilder()
	}
	return s.PeripheralBuilder
}

// WithAdvertisements sets the advertisements the next test's scan reports.
func (s *FakePeripheralSuite) WithAdvertisements(ads ...native.Advertisement) {
	s.ScanResults = append(s.ScanResults, ads...)
}

// WaitCall waits for the adapter to see method, failing the test on timeout.
func (s *FakePeripheralSuite) WaitCall(method string) Call {
	c, ok := s.Adapter.WaitCall(method, s.TestTimeout)
	s.Require().True(ok, "adapter MUST receive %s within %s", method, s.TestTimeout)
	return c
}
