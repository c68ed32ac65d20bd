package goble

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/native"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/internal/testutils/mocks"
)

type AdapterTestSuite struct {
	suite.Suite

	helper  *testutils.TestHelper
	client  *mocks.MockClient
	adapter *Adapter
	events  chan native.Event
	builder *testutils.ProfileBuilder

	originalDial func(context.Context, string) (Client, error)
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}

func (s *AdapterTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.client = mocks.NewMockClient()
	s.builder = testutils.DefaultBatteryProfile()

	s.originalDial = Dial
	Dial = func(context.Context, string) (Client, error) { return s.client, nil }

	s.events = make(chan native.Event, 64)
	s.adapter = New(s.helper.Logger)
	s.adapter.SetEventHandler(func(ev native.Event) { s.events <- ev })
}

func (s *AdapterTestSuite) TearDownTest() {
	Dial = s.originalDial
	s.client.On("CancelConnection").Return(nil).Maybe()
	_ = s.adapter.Close()
}

func (s *AdapterTestSuite) next(kind native.EventKind) native.Event {
	for {
		select {
		case ev := <-s.events:
			if ev.Kind == kind {
				return ev
			}
		case <-time.After(5 * time.Second):
			s.FailNow("event not emitted", "expected %s", kind)
			return native.Event{}
		}
	}
}

func (s *AdapterTestSuite) connectAndDiscover() {
	s.client.On("DiscoverProfile", true).Return(s.builder.BuildBLE(), nil).Once()

	s.Require().True(s.adapter.Connect("AA:BB:CC:DD:EE:FF"))
	ev := s.next(native.EventConnectionState)
	s.Require().Equal(gatt.StateConnected, ev.State)

	s.Require().True(s.adapter.DiscoverServices())
	s.Require().True(s.next(native.EventServicesDiscovered).Status.OK())
}

func (s *AdapterTestSuite) TestConnect() {
	// GOAL: Connect acknowledges at once and reports the link through an event

	s.Require().True(s.adapter.Connect("AA:BB:CC:DD:EE:FF"))
	ev := s.next(native.EventConnectionState)
	s.True(ev.Status.OK())
	s.Equal(gatt.StateConnected, ev.State)

	s.False(s.adapter.Connect("AA:BB:CC:DD:EE:FF"), "second Connect MUST be refused")
}

func (s *AdapterTestSuite) TestConnectFailure() {
	Dial = func(context.Context, string) (Client, error) { return nil, errors.New("connection timed out") }

	s.Require().True(s.adapter.Connect("AA:BB:CC:DD:EE:FF"))
	ev := s.next(native.EventConnectionState)
	s.Equal(gatt.StatusGattError, ev.Status, "dial failure MUST report GATT_ERROR")
	s.Equal(gatt.StateDisconnected, ev.State)

	s.False(s.adapter.DiscoverServices(), "discovery MUST be refused without a link")
}

func (s *AdapterTestSuite) TestDiscoverServicesKeepsHandles() {
	s.builder = testutils.NewProfileBuilder().
		WithService("180D").
		WithCharacteristic("2A37", "notify", nil).
		WithCharacteristic("2A38", "read", []byte{1})
	s.connectAndDiscover()

	p := s.adapter.Profile()
	s.Require().NotNil(p)
	expected := s.builder.Build().Profile

	for _, h := range []uint16{3, 6} {
		got, ok := p.Characteristic(h)
		s.Require().True(ok, "characteristic at 0x%04x MUST exist", h)
		want, _ := expected.Characteristic(h)
		s.Equal(want.UUID, got.UUID)
		s.Equal(want.Properties, got.Properties)
	}
	hr, _ := p.CharacteristicByUUID("2A37")
	_, ok := hr.Descriptor(gatt.CCCDUUID)
	s.True(ok, "CCCD MUST be part of the profile")
}

func (s *AdapterTestSuite) TestReadCharacteristic() {
	s.connectAndDiscover()
	handle := s.adapter.Profile().Services()[0].CharacteristicList()[0].Handle

	s.client.On("ReadCharacteristic", mock.Anything).Return([]byte{50}, nil).Once()
	s.Require().True(s.adapter.ReadCharacteristic(handle))
	ev := s.next(native.EventCharacteristicRead)
	s.Equal(handle, ev.Handle)
	s.Equal([]byte{50}, ev.Value)

	s.client.On("ReadCharacteristic", mock.Anything).Return(nil, ble.ATTError(0x02)).Once()
	s.Require().True(s.adapter.ReadCharacteristic(handle))
	ev = s.next(native.EventCharacteristicRead)
	s.Equal(gatt.Status(0x02), ev.Status, "ATT error code MUST be preserved")

	s.False(s.adapter.ReadCharacteristic(0x0999), "unknown handle MUST be refused")
}

func (s *AdapterTestSuite) TestWriteCharacteristic() {
	s.connectAndDiscover()
	handle := s.adapter.Profile().Services()[0].CharacteristicList()[0].Handle

	s.client.On("WriteCharacteristic", mock.Anything, []byte{1}, false).Return(nil).Once()
	s.client.On("WriteCharacteristic", mock.Anything, []byte{2}, true).Return(nil).Once()

	s.Require().True(s.adapter.WriteCharacteristic(handle, []byte{1}, true))
	s.True(s.next(native.EventCharacteristicWrite).Status.OK())
	s.Require().True(s.adapter.WriteCharacteristic(handle, []byte{2}, false))
	s.True(s.next(native.EventCharacteristicWrite).Status.OK())

	s.client.AssertExpectations(s.T())
}

func (s *AdapterTestSuite) TestSetNotifyDeliversValues() {
	s.connectAndDiscover()
	handle := s.adapter.Profile().Services()[0].CharacteristicList()[0].Handle

	var notify ble.NotificationHandler
	s.client.On("Subscribe", mock.Anything, false, mock.Anything).
		Run(func(args mock.Arguments) { notify = args.Get(2).(ble.NotificationHandler) }).
		Return(nil).Once()

	s.Require().True(s.adapter.SetNotify(handle, gatt.NotifyOn))
	s.True(s.next(native.EventNotificationState).Status.OK())
	s.Require().NotNil(notify)

	notify([]byte{7, 8})
	ev := s.next(native.EventCharacteristicChanged)
	s.Equal(handle, ev.Handle)
	s.Equal([]byte{7, 8}, ev.Value)

	s.client.On("Unsubscribe", mock.Anything, false).Return(nil).Once()
	s.Require().True(s.adapter.SetNotify(handle, gatt.NotifyOff))
	s.True(s.next(native.EventNotificationState).Status.OK())
}

func (s *AdapterTestSuite) TestRequestMTU() {
	s.connectAndDiscover()
	s.client.On("ExchangeMTU", 185).Return(185, nil).Once()

	s.Require().True(s.adapter.RequestMTU(185))
	s.Equal(185, s.next(native.EventMtuChanged).MTU)
}

func (s *AdapterTestSuite) TestLinkLoss() {
	s.connectAndDiscover()

	s.client.DropLink()
	ev := s.next(native.EventConnectionState)
	s.Equal(gatt.StateDisconnected, ev.State)
	s.False(ev.Status.OK(), "link loss MUST carry a failure status")
	s.Nil(s.adapter.Profile(), "profile MUST be dropped with the link")
}

func (s *AdapterTestSuite) TestRequestedDisconnect() {
	s.connectAndDiscover()
	s.client.On("CancelConnection").Return(nil).Once()

	s.Require().True(s.adapter.Disconnect())
	ev := s.next(native.EventConnectionState)
	s.Equal(gatt.StateDisconnected, ev.State)
	s.True(ev.Status.OK(), "requested disconnect MUST succeed")
	s.False(s.adapter.Disconnect(), "Disconnect without a link MUST be refused")
}

func (s *AdapterTestSuite) TestSessionOverGoBLE() {
	// GOAL: The session engine drives the go-ble adapter end to end
	//
	// TEST SCENARIO: Connect → discover → read battery level → disconnect

	s.client.On("DiscoverProfile", true).Return(s.builder.BuildBLE(), nil).Once()
	s.client.On("ReadCharacteristic", mock.Anything).Return([]byte{50}, nil).Once()
	s.client.On("CancelConnection").Return(nil).Once()

	sess := session.New("AA:BB:CC:DD:EE:FF", s.adapter, s.helper.Logger)
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s.Require().NoError(sess.Connect(ctx))
	v, err := sess.Read(ctx, gatt.ByUUID("2A19"))
	s.Require().NoError(err)
	s.Equal([]byte{50}, v, "battery level MUST be read through go-ble")
	s.Require().NoError(sess.Disconnect(ctx))
	s.Equal(session.StateDisconnected, sess.State())
}

func TestBuildProfileSynthesizesHandles(t *testing.T) {
	p := &ble.Profile{Services: []*ble.Service{{
		UUID: ble.MustParse("180F"),
		Characteristics: []*ble.Characteristic{
			{UUID: ble.MustParse("2A19"), Property: ble.CharRead},
			{UUID: ble.MustParse("2A1A"), Property: ble.CharRead},
		},
	}}}

	m := buildProfile(p)
	require.Equal(t, 2, m.profile.CharacteristicCount(), "characteristics without handles MUST still be addressable")
	chars := m.profile.Services()[0].CharacteristicList()
	assert.NotEqual(t, chars[0].Handle, chars[1].Handle, "synthesized handles MUST be unique")
	assert.NotZero(t, chars[0].Handle)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want gatt.Status
	}{
		{name: "success", err: nil, want: gatt.StatusSuccess},
		{name: "att error", err: ble.ATTError(0x05), want: gatt.Status(0x05)},
		{name: "not supported", err: errors.New("operation not supported"), want: gatt.StatusNotSupported},
		{name: "other", err: errors.New("boom"), want: gatt.StatusGattError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusOf(tt.err))
		})
	}
}

func TestNormalizeError(t *testing.T) {
	assert.ErrorIs(t, NormalizeError(errors.New("Bluetooth is turned off")), ErrBluetoothOff)
	assert.ErrorIs(t, NormalizeError(errors.New("device not connected")), gatt.ErrNotConnected)
	assert.ErrorIs(t, NormalizeError(errors.New("device already connected")), gatt.ErrAlreadyConnected)
	assert.NoError(t, NormalizeError(nil))
	assert.Equal(t, gatt.ScanFailedFeatureUnsupported, scanFailureOf(errors.New("bluetooth is turned off")))
	assert.Equal(t, gatt.ScanFailedInternalError, scanFailureOf(errors.New("hci: unexpected")))
}

func TestConvertAdvertisement(t *testing.T) {
	adv := &mocks.MockAdvertisement{}
	adv.On("Addr").Return(ble.NewAddr("aa:bb:cc:dd:ee:ff"))
	adv.On("LocalName").Return("HeartRate1")
	adv.On("RSSI").Return(-42)
	adv.On("Connectable").Return(true)
	adv.On("Services").Return([]ble.UUID{ble.MustParse("180D")})
	adv.On("ManufacturerData").Return([]byte{0x4c, 0x00})

	got := convertAdvertisement(adv)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", got.Address)
	assert.Equal(t, "HeartRate1", got.Name)
	assert.Equal(t, -42, got.RSSI)
	assert.True(t, got.Connectable)
	assert.Equal(t, []string{"180d"}, got.Services)
	assert.Equal(t, []byte{0x4c, 0x00}, got.ManufacturerData)
}
