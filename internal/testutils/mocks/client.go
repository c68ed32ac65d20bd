// Package mocks holds testify mocks for the go-ble surface the adapters use.
package mocks

import (
	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

// MockClient mocks the go-ble client calls made by the go-ble adapter.
type MockClient struct {
	mock.Mock
	disconnected chan struct{}
}

func NewMockClient() *MockClient {
	return &MockClient{disconnected: make(chan struct{})}
}

// DropLink closes the Disconnected channel, as go-ble does when the link ends.
func (m *MockClient) DropLink() {
	select {
	case <-m.disconnected:
	default:
		close(m.disconnected)
	}
}

func (m *MockClient) Disconnected() <-chan struct{} { return m.disconnected }

func (m *MockClient) ReadCharacteristic(c *ble.Characteristic) ([]byte, error) {
	args := m.Called(c)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	return m.Called(c, value, noRsp).Error(0)
}

func (m *MockClient) ReadDescriptor(d *ble.Descriptor) ([]byte, error) {
	args := m.Called(d)
	v, _ := args.Get(0).([]byte)
	return v, args.Error(1)
}

func (m *MockClient) WriteDescriptor(d *ble.Descriptor, v []byte) error {
	return m.Called(d, v).Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *MockClient) ExchangeMTU(rxMTU int) (int, error) {
	args := m.Called(rxMTU)
	return args.Int(0), args.Error(1)
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

// CancelConnection records the call and ends the link on success.
func (m *MockClient) CancelConnection() error {
	err := m.Called().Error(0)
	if err == nil {
		m.DropLink()
	}
	return err
}

// MockAdvertisement mocks ble.Advertisement.
type MockAdvertisement struct {
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string { return m.Called().String(0) }

func (m *MockAdvertisement) ManufacturerData() []byte {
	v, _ := m.Called().Get(0).([]byte)
	return v
}

func (m *MockAdvertisement) ServiceData() []ble.ServiceData {
	v, _ := m.Called().Get(0).([]ble.ServiceData)
	return v
}

func (m *MockAdvertisement) Services() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) OverflowService() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) TxPowerLevel() int { return m.Called().Int(0) }

func (m *MockAdvertisement) Connectable() bool { return m.Called().Bool(0) }

func (m *MockAdvertisement) SolicitedService() []ble.UUID {
	v, _ := m.Called().Get(0).([]ble.UUID)
	return v
}

func (m *MockAdvertisement) RSSI() int { return m.Called().Int(0) }

func (m *MockAdvertisement) Addr() ble.Addr {
	v, _ := m.Called().Get(0).(ble.Addr)
	return v
}
