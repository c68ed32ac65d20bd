package bridge

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/ptyio"
	"github.com/srg/gattlink/internal/session"
	"github.com/srg/gattlink/internal/testutils"
)

// fakePort records what the bridge writes and lets a test type input.
type fakePort struct {
	mu      sync.Mutex
	out     bytes.Buffer
	handler ptyio.ReadHandler
}

func (p *fakePort) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(data)
}

func (p *fakePort) SetReadHandler(h ptyio.ReadHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *fakePort) Name() string { return "/dev/pts/test" }

func (p *fakePort) Type(data string) bool {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h([]byte(data))
	return true
}

func (p *fakePort) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

func (p *fakePort) HasHandler() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handler != nil
}

type BridgeTestSuite struct {
	testutils.FakePeripheralSuite

	sess *session.Session
	port *fakePort
}

func TestBridgeTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeTestSuite))
}

func (s *BridgeTestSuite) SetupTest() {
	s.WithPeripheral().FromJSON(`
		{
			"services": [
				{
					"uuid": "%s",
					"characteristics": [
						{ "uuid": "%s", "properties": "write,write-without-response" },
						{ "uuid": "%s", "properties": "notify" }
					]
				},
				{
					"uuid": "180F",
					"characteristics": [
						{ "uuid": "2A19", "properties": "read" }
					]
				}
			]
		}`, NUSService, NUSRX, NUSTX)
	s.FakePeripheralSuite.SetupTest()

	s.sess = session.New("AA:BB:CC:DD:EE:FF", s.Adapter, s.Logger)
	s.T().Cleanup(func() { _ = s.sess.Close() })
	s.Require().NoError(s.sess.Connect(context.Background()))
	s.port = &fakePort{}
}

// start runs the bridge until the returned stop is called.
func (s *BridgeTestSuite) start(opts Options) (*Bridge, func() error) {
	opts.Logger = s.Logger
	b, err := New(s.sess, s.port, opts)
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	s.Require().Eventually(s.port.HasHandler, s.TestTimeout, 5*time.Millisecond, "bridge MUST install the port handler")
	stop := func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(s.TestTimeout):
			s.FailNow("bridge did not stop")
			return nil
		}
	}
	s.T().Cleanup(func() { cancel() })
	return b, stop
}

func (s *BridgeTestSuite) TestNotificationsReachPort() {
	// GOAL: Bytes notified on TX appear on the port in order

	b, stop := s.start(Options{})
	tx := s.Peripheral.Handle(NUSTX)

	s.Adapter.Notify(tx, []byte("hello "))
	s.Adapter.Notify(tx, []byte("world"))

	s.Eventually(func() bool { return s.port.Output() == "hello world" }, s.TestTimeout, 5*time.Millisecond)
	s.NoError(stop())
	s.Equal(uint64(11), b.Stats().FromPeripheral)
}

// GOAL: Port input is written to RX in MTU sized chunks, in order
//
// TEST SCENARIO: 45 bytes typed with MTU 23 → three writes of 20, 20 and 5 bytes without response
func (s *BridgeTestSuite) TestPortInputIsChunked() {
	b, stop := s.start(Options{MTU: 23})
	input := "0123456789abcdefghijABCDEFGHIJ0123456789klmno"

	s.Require().True(s.port.Type(input))

	s.Eventually(func() bool {
		return len(s.Adapter.Calls(testutils.MethodWriteCharacteristic)) == 3
	}, s.TestTimeout, 5*time.Millisecond)
	s.NoError(stop())

	var joined []byte
	for i, c := range s.Adapter.Calls(testutils.MethodWriteCharacteristic) {
		s.Equal(s.Peripheral.Handle(NUSRX), c.Handle)
		s.False(c.WithResponse, "RX supporting write without response MUST use it")
		if i < 2 {
			s.Len(c.Value, 20, "chunks MUST fill MTU-3 bytes")
		}
		joined = append(joined, c.Value...)
	}
	s.Equal(input, string(joined))
	s.Equal(uint64(len(input)), b.Stats().ToPeripheral)
}

func (s *BridgeTestSuite) TestWithResponseOption() {
	_, stop := s.start(Options{WithResponse: true})

	s.Require().True(s.port.Type("x"))
	c := s.WaitCall(testutils.MethodWriteCharacteristic)
	s.NoError(stop())

	s.True(c.WithResponse)
}

func (s *BridgeTestSuite) TestStopRemovesSubscriptionAndHandler() {
	_, stop := s.start(Options{})

	s.NoError(stop())

	s.False(s.port.HasHandler(), "port handler MUST be removed on stop")
	calls := s.Adapter.Calls(testutils.MethodSetNotify)
	s.Require().Len(calls, 2)
	s.Equal(gatt.NotifyOff, calls[1].Mode, "TX notifications MUST be disabled on stop")
}

// GOAL: Losing the link ends the bridge with a connection error
//
// TEST SCENARIO: bridge running → link drops → input typed → Run returns a disconnect error
func (s *BridgeTestSuite) TestLinkLossStopsBridge() {
	b, err := New(s.sess, s.port, Options{Logger: s.Logger})
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	s.Require().Eventually(s.port.HasHandler, s.TestTimeout, 5*time.Millisecond)

	s.Adapter.DropLink()
	s.Eventually(func() bool { return s.sess.State() == session.StateDisconnected }, s.TestTimeout, 5*time.Millisecond)
	s.port.Type("after")

	select {
	case err := <-done:
		var ce *gatt.ConnectionError
		s.True(errors.As(err, &ce), "Run MUST fail with a connection error, got %v", err)
	case <-time.After(s.TestTimeout):
		s.FailNow("bridge MUST stop after link loss")
	}
}

func (s *BridgeTestSuite) TestNewValidatesCharacteristics() {
	tests := []struct {
		name        string
		opts        Options
		notFound    bool
		unsupported bool
	}{
		{name: "unknown RX", opts: Options{RX: "2A99"}, notFound: true},
		{name: "RX not writable", opts: Options{RX: "2A19"}, unsupported: true},
		{name: "TX does not notify", opts: Options{TX: "2A19"}, unsupported: true},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			_, err := New(s.sess, s.port, tt.opts)
			s.Require().Error(err)
			if tt.notFound {
				var nf *gatt.NotFoundError
				s.ErrorAs(err, &nf)
			}
			if tt.unsupported {
				s.ErrorIs(err, gatt.ErrUnsupported)
			}
		})
	}
}
