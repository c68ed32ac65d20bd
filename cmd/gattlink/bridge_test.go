package main

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/srg/gattlink/internal/bridge"
	"github.com/srg/gattlink/internal/ptyio"
	"github.com/srg/gattlink/internal/testutils"
)

// fakePTY stands in for a PTY pair.
type fakePTY struct {
	mu      sync.Mutex
	out     bytes.Buffer
	handler ptyio.ReadHandler
	link    string
	closed  bool
}

func (p *fakePTY) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.Write(data)
}

func (p *fakePTY) SetReadHandler(h ptyio.ReadHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = h
}

func (p *fakePTY) Name() string { return "/dev/pts/42" }

func (p *fakePTY) Symlink(path string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.link = path
	return nil
}

func (p *fakePTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePTY) input(data string) bool {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h([]byte(data))
	return true
}

func (p *fakePTY) output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out.String()
}

type BridgeCommandTestSuite struct {
	CommandTestSuite

	pty         *fakePTY
	ptyOpts     ptyio.Options
	restorePort func()
}

func TestBridgeCommandTestSuite(t *testing.T) {
	suite.Run(t, new(BridgeCommandTestSuite))
}

func (s *BridgeCommandTestSuite) SetupTest() {
	s.WithPeripheral().FromJSON(`
		{
			"services": [
				{
					"uuid": "%s",
					"characteristics": [
						{ "uuid": "%s", "properties": "write,write-without-response" },
						{ "uuid": "%s", "properties": "notify" }
					]
				}
			]
		}`, bridge.NUSService, bridge.NUSRX, bridge.NUSTX)
	s.CommandTestSuite.SetupTest()

	s.pty = &fakePTY{}
	prev := openPort
	openPort = func(opts ptyio.Options) (ptyPort, error) {
		s.ptyOpts = opts
		return s.pty, nil
	}
	s.restorePort = func() { openPort = prev }
}

func (s *BridgeCommandTestSuite) TearDownTest() {
	s.restorePort()
	s.CommandTestSuite.TearDownTest()
}

func (s *BridgeCommandTestSuite) TestBridgeRelaysBothWays() {
	// GOAL: Verify the bridge command wires the PTY to the UART service
	//
	// TEST SCENARIO: bridge running → TX notification reaches the PTY → PTY input is written to RX → Ctrl+C ends cleanly

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		stderr string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		_, stderr, err := s.ExecuteCommandContext(ctx, "bridge", testDeviceAddress, "--symlink", "/tmp/uart")
		done <- result{stderr, err}
	}()

	s.WaitCall(testutils.MethodSetNotify)
	s.Require().Eventually(func() bool { return s.pty.input("ping") }, s.TestTimeout, 5*time.Millisecond,
		"bridge MUST install the PTY handler")

	c := s.WaitCall(testutils.MethodWriteCharacteristic)
	s.Equal("ping", string(c.Value))
	s.False(c.WithResponse)

	s.Adapter.Notify(s.Peripheral.Handle(bridge.NUSTX), []byte("pong"))
	s.Eventually(func() bool { return s.pty.output() == "pong" }, s.TestTimeout, 5*time.Millisecond)

	cancel()
	select {
	case r := <-done:
		s.NoError(r.err, "interrupting the bridge MUST NOT be an error")
		s.Contains(r.stderr, "Bridge ready on /tmp/uart -> /dev/pts/42")
	case <-time.After(s.TestTimeout):
		s.FailNow("bridge command did not stop")
	}
	s.Equal("/tmp/uart", s.pty.link)
	s.True(s.pty.closed, "PTY MUST be closed on exit")
	s.Equal(4096, s.ptyOpts.WriteBuffer, "PTY buffer MUST come from the config")
}

func (s *BridgeCommandTestSuite) TestBridgeRequiresService() {
	_, _, err := s.ExecuteCommand("bridge", testDeviceAddress, "--service", "180F")
	s.Require().Error(err)
	s.Contains(err.Error(), "does not expose the bridge service")
	s.Nil(s.ptyOpts.Logger, "PTY MUST NOT be opened without the service")
}
