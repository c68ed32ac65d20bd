package main

import (
	"bytes"
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/srg/gattlink/internal/config"
	"github.com/srg/gattlink/internal/testutils"
)

const testDeviceAddress = "00:00:00:00:00:01"

// CommandTestSuite runs the command tree against the suite's fake peripheral.
// All command test suites embed it instead of FakePeripheralSuite.
type CommandTestSuite struct {
	testutils.FakePeripheralSuite

	restorePlatform func()
}

func (s *CommandTestSuite) SetupTest() {
	s.FakePeripheralSuite.SetupTest()

	// keep a developer's own config out of the tests
	s.T().Setenv("XDG_CONFIG_HOME", s.T().TempDir())

	prev := newPlatform
	newPlatform = func(*config.Config, *logrus.Logger) (platform, error) {
		return s.Adapter, nil
	}
	s.restorePlatform = func() { newPlatform = prev }
}

func (s *CommandTestSuite) TearDownTest() {
	if s.restorePlatform != nil {
		s.restorePlatform()
	}
	s.FakePeripheralSuite.TearDownTest()
}

// ExecuteCommand runs the CLI with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	return s.ExecuteCommandContext(context.Background(), args...)
}

func (s *CommandTestSuite) ExecuteCommandContext(ctx context.Context, args ...string) (string, string, error) {
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return stdout.String(), stderr.String(), err
}

// Lines splits command output into non-empty lines.
func (s *CommandTestSuite) Lines(out string) []string {
	var lines []string
	for _, l := range strings.Split(out, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
