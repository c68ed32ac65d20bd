package main

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/script"
)

func TestFormatUserError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected string
	}{
		{
			name:     "connection lost",
			err:      fmt.Errorf("watch: %w", ErrConnectionLost),
			expected: "connection to the device was lost",
		},
		{
			name:     "timeout",
			err:      fmt.Errorf("failed to connect: %w", context.DeadlineExceeded),
			expected: "operation timed out (failed to connect: context deadline exceeded)",
		},
		{
			name:     "script error with line",
			err:      fmt.Errorf("failed to execute script: %w", &script.Error{Type: "runtime", Message: "boom", Line: 3, Source: "x.lua"}),
			expected: "x.lua:3: boom",
		},
		{
			name:     "not found",
			err:      &gatt.NotFoundError{Resource: "characteristic", ID: "2a00"},
			expected: `characteristic "2a00" not found (check the UUID with 'gattlink inspect')`,
		},
		{
			name:     "scan in progress",
			err:      gatt.ErrScanInProgress,
			expected: "another scan is already running",
		},
		{
			name:     "anything else",
			err:      errors.New("plain"),
			expected: "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, FormatUserError(tt.err))
		})
	}
}

func TestFormatVersion(t *testing.T) {
	assert.Equal(t, "v1.2.3", formatVersion("1.2.3"))
	assert.Equal(t, "dev", formatVersion("dev"))
}
