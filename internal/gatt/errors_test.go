package gatt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "GATT_SUCCESS", StatusSuccess.String())
	assert.Equal(t, "GATT_ERROR", Status(0x85).String())
	assert.Equal(t, "GATT_FAILURE", Status(0x101).String())
	assert.Equal(t, "GATT_UNKNOWN(0x0042)", Status(0x42).String())
	assert.True(t, StatusSuccess.OK())
	assert.False(t, StatusGattError.OK())
}

func TestConnState_String(t *testing.T) {
	assert.Equal(t, "STATE_CONNECTED", StateConnected.String())
	assert.Equal(t, "STATE_DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "STATE_UNKNOWN(9)", ConnState(9).String())
}

func TestScanFailure_Error(t *testing.T) {
	var err error = ScanFailedAlreadyStarted
	assert.Equal(t, "scan failed: SCAN_FAILED_ALREADY_STARTED", err.Error())
	assert.True(t, errors.Is(fmt.Errorf("start: %w", err), ScanFailedAlreadyStarted))
}

func TestConnectionError_Is(t *testing.T) {
	wrapped := fmt.Errorf("read: %w", &ConnectionError{State: Disconnected, Msg: "link lost"})

	assert.True(t, errors.Is(wrapped, ErrDisconnected), "ConnectionError MUST match sentinel by state")
	assert.False(t, errors.Is(wrapped, ErrNotConnected))
	assert.True(t, IsConnectionState(wrapped, Disconnected))
	assert.Equal(t, "disconnected: link lost", errors.Unwrap(wrapped).Error())
}

func TestStatusError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &StatusError{Op: "read", Target: "0x0012", Status: 0x05})

	assert.True(t, errors.Is(err, &StatusError{Status: 0x05}), "StatusError MUST match by status code")
	assert.False(t, errors.Is(err, &StatusError{Status: 0x85}))
	assert.Contains(t, err.Error(), "read on 0x0012 failed: GATT_INSUF_AUTHENTICATION (0x0005)")
}

func TestOrphanError_UnwrapsToStatus(t *testing.T) {
	var err error = &OrphanError{Op: "onCharacteristicRead", Target: "0x0012", Status: 0x85}

	var se *StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, Status(0x85), se.Status)
	assert.Contains(t, err.Error(), "unsolicited onCharacteristicRead failure on 0x0012: GATT_ERROR")
}

func TestUnexpectedResultError(t *testing.T) {
	err := &UnexpectedResultError{Op: "connect", Got: StateConnecting, Expected: StateConnected}
	assert.Equal(t, "connect: unexpected result STATE_CONNECTING, expected STATE_CONNECTED", err.Error())
}
