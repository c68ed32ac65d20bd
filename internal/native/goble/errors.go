package goble

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-ble/ble"

	"github.com/srg/gattlink/internal/gatt"
)

// ErrBluetoothOff is returned when the host controller is powered off.
var ErrBluetoothOff = errors.New("bluetooth is turned off")

// NormalizeError maps known go-ble error strings to structured errors.
// It ensures consistent handling even if the upstream library changes messages slightly.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case msg == "central manager has invalid state: have=4 want=5: is Bluetooth turned on?":
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "bluetooth is turned off"):
		return fmt.Errorf("%w: %v", ErrBluetoothOff, err)
	case containsIgnoreCase(msg, "device not connected"), containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", gatt.ErrNotConnected, err)
	case containsIgnoreCase(msg, "device already connected"):
		return fmt.Errorf("%w: %v", gatt.ErrAlreadyConnected, err)
	case containsIgnoreCase(msg, "not supported"):
		return fmt.Errorf("%w: %v", gatt.ErrUnsupported, err)
	default:
		return err
	}
}

// statusOf converts a go-ble call result into the native status reported in
// the completion event. ATT protocol errors keep their code.
func statusOf(err error) gatt.Status {
	if err == nil {
		return gatt.StatusSuccess
	}
	var attErr ble.ATTError
	if errors.As(err, &attErr) {
		return gatt.Status(attErr)
	}
	if errors.Is(NormalizeError(err), gatt.ErrUnsupported) {
		return gatt.StatusNotSupported
	}
	return gatt.StatusGattError
}

// scanFailureOf classifies a scan error.
func scanFailureOf(err error) gatt.ScanFailure {
	switch err = NormalizeError(err); {
	case errors.Is(err, ErrBluetoothOff), errors.Is(err, gatt.ErrUnsupported):
		return gatt.ScanFailedFeatureUnsupported
	case containsIgnoreCase(err.Error(), "already"):
		return gatt.ScanFailedAlreadyStarted
	default:
		return gatt.ScanFailedInternalError
	}
}

// containsIgnoreCase checks the substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
