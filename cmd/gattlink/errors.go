package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/gattlink/internal/gatt"
	"github.com/srg/gattlink/internal/script"
)

// ErrConnectionLost indicates the link dropped while a command was still using it.
var ErrConnectionLost = errors.New("connection lost")

// FormatUserError turns an error chain into a single line for the terminal.
func FormatUserError(err error) string {
	var (
		notFound  *gatt.NotFoundError
		status    *gatt.StatusError
		rejected  *gatt.DispatchRejectedError
		scriptErr *script.Error
	)
	switch {
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("operation timed out (%v)", err)
	case errors.As(err, &scriptErr):
		if scriptErr.Line > 0 {
			return fmt.Sprintf("%s:%d: %s", scriptErr.Source, scriptErr.Line, scriptErr.Message)
		}
		return scriptErr.Error()
	case errors.As(err, &notFound):
		return fmt.Sprintf("%s (check the UUID with 'gattlink inspect')", notFound.Error())
	case errors.As(err, &status):
		return fmt.Sprintf("device rejected the request: %s", status.Error())
	case errors.As(err, &rejected):
		return fmt.Sprintf("the Bluetooth stack refused to start %s; is the adapter powered on?", rejected.Op)
	case errors.Is(err, gatt.ErrScanInProgress):
		return "another scan is already running"
	}
	return err.Error()
}
