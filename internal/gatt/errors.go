package gatt

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a GATT resource is not found
type NotFoundError struct {
	Resource string // "service", "characteristic", "descriptor"
	ID       string // identity the caller asked for
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// ConnectionState represents the specific kind of connection state failure
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	Disconnected     ConnectionState = "disconnected"
)

// ConnectionError represents any connection-related problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrDisconnected     = &ConnectionError{State: Disconnected}
)

// Precondition and bookkeeping errors
var (
	ErrAlreadySubscribed = errors.New("already subscribed")
	ErrNotSubscribed     = errors.New("not subscribed")
	ErrAlreadyPending    = errors.New("operation already pending")
	ErrAlreadyResolved   = errors.New("result already resolved")
	ErrClosed            = errors.New("session closed")
	ErrScanInProgress    = errors.New("scan already in progress")
	ErrUnsupported       = errors.New("unsupported")
)

// DispatchRejectedError is returned when the native stack refuses to start an operation.
// No result is pending after it is returned.
type DispatchRejectedError struct {
	Op     string
	Target string
}

func (e *DispatchRejectedError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("native stack rejected %s", e.Op)
	}
	return fmt.Sprintf("native stack rejected %s on %s", e.Op, e.Target)
}

// StatusError carries a non-success native status for a correlated operation.
type StatusError struct {
	Op     string
	Target string
	Status Status
}

func (e *StatusError) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Target != "" {
		b.WriteString(" on ")
		b.WriteString(e.Target)
	}
	fmt.Fprintf(&b, " failed: %s (0x%04x)", e.Status, uint16(e.Status))
	return b.String()
}

// Is matches another StatusError with the same code, so callers can test
// errors.Is(err, &gatt.StatusError{Status: 0x05}).
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	if !ok {
		return false
	}
	return e.Status == t.Status
}

// UnexpectedResultError reports a callback that matched a pending operation
// but carried a state other than the one the operation expects.
type UnexpectedResultError struct {
	Op       string
	Got      any
	Expected any
}

func (e *UnexpectedResultError) Error() string {
	return fmt.Sprintf("%s: unexpected result %v, expected %v", e.Op, e.Got, e.Expected)
}

// OrphanError is a failure callback that arrived with no matching pending operation.
// It is redirected to every other pending operation, or escalated as a fault.
type OrphanError struct {
	Op     string
	Target string
	Status Status
}

func (e *OrphanError) Error() string {
	if e.Target == "" {
		return fmt.Sprintf("unsolicited %s failure: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("unsolicited %s failure on %s: %s", e.Op, e.Target, e.Status)
}

// Unwrap exposes the status as a StatusError for errors.As callers.
func (e *OrphanError) Unwrap() error {
	return &StatusError{Op: e.Op, Target: e.Target, Status: e.Status}
}

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}
