package gatt

import "fmt"

// Status is a native GATT status code as reported by a platform callback.
type Status uint16

// StatusSuccess is the only status that denotes a successful operation.
const StatusSuccess Status = 0x0000

var statusNames = map[Status]string{
	0x0000: "GATT_SUCCESS",
	0x0001: "GATT_INVALID_HANDLE",
	0x0002: "GATT_READ_NOT_PERMIT",
	0x0003: "GATT_WRITE_NOT_PERMIT",
	0x0004: "GATT_INVALID_PDU",
	0x0005: "GATT_INSUF_AUTHENTICATION",
	0x0006: "GATT_REQ_NOT_SUPPORTED",
	0x0007: "GATT_INVALID_OFFSET",
	0x0008: "GATT_INSUF_AUTHORIZATION",
	0x0009: "GATT_PREPARE_Q_FULL",
	0x000A: "GATT_NOT_FOUND",
	0x000B: "GATT_NOT_LONG",
	0x000C: "GATT_INSUF_KEY_SIZE",
	0x000D: "GATT_INVALID_ATTR_LEN",
	0x000E: "GATT_ERR_UNLIKELY",
	0x000F: "GATT_INSUF_ENCRYPTION",
	0x0010: "GATT_UNSUPPORT_GRP_TYPE",
	0x0011: "GATT_INSUF_RESOURCE",
	0x0012: "GATT_DATABASE_OUT_OF_SYNC",
	0x0013: "GATT_VALUE_NOT_ALLOWED",
	0x0014: "BLU_REM_TERM_CONN_LOW_RES",
	0x0015: "BLU_REM_TERM_CONN_POW_OFF",
	0x0016: "BLU_LOC_TERM_CONN",
	0x0017: "BLU_REPEATED_ATTEMPTS",
	0x0018: "BLU_PAIRING_NOT_ALLOWED",
	0x007F: "GATT_TOO_SHORT",
	0x0080: "GATT_NO_RESOURCES",
	0x0081: "GATT_INTERNAL_ERROR",
	0x0082: "GATT_WRONG_STATE",
	0x0083: "GATT_DB_FULL",
	0x0084: "GATT_BUSY",
	0x0085: "GATT_ERROR",
	0x0086: "GATT_CMD_STARTED",
	0x0087: "GATT_ILLEGAL_PARAMETER",
	0x0088: "GATT_PENDING",
	0x0089: "GATT_AUTH_FAIL",
	0x008A: "GATT_MORE",
	0x008B: "GATT_INVALID_CFG",
	0x008C: "GATT_SERVICE_STARTED",
	0x008D: "GATT_ENCRYPED_NO_MITM",
	0x008E: "GATT_NOT_ENCRYPTED",
	0x008F: "GATT_CONGESTED",
	0x0090: "GATT_DUP_REG",
	0x0091: "GATT_ALREADY_OPEN",
	0x0092: "GATT_CANCEL",
	0x00FD: "GATT_CCC_CFG_ERR",
	0x00FE: "GATT_PRC_IN_PROGRESS",
	0x00FF: "GATT_OUT_OF_RANGE",
	0x0101: "GATT_FAILURE",
}

// Common failure codes adapters report when the platform gives no finer detail.
const (
	StatusGattError    Status = 0x0085
	StatusInternal     Status = 0x0081
	StatusNotSupported Status = 0x0006
	StatusFailure      Status = 0x0101
)

// OK reports whether the status denotes success.
func (s Status) OK() bool { return s == StatusSuccess }

// String returns the symbolic name, or the hex code for unknown statuses.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("GATT_UNKNOWN(0x%04x)", uint16(s))
}

// ConnState is a link-level connection state carried by connection-state events.
type ConnState int

const (
	StateDisconnected  ConnState = 0
	StateConnecting    ConnState = 1
	StateConnected     ConnState = 2
	StateDisconnecting ConnState = 3
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "STATE_DISCONNECTED"
	case StateConnecting:
		return "STATE_CONNECTING"
	case StateConnected:
		return "STATE_CONNECTED"
	case StateDisconnecting:
		return "STATE_DISCONNECTING"
	default:
		return fmt.Sprintf("STATE_UNKNOWN(%d)", int(s))
	}
}

// ScanFailure is the reason code a native scanner reports when a scan cannot run.
type ScanFailure int

const (
	ScanFailedAlreadyStarted                ScanFailure = 1
	ScanFailedApplicationRegistrationFailed ScanFailure = 2
	ScanFailedInternalError                 ScanFailure = 3
	ScanFailedFeatureUnsupported            ScanFailure = 4
)

func (f ScanFailure) String() string {
	switch f {
	case ScanFailedAlreadyStarted:
		return "SCAN_FAILED_ALREADY_STARTED"
	case ScanFailedApplicationRegistrationFailed:
		return "SCAN_FAILED_APPLICATION_REGISTRATION_FAILED"
	case ScanFailedInternalError:
		return "SCAN_FAILED_INTERNAL_ERROR"
	case ScanFailedFeatureUnsupported:
		return "SCAN_FAILED_FEATURE_UNSUPPORTED"
	default:
		return fmt.Sprintf("SCAN_FAILED_UNKNOWN(%d)", int(f))
	}
}

// Error makes a ScanFailure usable as an error value.
func (f ScanFailure) Error() string {
	return "scan failed: " + f.String()
}
