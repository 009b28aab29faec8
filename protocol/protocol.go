// Package protocol provides the wire types the bridge exchanges with
// observers. It is importable without pulling in server or driver
// dependencies.
package protocol

// Severity classifies a system message.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeveritySuccess, SeverityWarning, SeverityError:
		return true
	}
	return false
}

// StatusUpdatePayload is the full reader state snapshot sent after every
// change.
type StatusUpdatePayload struct {
	ReaderConnected bool             `json:"readerConnected"`
	ReaderName      string           `json:"readerName"`
	CardPresent     bool             `json:"cardPresent"`
	LastCardInfo    *CardInfoPayload `json:"lastCardInfo"`
}

// CardInfoPayload describes the last card read. Byte fields are lowercase
// hex; optional fields are omitted when the probe step did not succeed.
type CardInfoPayload struct {
	Detected     bool   `json:"detected"`
	ATR          string `json:"atr"`
	TimeDetected string `json:"timeDetected"` // RFC3339 format
	Type         string `json:"type"`
	UID          string `json:"uid,omitempty"`
	IDm          string `json:"idm,omitempty"`
	PMm          string `json:"pmm,omitempty"`
}

// SystemMessagePayload is a one-line advisory. The severity travels in the
// "type" field.
type SystemMessagePayload struct {
	Message string   `json:"message"`
	Type    Severity `json:"type"`
}

// ServiceRestartTipPayload carries operator remediation guidance, sent when
// automatic recovery gives up.
type ServiceRestartTipPayload struct {
	Message string `json:"message"`
}

// CommandResultPayload acknowledges an operator command.
type CommandResultPayload struct {
	Command  string `json:"command"`
	Accepted bool   `json:"accepted"`
}

// HealthPayload is returned by the health endpoint.
type HealthPayload struct {
	Status           string              `json:"status"`
	Version          string              `json:"version"`
	Driver           string              `json:"driver"`
	RecoveryState    string              `json:"recoveryState"`
	RecoveryAttempts int                 `json:"recoveryAttempts"`
	MaxAttempts      int                 `json:"maxAttempts"`
	Reader           StatusUpdatePayload `json:"reader"`
}
