package nfc

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode represents a specific type of reader error for programmatic handling.
type ErrorCode int

const (
	// Subsystem errors (100-199)
	ErrCodeServiceUnavailable ErrorCode = iota + 100
	ErrCodeTimeout
	ErrCodeNoReader
	ErrCodeCancelled
	ErrCodeReaderRemoved
	ErrCodeSubsystem
)

const (
	// Card session errors (200-299)
	ErrCodeConnectFailed ErrorCode = iota + 200
	ErrCodeTransmitFailed
	ErrCodeDisconnectFailed
	ErrCodeNoCard
)

// NFCError provides structured error information for programmatic handling.
type NFCError struct {
	Code    ErrorCode
	Op      string // Operation that failed (e.g., "Connect", "Transmit")
	Reader  string // Optional: reader involved
	Message string // Human-readable message
	Cause   error  // Underlying error
}

func (e *NFCError) Error() string {
	var sb strings.Builder
	if e.Op != "" {
		sb.WriteString(e.Op)
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}
	return sb.String()
}

func (e *NFCError) Unwrap() error {
	return e.Cause
}

func (e *NFCError) Is(target error) bool {
	if t, ok := target.(*NFCError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewServiceUnavailableError reports that the smart card service is gone.
func NewServiceUnavailableError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeServiceUnavailable,
		Op:      op,
		Message: "SCARD_E_NO_SERVICE: smart card service not available",
		Cause:   cause,
	}
}

// NewTimeoutError reports a subsystem call that timed out.
func NewTimeoutError(op string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeTimeout,
		Op:      op,
		Message: "SCARD_E_TIMEOUT: timeout",
		Cause:   cause,
	}
}

// NewConnectError creates an error for card session failures.
func NewConnectError(reader string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeConnectFailed,
		Op:      "Connect",
		Reader:  reader,
		Message: "card connect failed",
		Cause:   cause,
	}
}

// NewTransmitError creates an error for transmit failures.
func NewTransmitError(reader string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeTransmitFailed,
		Op:      "Transmit",
		Reader:  reader,
		Message: "transmit failed",
		Cause:   cause,
	}
}

// NewDisconnectError creates an error for disconnect failures.
func NewDisconnectError(reader string, cause error) *NFCError {
	return &NFCError{
		Code:    ErrCodeDisconnectFailed,
		Op:      "Disconnect",
		Reader:  reader,
		Message: "disconnect failed",
		Cause:   cause,
	}
}

// fatalPatterns are message fragments that mean the subsystem itself is
// unusable and has to be rebuilt.
var fatalPatterns = []string{
	"scard_e_no_service",
	"scard_e_service_stopped",
	"scard_e_timeout",
	"service not available",
	"service unavailable",
	"service stopped",
	"timeout",
	"timed out",
}

// IsFatal reports whether err means the subsystem connection must be rebuilt.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		switch nfcErr.Code {
		case ErrCodeServiceUnavailable, ErrCodeTimeout:
			return true
		}
	}
	// Fallback to string matching, driver messages are not always typed
	return IsFatalMessage(err.Error())
}

// IsFatalMessage applies the fatal pattern match to a raw message.
func IsFatalMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range fatalPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// GetErrorCode extracts the ErrorCode from an error if it's an NFCError.
// Returns 0 if the error is not an NFCError.
func GetErrorCode(err error) ErrorCode {
	var nfcErr *NFCError
	if errors.As(err, &nfcErr) {
		return nfcErr.Code
	}
	return 0
}

// WrapError wraps an existing error with reader context.
func WrapError(code ErrorCode, op, message string, cause error) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: message,
		Cause:   cause,
	}
}

// Errorf creates an NFCError with a formatted message.
func Errorf(code ErrorCode, op, format string, args ...any) *NFCError {
	return &NFCError{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}
