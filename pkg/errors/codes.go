package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique identifier for specific error conditions in Kestrel.
type ErrorCode int

const (
	ErrCodeUnknown         ErrorCode = 1000
	ErrCodeConfigInvalid   ErrorCode = 1001
	ErrCodeInvalidArgument ErrorCode = 1002

	// IPC layer
	ErrCodeBackendUnavailable ErrorCode = 2001
	ErrCodeTimeout            ErrorCode = 2002
	ErrCodeBackendError       ErrorCode = 2003
	ErrCodeCircuitOpen        ErrorCode = 2004

	// Motor safety
	ErrCodeStageViolation          ErrorCode = 3001
	ErrCodeSafetyPreconditionUnmet ErrorCode = 3002
	ErrCodeConnectionLost          ErrorCode = 3003
	ErrCodeEmergencyStopped        ErrorCode = 3004
)

var codeNames = map[ErrorCode]string{
	ErrCodeUnknown:                 "Unknown",
	ErrCodeConfigInvalid:           "ConfigInvalid",
	ErrCodeInvalidArgument:         "InvalidArgument",
	ErrCodeBackendUnavailable:      "BackendUnavailable",
	ErrCodeTimeout:                 "Timeout",
	ErrCodeBackendError:            "BackendError",
	ErrCodeCircuitOpen:             "CircuitOpen",
	ErrCodeStageViolation:          "StageViolation",
	ErrCodeSafetyPreconditionUnmet: "SafetyPreconditionUnmet",
	ErrCodeConnectionLost:          "ConnectionLost",
	ErrCodeEmergencyStopped:        "EmergencyStopped",
}

// String returns the taxonomy name of the code.
func (c ErrorCode) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// KestrelError is a custom error type that provides structured error information,
// including an error code, the operation being performed, and the underlying cause.
type KestrelError struct {
	// Code is the specific error code.
	Code ErrorCode
	// Msg is a human-readable description of the error.
	Msg string
	// Operation describes the action being performed when the error occurred.
	Operation string
	// Err is the underlying error that caused this error, if any.
	Err error
}

// Error returns a formatted string representation of the error.
func (e *KestrelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %s (cause: %v)", e.Code, e.Operation, e.Msg, e.Err)
	}
	return fmt.Sprintf("[%d] %s: %s", e.Code, e.Operation, e.Msg)
}

// Unwrap returns the underlying error.
func (e *KestrelError) Unwrap() error {
	return e.Err
}

// New creates a new KestrelError with the specified code, operation, message, and underlying error.
func New(code ErrorCode, op, msg string, err error) error {
	return &KestrelError{
		Code:      code,
		Msg:       msg,
		Operation: op,
		Err:       err,
	}
}

// CodeOf returns the code of the outermost KestrelError in err's chain,
// or ErrCodeUnknown when there is none.
func CodeOf(err error) ErrorCode {
	var ke *KestrelError
	if stderrors.As(err, &ke) {
		return ke.Code
	}
	return ErrCodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Message returns the human-readable part of err without code or operation.
func Message(err error) string {
	var ke *KestrelError
	if stderrors.As(err, &ke) {
		if ke.Err != nil {
			return fmt.Sprintf("%s: %v", ke.Msg, ke.Err)
		}
		return ke.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Personal.AI order the ending
