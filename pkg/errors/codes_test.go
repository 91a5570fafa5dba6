package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestKestrelError_Error(t *testing.T) {
	err := New(ErrCodeConfigInvalid, "Startup", "invalid config file", nil)
	expected := "[1001] Startup: invalid config file"
	if err.Error() != expected {
		t.Errorf("Expected %q, got %q", expected, err.Error())
	}

	cause := errors.New("file not found")
	errWithCause := New(ErrCodeConfigInvalid, "Startup", "invalid config file", cause)
	expectedWithCause := "[1001] Startup: invalid config file (cause: file not found)"
	if errWithCause.Error() != expectedWithCause {
		t.Errorf("Expected %q, got %q", expectedWithCause, errWithCause.Error())
	}
}

func TestKestrelError_Unwrap(t *testing.T) {
	cause := errors.New("socket closed")
	err := New(ErrCodeBackendError, "set_motor_throttle", "backend rejected command", cause)

	if errors.Unwrap(err) != cause {
		t.Errorf("Expected cause %v, got %v", cause, errors.Unwrap(err))
	}

	errNoCause := New(ErrCodeTimeout, "get_motor_telemetry", "timed out", nil)
	if errors.Unwrap(errNoCause) != nil {
		t.Errorf("Expected nil cause, got %v", errors.Unwrap(errNoCause))
	}
}

func TestCodeOf(t *testing.T) {
	err := New(ErrCodeCircuitOpen, "motor", "circuit open", nil)
	wrapped := fmt.Errorf("dispatch: %w", err)

	if CodeOf(wrapped) != ErrCodeCircuitOpen {
		t.Errorf("Expected CircuitOpen, got %v", CodeOf(wrapped))
	}
	if !Is(wrapped, ErrCodeCircuitOpen) {
		t.Error("Is should see through fmt wrapping")
	}
	if CodeOf(errors.New("plain")) != ErrCodeUnknown {
		t.Error("plain errors should map to Unknown")
	}
	if Is(nil, ErrCodeUnknown) {
		t.Error("nil error carries no code")
	}
}

func TestErrorCode_String(t *testing.T) {
	if ErrCodeStageViolation.String() != "StageViolation" {
		t.Errorf("unexpected name %q", ErrCodeStageViolation.String())
	}
	if ErrorCode(42).String() != "ErrorCode(42)" {
		t.Errorf("unexpected name %q", ErrorCode(42).String())
	}
}

func TestMessage(t *testing.T) {
	err := New(ErrCodeBackendError, "connect_drone", "backend error", errors.New("Already connected to a drone"))
	if got := Message(err); got != "backend error: Already connected to a drone" {
		t.Errorf("unexpected message %q", got)
	}
	if Message(nil) != "" {
		t.Error("nil error has empty message")
	}
}
