package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			result := test.class.String()
			if result != test.expected {
				t.Errorf("expected %s, got %s", test.expected, result)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"not online", ErrNotOnline, true},
		{"rpc timeout", ErrRPCTimeout, true},
		{"config expired", ErrConfigExpired, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"invalid data", ErrInvalidData, false},
		{"cancelled", ErrCancelled, false},
		{"network error", fmt.Errorf("network connection failed"), true},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("test")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			result := IsTransient(test.err)
			if result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"shutting down", ErrShuttingDown, true},
		{"cancelled", ErrCancelled, true},
		{"context canceled", context.Canceled, true},
		{"connection lost", ErrConnectionLost, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("test")}, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsFatal(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestIsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"parsing failed", ErrParsingFailed, true},
		{"invalid config", ErrInvalidConfig, true},
		{"unknown message", ErrUnknownMessage, true},
		{"connection lost", ErrConnectionLost, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := IsInvalid(test.err); result != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, result, test.err)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorClass
	}{
		{"transient sentinel", ErrConnectionLost, ErrorTransient},
		{"invalid sentinel", ErrParsingFailed, ErrorInvalid},
		{"fatal sentinel", ErrCancelled, ErrorFatal},
		{"unknown defaults to transient", errors.New("something odd"), ErrorTransient},
		{"wrapped invalid keeps class", WrapInvalid(errors.New("bad"), "codec", "Decode", "parse frame"), ErrorInvalid},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if result := Classify(test.err); result != test.expected {
				t.Errorf("expected %v, got %v", test.expected, result)
			}
		})
	}
}

func TestWrap_Format(t *testing.T) {
	err := Wrap(ErrConnectionLost, "transport", "Connect", "dial socket")
	if !strings.HasPrefix(err.Error(), "transport.Connect: dial socket failed:") {
		t.Errorf("unexpected format: %s", err.Error())
	}
	if !errors.Is(err, ErrConnectionLost) {
		t.Error("wrapped error should match sentinel")
	}
	if Wrap(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}

func TestWrapHelpers_PreserveChain(t *testing.T) {
	base := fmt.Errorf("reading frame: %w", ErrParsingFailed)

	wrapped := WrapTransient(base, "rpc", "Call", "send request")
	var ce *ClassifiedError
	if !errors.As(wrapped, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "rpc" || ce.Operation != "Call" {
		t.Errorf("unexpected context: %s.%s", ce.Component, ce.Operation)
	}
	if !errors.Is(wrapped, ErrParsingFailed) {
		t.Error("sentinel should survive classification")
	}
	if !IsTransient(wrapped) {
		t.Error("explicit class should win over sentinel class")
	}

	if WrapFatal(nil, "a", "b", "c") != nil || WrapInvalid(nil, "a", "b", "c") != nil || WrapTransient(nil, "a", "b", "c") != nil {
		t.Error("wrapping nil should return nil")
	}
}
