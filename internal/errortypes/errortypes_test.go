package errortypes

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindsSurviveWrapping(t *testing.T) {
	auth := fmt.Errorf("connect web-1: %w", &AuthenticationError{Err: errors.New("ssh: unable to authenticate")})
	transport := fmt.Errorf("connect web-1: %w", &TransportError{Err: errors.New("dial tcp: connection refused")})

	if !IsAuthentication(auth) {
		t.Error("expected wrapped AuthenticationError to be detected")
	}
	if IsTransport(auth) {
		t.Error("AuthenticationError must not look like a TransportError")
	}
	if !IsTransport(transport) {
		t.Error("expected wrapped TransportError to be detected")
	}
	if IsAuthentication(transport) {
		t.Error("TransportError must not look like an AuthenticationError")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := errors.New("short blob")
	err := &FormatError{Err: fmt.Errorf("decrypt: %w", cause)}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the wrapped cause")
	}
	if err.Error() != "decrypt: short blob" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestIsHelpers(t *testing.T) {
	tests := []struct {
		err  error
		fn   func(error) bool
		name string
	}{
		{&FormatError{Err: errors.New("x")}, IsFormat, "format"},
		{&IntegrityError{Err: errors.New("x")}, IsIntegrity, "integrity"},
		{&PreconditionError{Err: errors.New("x")}, IsPrecondition, "precondition"},
		{&ResourceError{Err: errors.New("x")}, IsResource, "resource"},
	}
	for _, tt := range tests {
		if !tt.fn(tt.err) {
			t.Errorf("%s: helper did not match its own kind", tt.name)
		}
		if tt.fn(errors.New("plain")) {
			t.Errorf("%s: helper matched a plain error", tt.name)
		}
	}
}
