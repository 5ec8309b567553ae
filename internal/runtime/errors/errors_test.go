package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrUnsupportedSecurityProtocol", ErrUnsupportedSecurityProtocol, "plasmido: unexpected security protocol"},
		{"ErrDuplicateEvent", ErrDuplicateEvent, "plasmido: consumed event already stored"},
		{"ErrNotFound", ErrNotFound, "plasmido: record not found"},
		{"ErrTaskPanicked", ErrTaskPanicked, "plasmido: task panicked"},
		{"ErrTopicRequired", ErrTopicRequired, "plasmido: topic is required"},
		{"ErrConfigRequired", ErrConfigRequired, "plasmido: configuration is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestConfigurationError(t *testing.T) {
	err := NewConfigurationError("protocol", "SASL/GSSAPI", ErrUnsupportedSecurityProtocol)

	if !errors.Is(err, ErrUnsupportedSecurityProtocol) {
		t.Error("ConfigurationError should unwrap to the sentinel")
	}
	if !IsConfigurationError(err) {
		t.Error("IsConfigurationError should detect the typed error")
	}
	want := `plasmido: invalid protocol "SASL/GSSAPI": plasmido: unexpected security protocol`
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if NewConfigurationError("x", "", nil) != nil {
		t.Error("NewConfigurationError(nil) should return nil")
	}
}

func TestConnectionError(t *testing.T) {
	inner := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("producer: %w", NewConnectionError("broker localhost:9092", inner))

	if !IsConnectionError(err) {
		t.Fatal("IsConnectionError should see through wrapping")
	}
	if !errors.Is(err, inner) {
		t.Error("ConnectionError should unwrap to the cause")
	}
	if IsConnectionError(inner) {
		t.Error("plain errors are not connection errors")
	}
	if NewConnectionError("x", nil) != nil {
		t.Error("NewConnectionError(nil) should return nil")
	}
}

func TestPanicError(t *testing.T) {
	err := &PanicError{Value: "boom"}
	if !errors.Is(err, ErrTaskPanicked) {
		t.Error("PanicError should match ErrTaskPanicked")
	}
	if err.Error() != "plasmido: task panicked: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
