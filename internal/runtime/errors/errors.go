package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrUnsupportedSecurityProtocol = sterrors.New("plasmido: unexpected security protocol")
	ErrBrokerListRequired          = sterrors.New("plasmido: broker list is required")
	ErrDuplicateEvent              = sterrors.New("plasmido: consumed event already stored")
	ErrNotFound                    = sterrors.New("plasmido: record not found")
	ErrTaskPanicked                = sterrors.New("plasmido: task panicked")
	ErrTopicRequired               = sterrors.New("plasmido: topic is required")
	ErrWorkbookRequired            = sterrors.New("plasmido: workbook uuid is required")
	ErrWorkbookRunning             = sterrors.New("plasmido: workbook is already running")
	ErrSchemaIDRequired            = sterrors.New("plasmido: schema id is required")
	ErrInvalidWireFormat           = sterrors.New("plasmido: payload is not in schema registry wire format")
	ErrRegistryUnavailable         = sterrors.New("plasmido: schema registry is not connected")
	ErrUnknownCommand              = sterrors.New("plasmido: unknown command")
	ErrConfigRequired              = sterrors.New("plasmido: configuration is required")
	ErrLoggerRequired              = sterrors.New("plasmido: logger is required")
)

// ConfigurationError is returned when stored or runtime configuration cannot
// be turned into a working client. It is fatal for the operation that hit it.
type ConfigurationError struct {
	Field string
	Value string
	Err   error
}

func (e *ConfigurationError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("plasmido: invalid %s %q: %v", e.Field, e.Value, e.Err)
	}
	return fmt.Sprintf("plasmido: invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError wraps err. It returns nil when err is nil.
func NewConfigurationError(field, value string, err error) error {
	if err == nil {
		return nil
	}
	return &ConfigurationError{Field: field, Value: value, Err: err}
}

// ConnectionError reports an unreachable broker or schema registry.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("plasmido: cannot connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError wraps err. It returns nil when err is nil.
func NewConnectionError(target string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnectionError{Target: target, Err: err}
}

// IsConnectionError reports whether err carries a ConnectionError.
func IsConnectionError(err error) bool {
	var target *ConnectionError
	return sterrors.As(err, &target)
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var target *ConfigurationError
	return sterrors.As(err, &target)
}

// PanicError carries a value recovered from a panicking task.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%v: %v", ErrTaskPanicked, e.Value)
}

func (e *PanicError) Unwrap() error {
	return ErrTaskPanicked
}
