package types

import (
	"errors"
	"fmt"
)

// Sentinel errors
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid file state transition")
	ErrScanInProgress    = errors.New("scan already in progress")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// ValidationError reports a malformed query or filter. The request is rejected
// and the index is untouched.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// NewValidationError creates a ValidationError
func NewValidationError(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// TransientError wraps an I/O or model failure that may succeed on retry
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// CorruptionError reports persisted state that is unreadable or inconsistent
type CorruptionError struct {
	Component string
	Err       error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("%s corrupted: %v", e.Component, e.Err)
}

func (e *CorruptionError) Unwrap() error { return e.Err }

// ConfigError reports a fatal configuration problem
type ConfigError struct {
	Setting string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Setting, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth retrying
func IsRetryable(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsValidation reports whether err is a ValidationError
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsCorruption reports whether err is a CorruptionError
func IsCorruption(err error) bool {
	var c *CorruptionError
	return errors.As(err, &c)
}

// IsConfig reports whether err is a ConfigError
func IsConfig(err error) bool {
	var c *ConfigError
	return errors.As(err, &c)
}
