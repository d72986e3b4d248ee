// Package errors consolidates error definitions for the relink controller.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
// - A validation-error collector for policy and config checks
//
// Failure classifications for the escalation policy are NOT errors; they
// live in internal/conn. The mapping from a stage error to a classification
// happens exactly once, at the stage boundary, so telemetry consumers never
// see an unclassified failure.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Driver / stage errors
	ErrDriverFault   = errors.New("radio driver fault")
	ErrScanFailed    = errors.New("scan failed")
	ErrAssocRejected = errors.New("association rejected")
	ErrAssocTimeout  = errors.New("association timed out")
	ErrNoLease       = errors.New("no address lease obtained")
	ErrListenerBind  = errors.New("listener bind failed")

	// Lifecycle errors
	ErrBusy             = errors.New("connection cycle in progress")
	ErrNotFaulted       = errors.New("controller is not faulted")
	ErrAlreadyRunning   = errors.New("controller already running")
	ErrStopped          = errors.New("controller stopped")
	ErrInvalidState     = errors.New("invalid state")
	ErrImpossibleStep   = errors.New("transition requested from impossible state")
	ErrNoPolicy         = errors.New("no network policy applied")
	ErrCredentialsUnset = errors.New("credentials not set")

	// Validation errors
	ErrInvalidPolicy  = errors.New("invalid policy")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingField   = errors.New("missing required field")
	ErrInvalidCommand = errors.New("invalid command")

	// Session / transport errors
	ErrSessionClosed = errors.New("session is closed")
	ErrTimeout       = errors.New("operation timed out")

	// Persistence errors
	ErrNotFound    = errors.New("not found")
	ErrStoreClosed = errors.New("metastore is closed")
)

// ============================================================================
// Category checks
// ============================================================================

// Is reports whether any error in err's chain matches target.
// Re-exported so callers need only this package.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// New returns an error that formats as the given text.
func New(text string) error {
	return errors.New(text)
}

// IsRetryable reports whether the error describes a condition the
// escalation policy can recover from. Everything except invariant
// violations is retryable; invariant violations are firmware bugs.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrImpossibleStep)
}

// IsBusy reports whether the error is a busy rejection.
func IsBusy(err error) bool {
	return errors.Is(err, ErrBusy)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// ============================================================================
// Validation Errors Collection
// ============================================================================

// ValidationErrors collects multiple validation errors.
type ValidationErrors struct {
	Errors []error
}

// NewValidationErrors creates a new ValidationErrors collector.
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{}
}

// Add adds an error to the collection.
func (v *ValidationErrors) Add(err error) {
	if err != nil {
		v.Errors = append(v.Errors, err)
	}
}

// AddField adds a field validation error.
func (v *ValidationErrors) AddField(field, reason string) {
	v.Errors = append(v.Errors, NewValidation(field, reason))
}

// AddMissing adds a missing field error.
func (v *ValidationErrors) AddMissing(field string) {
	v.Errors = append(v.Errors, NewMissingField(field))
}

// HasErrors returns true if there are any errors.
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface.
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}
	if len(v.Errors) == 1 {
		return v.Errors[0].Error()
	}

	msg := fmt.Sprintf("validation failed with %d errors:", len(v.Errors))
	for _, err := range v.Errors {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Err returns nil if no errors, otherwise returns the ValidationErrors.
func (v *ValidationErrors) Err() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}

// Unwrap returns the first error for errors.Is/As support.
func (v *ValidationErrors) Unwrap() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v.Errors[0]
}
