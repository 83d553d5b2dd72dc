// Package errors provides standardized error handling for the telemetry
// pipeline. It includes error classification, sentinel errors for business
// rules, and helpers for consistent error wrapping across components.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes.
// Classification drives the queue retry decision: transient errors are
// retried with backoff, invalid errors are dropped without retry, fatal
// errors stop the consuming loop.
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or data
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Sentinel errors for common conditions
var (
	// Infrastructure errors
	ErrStoreUnavailable = errors.New("backing store unavailable")
	ErrConnectionLost   = errors.New("connection lost")
	ErrPublishFailed    = errors.New("event publish failed")

	// Ingestion and validation errors
	ErrInvalidPayload  = errors.New("invalid payload")
	ErrUnknownDevice   = errors.New("unknown device id")
	ErrUnknownCategory = errors.New("unknown telemetry category")
	ErrStaleData       = errors.New("data older than retention window")

	// Queue errors
	ErrJobNotFound    = errors.New("job not found")
	ErrQueueStopped   = errors.New("queue runner stopped")
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")

	// SPC errors
	ErrInsufficientData = errors.New("insufficient samples for control limits")
	ErrInvalidWindow    = errors.New("invalid time window")

	// Gateway errors
	ErrConnectionLimit = errors.New("connection limit exceeded for address")
)

// ClassifiedError wraps an error with its classification and origin.
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
	Message   string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return fmt.Sprintf("%s.%s: %s: %v", ce.Component, ce.Operation, ce.Message, ce.Err)
	}
	return fmt.Sprintf("%s.%s: %v", ce.Component, ce.Operation, ce.Err)
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether an error should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}
	if errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrPublishFailed) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// IsInvalid reports whether an error is due to invalid input and must not be
// retried.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrUnknownDevice) ||
		errors.Is(err, ErrUnknownCategory) ||
		errors.Is(err, ErrStaleData)
}

// IsFatal reports whether an error should stop the consuming loop.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}
	return false
}

// Classify returns the error class for an error. Unknown errors default to
// transient so the retry budget, not the classifier, bounds their lifetime.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}
	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsFatal(err) {
		return ErrorFatal
	}
	return ErrorTransient
}

// Wrap creates a standardized error with context following the pattern
// "component.operation: action failed: %w".
func Wrap(err error, component, operation, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, operation, action, err)
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Component: component,
		Operation: operation,
		Message:   message,
	}
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorTransient, err, component, operation, message)
}

// WrapInvalid wraps an error as invalid input with context
func WrapInvalid(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorInvalid, err, component, operation, message)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, operation, message string) error {
	if err == nil {
		return nil
	}
	return newClassified(ErrorFatal, err, component, operation, message)
}

// Is reports whether any error in err's chain matches target.
// Re-exported so callers don't need a second errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error that formats as the given text.
func New(text string) error { return errors.New(text) }
