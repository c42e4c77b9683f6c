package errors

import (
	"errors"
	"fmt"
)

// ErrorType defines different categories of errors
type ErrorType string

const (
	ErrorTypeValidation            ErrorType = "VALIDATION"
	ErrorTypeNotFound              ErrorType = "NOT_FOUND"
	ErrorTypeInternal              ErrorType = "INTERNAL"
	ErrorTypeFillFailed            ErrorType = "FILL_FAILED"
	ErrorTypeCircuitOpen           ErrorType = "CIRCUIT_OPEN"
	ErrorTypeSubscriptionClosed    ErrorType = "SUBSCRIPTION_CLOSED"
	ErrorTypeInvalidationCondition ErrorType = "INVALIDATION_CONDITION"
)

// AppError is the custom error type for the application
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// Constructor functions for different error types

// NewValidation creates a validation error
func NewValidation(message string) error {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewNotFound creates a not found error
func NewNotFound(message string) error {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewFillFailed wraps a failed cache fill. The failure is never cached;
// the next access retries the fill.
func NewFillFailed(key string, err error) error {
	return &AppError{
		Type:    ErrorTypeFillFailed,
		Message: fmt.Sprintf("cache fill failed for key %q", key),
		Err:     err,
	}
}

// NewCircuitOpen creates a fast-fail error for an open circuit. The
// underlying operation was not attempted.
func NewCircuitOpen(operation string) error {
	return &AppError{
		Type:    ErrorTypeCircuitOpen,
		Message: fmt.Sprintf("circuit open for operation %q", operation),
	}
}

// NewSubscriptionClosed creates the terminal error surfaced to a subscriber
// after retries are exhausted or the subscription is explicitly closed.
func NewSubscriptionClosed(key string, err error) error {
	return &AppError{
		Type:    ErrorTypeSubscriptionClosed,
		Message: fmt.Sprintf("subscription %q closed", key),
		Err:     err,
	}
}

// NewInvalidationCondition records a rule predicate failure. The rule is
// skipped; other rules still apply.
func NewInvalidationCondition(eventType string, err error) error {
	return &AppError{
		Type:    ErrorTypeInvalidationCondition,
		Message: fmt.Sprintf("invalidation condition failed for event %q", eventType),
		Err:     err,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve the type
	if appErr, ok := err.(*AppError); ok {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}

	// Otherwise, create an internal error
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// Type checking functions

// isType walks the whole chain so a wrapped error keeps its identity, e.g. a
// circuit rejection inside a failed fill is still a circuit rejection.
func isType(err error, t ErrorType) bool {
	for err != nil {
		var appErr *AppError
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Type == t {
			return true
		}
		err = appErr.Unwrap()
	}
	return false
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return isType(err, ErrorTypeValidation)
}

// IsNotFound checks if an error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

// IsInternal checks if an error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrorTypeInternal)
}

// IsFillFailed checks if an error came from a failed cache fill
func IsFillFailed(err error) bool {
	return isType(err, ErrorTypeFillFailed)
}

// IsCircuitOpen checks if an error is a circuit breaker rejection
func IsCircuitOpen(err error) bool {
	return isType(err, ErrorTypeCircuitOpen)
}

// IsSubscriptionClosed checks if an error is a terminal subscription error
func IsSubscriptionClosed(err error) bool {
	return isType(err, ErrorTypeSubscriptionClosed)
}

// IsInvalidationCondition checks if an error came from a rule predicate
func IsInvalidationCondition(err error) bool {
	return isType(err, ErrorTypeInvalidationCondition)
}
