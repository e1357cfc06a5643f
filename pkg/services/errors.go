package services

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job ID is unknown.
	ErrJobNotFound = errors.New("job not found")

	// ErrSessionNotFound is returned when a chat session ID is unknown.
	ErrSessionNotFound = errors.New("chat session not found")

	// ErrRunNotFound is returned when a chat run ID is unknown.
	ErrRunNotFound = errors.New("chat run not found")
)

// ValidationError wraps field-specific validation errors
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string) error {
	return &ValidationError{
		Field:   field,
		Message: message,
	}
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ConflictError is returned when an operation collides with an active job or
// chat run. The message is safe to surface to API callers.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// NewConflictError creates a new conflict error
func NewConflictError(message string) error {
	return &ConflictError{Message: message}
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// NotFoundError is returned for missing files and other lookups that need a
// caller-facing message beyond the fixed entity sentinels.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(message string) error {
	return &NotFoundError{Message: message}
}

// IsNotFoundError checks if an error is any not-found variant
func IsNotFoundError(err error) bool {
	var nf *NotFoundError
	if errors.As(err, &nf) {
		return true
	}
	return errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrSessionNotFound) ||
		errors.Is(err, ErrRunNotFound)
}
