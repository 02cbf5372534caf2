// Package services holds the database-facing domain services. Each
// service wraps the shared pgx pool; none keeps state beyond it.
package services

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when content already exists (same hash,
	// same URL).
	ErrDuplicate = errors.New("entity already exists")

	// ErrNoWork is returned by pick-next queries when nothing qualifies.
	ErrNoWork = errors.New("no work available")
)

// ValidationError wraps field-specific validation errors.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidationError checks if an error is a validation error.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// errorMessageLimit bounds error text persisted to status columns.
const errorMessageLimit = 500

// truncate bounds stored error and log messages.
func truncate(msg string, limit int) string {
	if len(msg) > limit {
		return msg[:limit]
	}
	return msg
}
