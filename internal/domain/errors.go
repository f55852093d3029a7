package domain

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every engine component.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// ErrConfigurationConflict means operator-managed configuration is
	// inconsistent (e.g. two ACTIVE promotions covering the same day).
	ErrConfigurationConflict = errors.New("configuration conflict")

	// ErrConcurrencyConflict means a state transition guard failed because the
	// record already moved. Callers may reload and retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrReconciliationMismatch marks a gateway transaction that could not be
	// matched to a subscriber or payment.
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")

	// ErrFeedUnavailable means the gateway feed could not be read.
	ErrFeedUnavailable = errors.New("gateway feed unavailable")
)

// ValidationError is a user-correctable input error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError for a field
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// ErrInsufficientBalance is returned when a withdrawal exceeds the wallet balance.
var ErrInsufficientBalance = NewValidationError("amount", "insufficient wallet balance")

// ErrAccessFeeAlreadyValidated is returned when a plantation already has a validated access fee.
var ErrAccessFeeAlreadyValidated = NewValidationError("kind", "access fee already validated for this plantation")

// IsValidation reports whether err is (or wraps) a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func transitionConflict(entity, id string, from, to any) error {
	return fmt.Errorf("%w: %s %s cannot move from %v to %v", ErrConcurrencyConflict, entity, id, from, to)
}
