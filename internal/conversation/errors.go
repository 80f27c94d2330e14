// ABOUTME: Error taxonomy for the conversation layer
// ABOUTME: Validation, forbidden and conflict sentinels; not-found comes from the store

package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a request rejected before any work was scheduled.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden is returned when the requester is not a member of the conversation.
	ErrForbidden = errors.New("not a member of the conversation")

	// ErrConflict is returned when a duplicate create for a member set could not
	// be reconciled with the conversation that won the race.
	ErrConflict = errors.New("conflicting conversation for member set")
)

// ValidationError describes which field was rejected. It unwraps to ErrValidation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
