package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrNotClaimable        = errors.New("task is not claimable")
	ErrConflict            = errors.New("conflict")
	ErrMissingComment      = errors.New("a comment is required for this approval")
	ErrUnroutableCondition = errors.New("no condition branch matched")
	ErrActivityFailed      = errors.New("activity side effect failed")
)

// ValidationError reports malformed caller input for a single field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string, args ...any) error {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	return &ValidationError{Field: field, Reason: reason}
}

// Conflictf wraps ErrConflict with a caller-facing explanation.
func Conflictf(format string, args ...any) error {
	return errors.Wrap(ErrConflict, fmt.Sprintf(format, args...))
}
