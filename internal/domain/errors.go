package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across packages.
var (
	// ErrNotFound signals an unknown rule, template, or transaction id.
	ErrNotFound = errors.New("record not found")

	// ErrConflict signals a match whose score fell below the rule's
	// confidence threshold. Recoverable: the caller is expected to ask
	// for manual confirmation, not to retry.
	ErrConflict = errors.New("confidence below threshold")
)

// ValidationError reports malformed rule input: empty conditions, an
// uncompilable regex or expression, or a missing action field. Raised at
// save/test time only, never mid-evaluation.
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

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
