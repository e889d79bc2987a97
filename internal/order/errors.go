package order

import (
	"errors"
	"fmt"
)

// ValidationError marks a fatal, non-retryable integration problem: the
// checkout session arrived without a field we require. Retrying cannot fix
// it, so the webhook path alerts instead of enqueueing a retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid checkout session: field %q %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
