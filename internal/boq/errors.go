package boq

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidState indicates the operation is not valid for the entity's
// current state, e.g. resolving an already-resolved exception.
var ErrInvalidState = errors.New("invalid state")

// ValidationError reports a malformed request. It is returned synchronously
// from the call that produced it and never swallowed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
