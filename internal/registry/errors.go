package registry

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("provider not found")

// ValidationError reports a provider record that cannot be accepted.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid provider: %s: %s", e.Field, e.Detail)
}

func newValidationError(field, format string, a ...any) *ValidationError {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, a...)}
}
