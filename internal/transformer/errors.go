package transformer

import (
	"errors"
	"fmt"
)

// ErrDuplicateTransformer is returned when a format name is registered twice.
// Registration happens during startup and the caller treats this as fatal.
var ErrDuplicateTransformer = errors.New("duplicate transformer registration")

// UnsupportedSchemaError means the request body is not the expected schema:
// not JSON at all, or a required field is absent.
type UnsupportedSchemaError struct {
	Detail string
}

func (e *UnsupportedSchemaError) Error() string {
	return "unsupported schema: " + e.Detail
}

// InvalidFieldError means a field is present but has the wrong shape, such as
// a non-numeric temperature.
type InvalidFieldError struct {
	Field  string
	Detail string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Detail)
}

// NewUnsupportedSchema and NewInvalidField build the decode errors for the
// transformer implementations in subpackages.
func NewUnsupportedSchema(format string, a ...any) error {
	return &UnsupportedSchemaError{Detail: fmt.Sprintf(format, a...)}
}

func NewInvalidField(field, format string, a ...any) error {
	return &InvalidFieldError{Field: field, Detail: fmt.Sprintf(format, a...)}
}
