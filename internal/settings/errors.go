package settings

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is wrapped when a numeric field is outside its domain.
	ErrOutOfRange = errors.New("settings: value out of range")

	// ErrRequired is wrapped when a field that another field depends on is
	// empty.
	ErrRequired = errors.New("settings: value required")
)

// ConfigValidationError names the settings field that failed validation or
// decoding. Callers that reload settings keep the previous document when
// they see one.
type ConfigValidationError struct {
	Field string
	Err   error
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("settings: field %q: %v", e.Field, e.Err)
}

func (e *ConfigValidationError) Unwrap() error { return e.Err }

func invalid(field string, err error) *ConfigValidationError {
	return &ConfigValidationError{Field: field, Err: err}
}
