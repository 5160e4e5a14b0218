package model

import (
	"errors"
	"fmt"
)

// ErrValidation is matched by every synchronous input rejection.
var ErrValidation = errors.New("validation failed")

// ErrNotFound is returned by stores for unknown ids.
var ErrNotFound = errors.New("not found")

// ValidationError names the offending field.
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

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
