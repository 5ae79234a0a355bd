package core

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidFrequency = errors.New("invalid frequency")
	ErrNotFound         = errors.New("obligation not found")
	ErrInvalidAmount    = errors.New("invalid amount")
)

// ValidationError reports a bad registration field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// StorageError wraps any persistence failure surfaced to callers.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsValidation reports whether err is a *ValidationError or ErrInvalidFrequency.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrInvalidFrequency)
}
