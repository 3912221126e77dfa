package resource

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("resource not found")
	ErrDeleted         = errors.New("resource deleted")
	ErrInvalidResource = errors.New("invalid resource")
	ErrValidation      = errors.New("invalid search parameter")
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("resource already exists")
	ErrUnsupported     = errors.New("unsupported resource type")
)

// InvalidResourceError names the offending element of a rejected resource.
type InvalidResourceError struct {
	Field  string
	Reason string
}

func (e *InvalidResourceError) Error() string {
	if e.Field == "" {
		return "invalid resource: " + e.Reason
	}
	return fmt.Sprintf("invalid resource: %s: %s", e.Field, e.Reason)
}

func (e *InvalidResourceError) Unwrap() error { return ErrInvalidResource }

func invalid(field, reason string) error {
	return &InvalidResourceError{Field: field, Reason: reason}
}

// ValidationError reports a malformed search parameter.
type ValidationError struct {
	Param  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid search parameter %s: %s", e.Param, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// VersionConflictError reports a failed If-Match precondition.
type VersionConflictError struct {
	Expected string
	Current  string
}

func (e *VersionConflictError) Error() string {
	return fmt.Sprintf("version conflict: expected version %s but resource is at version %s", e.Expected, e.Current)
}

func (e *VersionConflictError) Unwrap() error { return ErrVersionConflict }
