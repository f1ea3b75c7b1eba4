// Package errors provides error handling for runnerd.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - Typed sentinel errors for the control-plane taxonomy
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllDetails = crdb.GetAllDetails
	GetAllHints   = crdb.GetAllHints
)

// Sentinel errors for the control-plane error taxonomy.
// Every error that crosses the wire protocol boundary is classified as one
// of these kinds. Wrap them with errors.Wrap() to add context while
// preserving the kind.
var (
	// ErrProtocol indicates a malformed request envelope
	ErrProtocol = New("protocol error")

	// ErrValidation indicates bad method parameters
	ErrValidation = New("validation error")

	// ErrNotFound indicates an unknown job or run id
	ErrNotFound = New("not found")

	// ErrConflict indicates a resource conflict: duplicate job name,
	// run_once on an already-running job, or a bind path owned by a
	// live daemon
	ErrConflict = New("conflict")

	// ErrSpawn indicates the runnable unit failed to start
	ErrSpawn = New("spawn error")

	// ErrStore indicates a durable-storage transaction failure
	ErrStore = New("store error")
)

// IsNotFound checks if an error is or wraps ErrNotFound
func IsNotFound(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsConflict checks if an error is or wraps ErrConflict
func IsConflict(err error) bool {
	return err != nil && Is(err, ErrConflict)
}

// IsValidation checks if an error is or wraps ErrValidation
func IsValidation(err error) bool {
	return err != nil && Is(err, ErrValidation)
}

// NewNotFoundf creates a not-found error with a formatted message
func NewNotFoundf(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewConflictf creates a conflict error with a formatted message
func NewConflictf(format string, args ...interface{}) error {
	return Wrap(ErrConflict, Newf(format, args...).Error())
}

// NewValidationf creates a validation error with a formatted message
func NewValidationf(format string, args ...interface{}) error {
	return Wrap(ErrValidation, Newf(format, args...).Error())
}
