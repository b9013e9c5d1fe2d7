// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import "fmt"

// ErrorCategory classifies command errors. The category picks the
// process exit code.
type ErrorCategory string

const (
	// CategoryValidation: bad flags, arguments or configuration.
	CategoryValidation ErrorCategory = "validation"

	// CategoryNotFound: a referenced file, room or store is missing.
	CategoryNotFound ErrorCategory = "not_found"

	// CategoryTransient: the homeserver was unreachable or rate
	// limited. Retrying later may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryInternal: everything else.
	CategoryInternal ErrorCategory = "internal"
)

// ToolError is a categorized error returned by commands. It wraps the
// underlying error so errors.Is and errors.As see through it.
type ToolError struct {
	Category ErrorCategory
	Err      error
}

func (e *ToolError) Error() string { return e.Err.Error() }

func (e *ToolError) Unwrap() error { return e.Err }

// StatusCode returns the process exit status for the category. It is
// not named ExitCode: a ToolError's message still has to be printed.
func (e *ToolError) StatusCode() int {
	switch e.Category {
	case CategoryValidation:
		return 2
	case CategoryTransient:
		return 75 // EX_TEMPFAIL
	default:
		return 1
	}
}

// Validation creates a validation error: the caller provided bad input.
func Validation(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryValidation, Err: fmt.Errorf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryNotFound, Err: fmt.Errorf(format, args...)}
}

// Transient creates a transient error: a temporary failure that may succeed on retry.
func Transient(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryTransient, Err: fmt.Errorf(format, args...)}
}

// Internal creates an internal error: an unexpected failure, bug, or I/O error.
func Internal(format string, args ...any) *ToolError {
	return &ToolError{Category: CategoryInternal, Err: fmt.Errorf(format, args...)}
}
