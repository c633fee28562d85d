// Package exitcodes defines the exit codes for the extraction CLI so
// that wrapping schedulers and shell scripts can distinguish a plain
// failure from a corrupted progress store that needs manual restore.
package exitcodes

import (
	"errors"
	"strings"
)

const (
	// Success - operation completed without errors
	Success = 0

	// Failure - general failure (config, I/O, backend, validation)
	Failure = 1

	// StateCorruption - the progress store failed its integrity check;
	// the operator must restore from the most recent checkpoint
	StateCorruption = 2
)

// ExitError wraps an error with an exit code.
type ExitError struct {
	Err  error
	Code int
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code.
func NewExitError(err error, code int) *ExitError {
	return &ExitError{Err: err, Code: code}
}

// FromError determines the appropriate exit code for an error.
func FromError(err error) int {
	if err == nil {
		return Success
	}

	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}

	// The store wraps its integrity failures with a sentinel message;
	// checked here as a fallback for errors that lost their ExitError
	// wrapper across package boundaries.
	if strings.Contains(strings.ToLower(err.Error()), "progress store corrupt") {
		return StateCorruption
	}

	return Failure
}

// Description returns a human-readable description of the exit code.
func Description(code int) string {
	switch code {
	case Success:
		return "success"
	case Failure:
		return "failure"
	case StateCorruption:
		return "progress store corruption (restore from checkpoint)"
	default:
		return "unknown"
	}
}
