package hg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// ErrToolNotFound means the hg executable itself could not be launched.
// Callers surface this with an actionable diagnostic instead of a generic
// subprocess failure.
var ErrToolNotFound = errors.New("hg executable not found")

// ErrTimeout means a bounded invocation exceeded its deadline and was
// terminated.
var ErrTimeout = errors.New("hg invocation timed out")

// ExitError wraps a nonzero hg exit so callers can distinguish "ran and
// failed" from "could not run".
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("hg exited with status %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// classify maps low-level exec failures onto the package taxonomy.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound) {
		return fmt.Errorf("%w (%q); check that your Mercurial installation is configured correctly", ErrToolNotFound, execErr.Name)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &ExitError{Code: exitErr.ExitCode(), Err: err}
	}
	return err
}

// IsToolNotFound reports whether err means the executable is missing.
func IsToolNotFound(err error) bool {
	return errors.Is(err, ErrToolNotFound)
}

// IsExit reports whether err is a nonzero exit (as opposed to a launch or
// I/O failure).
func IsExit(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr)
}
