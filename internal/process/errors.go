package process

import (
	"errors"
	"fmt"
)

var (
	// ErrStartFailed is matched by every StartError.
	ErrStartFailed = errors.New("process failed to start")

	// ErrExitedAbnormally is matched by every ExitError.
	ErrExitedAbnormally = errors.New("process exited abnormally")
)

// StartError reports that the process could not be launched at all:
// bad executable, missing working directory or an OS spawn error.
type StartError struct {
	Path string
	Dir  string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s (dir %q): %v", e.Path, e.Dir, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrStartFailed.
func (e *StartError) Is(target error) bool { return target == ErrStartFailed }

// ExitError reports that the process started and then exited non-zero or
// was terminated by a signal.
type ExitError struct {
	Code   int
	Signal string
	Err    error
}

func (e *ExitError) Error() string {
	if e.Signal != "" {
		return fmt.Sprintf("process terminated by %s (exit code %d)", e.Signal, e.Code)
	}
	return fmt.Sprintf("process exited with code %d", e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }

// Is lets errors.Is match ErrExitedAbnormally.
func (e *ExitError) Is(target error) bool { return target == ErrExitedAbnormally }
