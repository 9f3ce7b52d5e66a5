package supervisor

import "errors"

var (
	// ErrAlreadyStarted is returned by Start while a cycle is in progress.
	ErrAlreadyStarted = errors.New("supervisor already started")

	// ErrClosed is returned by operations on a closed supervisor.
	ErrClosed = errors.New("supervisor closed")

	// ErrInvalidConfig is wrapped by New for unusable configuration.
	ErrInvalidConfig = errors.New("invalid supervisor config")
)
