package fsm

import (
	"errors"
	"fmt"
)

var (
	// ErrIllegalTransition is matched by every IllegalTransitionError.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrClosed is returned by Fire after Close, and by waiters discarded by Close.
	ErrClosed = errors.New("state machine closed")
)

// IllegalTransitionError reports a transition that the table does not declare.
type IllegalTransitionError struct {
	From any
	To   any
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal state transition from %v to %v", e.From, e.To)
}

// Is lets errors.Is match ErrIllegalTransition.
func (e *IllegalTransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}
