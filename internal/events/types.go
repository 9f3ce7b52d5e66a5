package events

import "time"

// Event type identifiers used by the dispatcher.
const (
	TypeOutputLine uint32 = iota + 1
	TypeStateChanged
)

// Event is anything the Bus can carry.
type Event interface {
	Type() uint32
}

// SupervisorEvent is an event raised by a named supervisor.
type SupervisorEvent interface {
	Event
	SupervisorName() string
}

// OutputLineEvent carries one line written by a supervised process.
type OutputLineEvent struct {
	Supervisor string
	RunID      string
	Source     string // "stdout" or "stderr"
	Line       string
	Timestamp  time.Time
}

func (e OutputLineEvent) Type() uint32           { return TypeOutputLine }
func (e OutputLineEvent) SupervisorName() string { return e.Supervisor }

// StateChangedEvent is published after every supervisor state transition.
// RunID is empty before the first Start.
type StateChangedEvent struct {
	Supervisor string
	RunID      string
	From       string
	To         string
	Timestamp  time.Time
}

func (e StateChangedEvent) Type() uint32           { return TypeStateChanged }
func (e StateChangedEvent) SupervisorName() string { return e.Supervisor }
