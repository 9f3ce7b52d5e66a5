package supervisor

import (
	"fmt"
	"strings"
	"time"

	"github.com/smazurov/forker/internal/fsm"
)

// RunType tells the supervisor whether the process is expected to exit on its own.
type RunType int

const (
	// SelfTerminating processes exit on their own; Running is transient.
	SelfTerminating RunType = iota + 1
	// NonTerminating processes run until Stop is called.
	NonTerminating
)

func (r RunType) String() string {
	switch r {
	case SelfTerminating:
		return "self-terminating"
	case NonTerminating:
		return "non-terminating"
	default:
		return fmt.Sprintf("RunType(%d)", int(r))
	}
}

// ParseRunType parses "self-terminating" or "non-terminating".
// Underscores and case are ignored.
func ParseRunType(s string) (RunType, error) {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-") {
	case "self-terminating", "selfterminating":
		return SelfTerminating, nil
	case "non-terminating", "nonterminating":
		return NonTerminating, nil
	}
	return 0, fmt.Errorf("unknown run type %q", s)
}

// State represents the lifecycle state of a supervised process.
type State string

// Supervisor states.
const (
	StateNotStarted         State = "not_started"
	StateStarting           State = "starting"
	StateStartFailed        State = "start_failed"
	StateRunning            State = "running"
	StateStopping           State = "stopping"
	StateExitedSuccessfully State = "exited_successfully"
	StateExitedWithError    State = "exited_with_error"
	StateExitedKilled       State = "exited_killed"
)

// IsTerminal reports whether the state ends a lifecycle cycle.
func (s State) IsTerminal() bool {
	switch s {
	case StateStartFailed, StateExitedSuccessfully, StateExitedWithError, StateExitedKilled:
		return true
	}
	return false
}

func (s State) String() string { return string(s) }

// transitions is the declared lifecycle. Terminal states only lead back to
// Starting, which begins a new cycle.
var transitions = fsm.Table[State]{
	{From: StateNotStarted, To: []State{StateStarting}},
	{From: StateStarting, To: []State{StateStartFailed, StateRunning}},
	{From: StateRunning, To: []State{StateStopping, StateExitedSuccessfully, StateExitedWithError}},
	{From: StateStopping, To: []State{StateExitedSuccessfully, StateExitedWithError, StateExitedKilled}},
	{From: StateStartFailed, To: []State{StateStarting}},
	{From: StateExitedSuccessfully, To: []State{StateStarting}},
	{From: StateExitedWithError, To: []State{StateStarting}},
	{From: StateExitedKilled, To: []State{StateStarting}},
}

// Transitions returns a copy of the declared transition table.
func Transitions() fsm.Table[State] {
	out := make(fsm.Table[State], len(transitions))
	for i, r := range transitions {
		out[i] = fsm.Rule[State]{From: r.From, To: append([]State(nil), r.To...)}
	}
	return out
}

// LifecycleGraph renders the declared lifecycle as Graphviz DOT without
// creating a Supervisor.
func LifecycleGraph(name string) string {
	return fsm.DOT(name, fsm.Graph[State]{
		Initial: StateNotStarted,
		States:  transitions.States(),
		Edges:   transitions.Edges(),
	})
}

// AllStates returns every declared state.
func AllStates() []State {
	return transitions.States()
}

func stateNames() []string {
	states := AllStates()
	names := make([]string, len(states))
	for i, s := range states {
		names[i] = string(s)
	}
	return names
}

// classifyExit maps how a process ended to its terminal state.
// A supervisor-initiated kill wins over whatever code the OS reported.
func classifyExit(killed bool, code int) State {
	switch {
	case killed:
		return StateExitedKilled
	case code == 0:
		return StateExitedSuccessfully
	default:
		return StateExitedWithError
	}
}

// ProcessInfo describes the most recent process launched by a supervisor.
// It is replaced, never mutated, so a returned value stays consistent.
type ProcessInfo struct {
	RunID     string
	PID       int
	StartedAt time.Time
	Exited    bool
	ExitCode  int
	ExitedAt  time.Time
}
