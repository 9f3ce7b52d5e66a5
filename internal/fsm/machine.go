package fsm

import (
	"context"
	"sync"
)

// TransitionFunc observes a completed transition.
type TransitionFunc[S comparable] func(from, to S)

// Option configures a Machine.
type Option[S comparable] func(*Machine[S])

// WithOnTransition registers a hook that runs after every successful Fire.
// It runs under the machine lock, so hooks see transitions in total order
// and must not call back into the Machine.
func WithOnTransition[S comparable](fn TransitionFunc[S]) Option[S] {
	return func(m *Machine[S]) {
		m.onTransition = fn
	}
}

// Machine is a finite-state machine driven by a declared Table.
type Machine[S comparable] struct {
	mu           sync.RWMutex
	initial      S
	state        S
	table        Table[S]
	allowed      map[S]map[S]struct{}
	waiters      map[S][]*Waiter
	onTransition TransitionFunc[S]
	closed       bool
}

// New creates a machine in the initial state.
func New[S comparable](initial S, table Table[S], opts ...Option[S]) *Machine[S] {
	m := &Machine[S]{
		initial: initial,
		state:   initial,
		table:   table,
		allowed: table.index(),
		waiters: make(map[S][]*Waiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CurrentState returns the present state.
func (m *Machine[S]) CurrentState() S {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CanFire reports whether the table allows a transition to state from the
// current state.
func (m *Machine[S]) CanFire(to S) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.allowed[m.state][to]
	return ok
}

// Fire transitions to the given state and resolves every waiter registered
// for it.
func (m *Machine[S]) Fire(to S) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	from := m.state
	if _, ok := m.allowed[from][to]; !ok {
		return &IllegalTransitionError{From: from, To: to}
	}

	m.state = to
	if m.onTransition != nil {
		m.onTransition(from, to)
	}

	for _, w := range m.waiters[to] {
		w.resolve(nil)
	}
	delete(m.waiters, to)
	return nil
}

// WhenStateIs returns a waiter for the given state. If the machine is
// already there the waiter is resolved before it is returned.
func (m *Machine[S]) WhenStateIs(state S) *Waiter {
	w := newWaiter()

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.state == state:
		w.resolve(nil)
	case m.closed:
		w.resolve(ErrClosed)
	default:
		m.waiters[state] = append(m.waiters[state], w)
	}
	return w
}

// Close discards pending waiters, resolving them with ErrClosed, and makes
// further Fire calls fail. It is safe to call more than once.
func (m *Machine[S]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	for state, ws := range m.waiters {
		for _, w := range ws {
			w.resolve(ErrClosed)
		}
		delete(m.waiters, state)
	}
}

// pending returns the number of registered, unresolved waiters.
func (m *Machine[S]) pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ws := range m.waiters {
		n += len(ws)
	}
	return n
}

// Graph returns the declared table as a directed graph.
func (m *Machine[S]) Graph() Graph[S] {
	states := m.table.States()
	hasInitial := false
	for _, s := range states {
		if s == m.initial {
			hasInitial = true
			break
		}
	}
	if !hasInitial {
		states = append([]S{m.initial}, states...)
	}
	return Graph[S]{
		Initial: m.initial,
		States:  states,
		Edges:   m.table.Edges(),
	}
}

// ExportDOT renders the declared table in DOT format.
func (m *Machine[S]) ExportDOT(name string) string {
	return DOT(name, m.Graph())
}

// Waiter is a one-shot notification that a machine reached a state.
type Waiter struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newWaiter() *Waiter {
	return &Waiter{done: make(chan struct{})}
}

func (w *Waiter) resolve(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Done is closed when the waiter resolves.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Err is nil until Done is closed. After that it is nil when the state was
// reached and ErrClosed when the machine was closed first.
func (w *Waiter) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

// Wait blocks until the waiter resolves or ctx is done.
func (w *Waiter) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
