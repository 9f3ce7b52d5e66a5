// Package fsm provides a small generic finite-state machine.
//
// A Machine is built from a declared transition Table and enforces it on
// every state change:
//   - Fire moves the machine to a new state, or fails with an
//     IllegalTransitionError when the table does not allow it
//   - WhenStateIs returns a Waiter that resolves once the machine reaches a
//     state; the "already there" check and the registration happen under the
//     same lock as Fire, so a transition can never be missed
//   - Graph and DOT render the full declared table, independent of which
//     states were visited
//
// Example:
//
//	table := fsm.Table[string]{
//	    {From: "idle", To: []string{"busy"}},
//	    {From: "busy", To: []string{"idle"}},
//	}
//	m := fsm.New("idle", table)
//	w := m.WhenStateIs("busy")
//	_ = m.Fire("busy")
//	<-w.Done()
package fsm
