package fsm

// Rule declares the destinations allowed from one source state.
type Rule[S comparable] struct {
	From S
	To   []S
}

// Table is an ordered list of rules. Declaration order is kept for graph export.
type Table[S comparable] []Rule[S]

// Edge is a single declared transition.
type Edge[S comparable] struct {
	From S
	To   S
}

// Allows reports whether the table declares from -> to.
func (t Table[S]) Allows(from, to S) bool {
	for _, r := range t {
		if r.From != from {
			continue
		}
		for _, dst := range r.To {
			if dst == to {
				return true
			}
		}
	}
	return false
}

// States returns every state named by the table, sources and destinations,
// in first-seen order.
func (t Table[S]) States() []S {
	seen := make(map[S]struct{})
	var states []S
	add := func(s S) {
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		states = append(states, s)
	}
	for _, r := range t {
		add(r.From)
		for _, dst := range r.To {
			add(dst)
		}
	}
	return states
}

// Edges returns every declared transition in declaration order.
// Duplicate declarations are reported once.
func (t Table[S]) Edges() []Edge[S] {
	seen := make(map[Edge[S]]struct{})
	var edges []Edge[S]
	for _, r := range t {
		for _, dst := range r.To {
			e := Edge[S]{From: r.From, To: dst}
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			edges = append(edges, e)
		}
	}
	return edges
}

// index builds the lookup used by Machine.Fire.
func (t Table[S]) index() map[S]map[S]struct{} {
	idx := make(map[S]map[S]struct{}, len(t))
	for _, r := range t {
		dsts, ok := idx[r.From]
		if !ok {
			dsts = make(map[S]struct{}, len(r.To))
			idx[r.From] = dsts
		}
		for _, dst := range r.To {
			dsts[dst] = struct{}{}
		}
	}
	return idx
}
