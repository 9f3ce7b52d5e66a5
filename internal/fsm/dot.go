package fsm

import (
	"fmt"
	"strconv"
	"strings"
)

// Graph is a directed graph of states (nodes) and declared transitions (edges).
type Graph[S comparable] struct {
	Initial S
	States  []S
	Edges   []Edge[S]
}

// DOT renders g in Graphviz DOT format. The output depends only on g, so the
// same table always produces the same text.
func DOT[S comparable](name string, g Graph[S]) string {
	if name == "" {
		name = "fsm"
	}

	var sb strings.Builder
	sb.WriteString("digraph ")
	sb.WriteString(strconv.Quote(name))
	sb.WriteString(" {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=ellipse];\n")

	initial := fmt.Sprint(g.Initial)
	for _, s := range g.States {
		label := fmt.Sprint(s)
		if label == initial {
			fmt.Fprintf(&sb, "  %s [shape=doublecircle];\n", strconv.Quote(label))
			continue
		}
		fmt.Fprintf(&sb, "  %s;\n", strconv.Quote(label))
	}

	for _, e := range g.Edges {
		fmt.Fprintf(&sb, "  %s -> %s;\n", strconv.Quote(fmt.Sprint(e.From)), strconv.Quote(fmt.Sprint(e.To)))
	}

	sb.WriteString("}\n")
	return sb.String()
}
