package diagram

import (
	"fmt"
	"strings"
)

// RenderDOT renders the state graph as a Graphviz digraph.
func RenderDOT(g *StateGraph) string {
	var b strings.Builder

	b.WriteString("digraph workflow {\n")
	b.WriteString("    rankdir=TB;\n")
	b.WriteString("    node [shape=box, style=rounded];\n")
	if g.Title != "" {
		b.WriteString(fmt.Sprintf("    label=%q;\n", g.Title))
	}
	b.WriteString("\n")

	b.WriteString("    start [shape=point];\n")
	b.WriteString(fmt.Sprintf("    start -> %q;\n", string(g.Initial)))
	for _, terminal := range g.Terminal {
		b.WriteString(fmt.Sprintf("    %q [shape=box, style=\"rounded,bold\"];\n", string(terminal)))
	}
	b.WriteString("\n")

	for _, edge := range g.Edges {
		b.WriteString(fmt.Sprintf("    %q -> %q [label=%q];\n",
			string(edge.From), string(edge.To), string(edge.Event)))
	}

	b.WriteString("}\n")
	return b.String()
}
