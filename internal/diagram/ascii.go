package diagram

import (
	"fmt"
	"strings"
)

// RenderASCII renders the state graph as a plain-text transition table.
// One row per edge, grouped by source state.
func RenderASCII(g *StateGraph) string {
	var b strings.Builder

	if g.Title != "" {
		b.WriteString(fmt.Sprintf("=== %s ===\n\n", g.Title))
	}

	fromWidth, eventWidth := len("FROM"), len("EVENT")
	for _, edge := range g.Edges {
		if n := len(edge.From); n > fromWidth {
			fromWidth = n
		}
		if n := len(edge.Event); n > eventWidth {
			eventWidth = n
		}
	}

	b.WriteString(fmt.Sprintf("%-*s  %-*s  %s\n", fromWidth, "FROM", eventWidth, "EVENT", "TO"))
	b.WriteString(strings.Repeat("-", fromWidth+eventWidth+24) + "\n")

	var prev string
	for _, edge := range g.Edges {
		from := string(edge.From)
		if from == prev {
			from = ""
		} else if prev != "" {
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%-*s  %-*s  %s\n",
			fromWidth, from, eventWidth, string(edge.Event), string(edge.To)))
		prev = string(edge.From)
	}

	b.WriteString(fmt.Sprintf("\ninitial: %s\n", g.Initial))
	terminals := make([]string, len(g.Terminal))
	for i, t := range g.Terminal {
		terminals[i] = string(t)
	}
	b.WriteString(fmt.Sprintf("terminal: %s\n", strings.Join(terminals, ", ")))

	return b.String()
}
