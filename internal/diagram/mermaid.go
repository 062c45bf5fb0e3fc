package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders the state graph as a Mermaid stateDiagram-v2 string.
func RenderMermaid(g *StateGraph) string {
	var b strings.Builder

	b.WriteString("stateDiagram-v2\n")
	if g.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", g.Title))
	}

	b.WriteString(fmt.Sprintf("    [*] --> %s\n", g.Initial))
	for _, edge := range g.Edges {
		b.WriteString(fmt.Sprintf("    %s --> %s: %s\n", edge.From, edge.To, edge.Event))
	}
	for _, terminal := range g.Terminal {
		b.WriteString(fmt.Sprintf("    %s --> [*]\n", terminal))
	}

	return b.String()
}
