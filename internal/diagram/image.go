package diagram

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/rendis/quill/pkg/schema"
)

// RenderPNG renders the state graph as a PNG image using graphviz.
func RenderPNG(ctx context.Context, g *StateGraph) ([]byte, error) {
	gv, err := graphviz.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("diagram: create graphviz: %w", err)
	}
	defer gv.Close()

	gv.SetLayout(graphviz.DOT)

	graph, err := gv.Graph()
	if err != nil {
		return nil, fmt.Errorf("diagram: create graph: %w", err)
	}
	defer graph.Close()

	graph.SetRankDir(cgraph.TBRank)
	if g.Title != "" {
		graph.SetLabel(g.Title)
	}

	nodes := make(map[schema.WorkflowState]*cgraph.Node, len(g.States))
	for _, state := range g.States {
		node, nErr := graph.CreateNodeByName(string(state))
		if nErr != nil {
			return nil, fmt.Errorf("diagram: create node %s: %w", state, nErr)
		}
		styleStateNode(node, state)
		nodes[state] = node
	}

	start, err := graph.CreateNodeByName("__start")
	if err != nil {
		return nil, fmt.Errorf("diagram: create start node: %w", err)
	}
	start.SetShape(cgraph.PointShape)
	start.SetLabel("")
	if initial := nodes[g.Initial]; initial != nil {
		if _, err := graph.CreateEdgeByName("", start, initial); err != nil {
			return nil, fmt.Errorf("diagram: create start edge: %w", err)
		}
	}

	for _, edge := range g.Edges {
		from, to := nodes[edge.From], nodes[edge.To]
		if from == nil || to == nil {
			continue
		}
		e, eErr := graph.CreateEdgeByName("", from, to)
		if eErr != nil {
			return nil, fmt.Errorf("diagram: create edge %s -> %s: %w", edge.From, edge.To, eErr)
		}
		e.SetLabel(string(edge.Event))
		// The global CANCEL/FAIL fan-in would dominate the layout if drawn
		// at full weight.
		if edge.Event == schema.EventCancel || edge.Event == schema.EventFail {
			e.SetStyle(cgraph.DottedEdgeStyle)
			e.SetColor("#999999")
			e.SetFontColor("#999999")
		}
	}

	var buf bytes.Buffer
	if err := gv.Render(ctx, graph, graphviz.PNG, &buf); err != nil {
		return nil, fmt.Errorf("diagram: render PNG: %w", err)
	}
	return buf.Bytes(), nil
}

// styleStateNode sets shape and fill per state category.
func styleStateNode(node *cgraph.Node, state schema.WorkflowState) {
	node.SetShape(cgraph.BoxShape)
	node.SetStyle(cgraph.FilledNodeStyle)

	switch {
	case state == schema.StateIdle:
		node.SetShape(cgraph.CircleShape)
		node.SetFillColor("#d3d3d3")
	case state == schema.StateWorkflowCompleted:
		node.SetFillColor("#2d6a2d")
		node.SetFontColor("white")
	case state == schema.StateError:
		node.SetFillColor("#8b1a1a")
		node.SetFontColor("white")
	case state == schema.StateCancelled:
		node.SetFillColor("#555555")
		node.SetFontColor("white")
	case state == schema.StateWorkflowUpdatePending, state == schema.StateStepUpdatePending:
		node.SetShape(cgraph.DiamondShape)
		node.SetFillColor("#b7791a")
		node.SetFontColor("white")
	case strings.HasSuffix(string(state), "_RUNNING"):
		node.SetFillColor("#1a5276")
		node.SetFontColor("white")
	case strings.HasSuffix(string(state), "_COMPLETED"):
		node.SetFillColor("#e8f4e8")
	default:
		node.SetFillColor("#f0f0f0")
	}
}
