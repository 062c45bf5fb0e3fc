package diagram

import (
	"sort"

	"github.com/rendis/quill/internal/engine"
	"github.com/rendis/quill/pkg/schema"
)

// Edge is one legal transition in the state machine.
type Edge struct {
	From  schema.WorkflowState
	Event schema.WorkflowEvent
	To    schema.WorkflowState
}

// StateGraph is the renderer-independent view of the workflow state machine.
// States follow schema.AllStates order; edges are sorted by (from, event) so
// renderings are deterministic.
type StateGraph struct {
	Title    string
	States   []schema.WorkflowState
	Initial  schema.WorkflowState
	Terminal []schema.WorkflowState
	Edges    []Edge
}

// BuildStateGraph derives the graph from the engine's transition table. The
// globally accepted CANCEL and FAIL events are folded in as edges from every
// non-terminal state.
func BuildStateGraph(title string) *StateGraph {
	g := &StateGraph{
		Title:   title,
		States:  schema.AllStates,
		Initial: schema.StateIdle,
	}

	for _, state := range schema.AllStates {
		if state.IsTerminal() {
			g.Terminal = append(g.Terminal, state)
		}
		for event, to := range engine.TransitionTable[state] {
			g.Edges = append(g.Edges, Edge{From: state, Event: event, To: to})
		}
		if !state.IsTerminal() {
			g.Edges = append(g.Edges, Edge{From: state, Event: schema.EventCancel, To: schema.StateCancelled})
			g.Edges = append(g.Edges, Edge{From: state, Event: schema.EventFail, To: schema.StateError})
		}
	}

	order := make(map[schema.WorkflowState]int, len(schema.AllStates))
	for i, s := range schema.AllStates {
		order[s] = i
	}
	sort.Slice(g.Edges, func(i, j int) bool {
		if g.Edges[i].From != g.Edges[j].From {
			return order[g.Edges[i].From] < order[g.Edges[j].From]
		}
		return g.Edges[i].Event < g.Edges[j].Event
	})
	return g
}
