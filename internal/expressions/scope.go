package expressions

import (
	"encoding/json"

	"github.com/rendis/quill/pkg/schema"
)

// DocScope is the evaluation namespace derived from a StateDocument. All
// engines and the interpolator see the same four top-level namespaces:
//
//   - variables: document variables accumulated by reflections
//   - location:  current stage/step/behavior identifiers
//   - workflow:  goals, FSM state, and focus texts
//   - outputs:   per-level produced/expected artifact names
//
// The scope is a snapshot: building it deep-copies everything, so evaluation
// can never mutate the document.
type DocScope struct {
	Variables map[string]any
	Location  map[string]any
	Workflow  map[string]any
	Outputs   map[string]any
}

// BuildScope derives a DocScope from a document.
func BuildScope(doc *schema.StateDocument) *DocScope {
	if doc == nil {
		return &DocScope{}
	}
	loc := doc.Observation.Location
	return &DocScope{
		Variables: deepCopyMap(doc.State.Variables),
		Location: map[string]any{
			"stage_id":           loc.Current.StageID,
			"step_id":            loc.Current.StepID,
			"behavior_id":        loc.Current.BehaviorID,
			"behavior_iteration": loc.Current.BehaviorIteration,
		},
		Workflow: map[string]any{
			"goals":          loc.Goals,
			"state":          string(doc.CurrentState()),
			"stage_focus":    loc.Progress.Stages.Focus,
			"step_focus":     loc.Progress.Steps.Focus,
			"behavior_focus": loc.Progress.Behaviors.Focus,
		},
		Outputs: map[string]any{
			"stages":    ledgerMap(loc.Progress.Stages.CurrentOutputs),
			"steps":     ledgerMap(loc.Progress.Steps.CurrentOutputs),
			"behaviors": ledgerMap(loc.Progress.Behaviors.CurrentOutputs),
		},
	}
}

// Data flattens the scope into the map shape the engines evaluate against.
func (s *DocScope) Data() map[string]any {
	return map[string]any{
		"variables": orEmpty(s.Variables),
		"location":  orEmpty(s.Location),
		"workflow":  orEmpty(s.Workflow),
		"outputs":   orEmpty(s.Outputs),
	}
}

func ledgerMap(l schema.OutputsLedger) map[string]any {
	return map[string]any{
		"expected":    outputNames(l.Expected),
		"produced":    outputNames(l.Produced),
		"in_progress": outputNames(l.InProgress),
	}
}

func outputNames(items []schema.OutputItem) []any {
	names := make([]any, len(items))
	for i, item := range items {
		names[i] = item.Name
	}
	return names
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}
