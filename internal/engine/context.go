package engine

import (
	"time"

	"github.com/rendis/quill/pkg/schema"
)

// HistoryEntry records one applied transition. History is append-only and
// observational: nothing in the machine reads it back for control flow.
type HistoryEntry struct {
	Timestamp time.Time            `json:"timestamp"`
	FromState schema.WorkflowState `json:"from_state"`
	ToState   schema.WorkflowState `json:"to_state"`
	Event     schema.WorkflowEvent `json:"event"`
	Payload   map[string]any       `json:"payload,omitempty"`
}

// ExecutionContext is the machine's in-memory working mirror of a
// StateDocument. It lives for one machine instance and is re-derived on
// resume via RebuildContext.
type ExecutionContext struct {
	CurrentStageID    string
	CurrentStepID     string
	CurrentBehaviorID string
	BehaviorIteration int

	CurrentBehaviorActions []schema.Action
	CurrentActionIndex     int

	CompletedBehaviors map[string]struct{}
	History            []HistoryEntry
}

// NewExecutionContext creates an empty context.
func NewExecutionContext() *ExecutionContext {
	return &ExecutionContext{
		CompletedBehaviors: make(map[string]struct{}),
	}
}

// RebuildContext derives an ExecutionContext from a persisted StateDocument.
// The transition history cannot be recovered from the document; it restarts
// empty, which is acceptable because history is observational only.
func RebuildContext(doc *schema.StateDocument) *ExecutionContext {
	ec := NewExecutionContext()
	if doc == nil {
		return ec
	}
	loc := doc.Observation.Location.Current
	ec.CurrentStageID = loc.StageID
	ec.CurrentStepID = loc.StepID
	ec.CurrentBehaviorID = loc.BehaviorID
	ec.BehaviorIteration = loc.BehaviorIteration

	for _, item := range doc.Observation.Location.Progress.Behaviors.Completed {
		if item.ID != "" {
			ec.CompletedBehaviors[item.ID] = struct{}{}
		}
	}
	return ec
}

// Record appends a history entry for an applied transition.
func (ec *ExecutionContext) Record(from, to schema.WorkflowState, event schema.WorkflowEvent, payload map[string]any) {
	ec.History = append(ec.History, HistoryEntry{
		Timestamp: time.Now().UTC(),
		FromState: from,
		ToState:   to,
		Event:     event,
		Payload:   payload,
	})
}

// SyncLocation refreshes the mirrored location fields from a document.
func (ec *ExecutionContext) SyncLocation(doc *schema.StateDocument) {
	loc := doc.Observation.Location.Current
	ec.CurrentStageID = loc.StageID
	ec.CurrentStepID = loc.StepID
	ec.CurrentBehaviorID = loc.BehaviorID
	ec.BehaviorIteration = loc.BehaviorIteration
}

// SetActions replaces the current behavior's action list and resets the cursor.
func (ec *ExecutionContext) SetActions(actions []schema.Action) {
	ec.CurrentBehaviorActions = actions
	ec.CurrentActionIndex = 0
}

// CurrentAction returns the action under the cursor, or nil when drained.
func (ec *ExecutionContext) CurrentAction() *schema.Action {
	if ec.CurrentActionIndex < 0 || ec.CurrentActionIndex >= len(ec.CurrentBehaviorActions) {
		return nil
	}
	return &ec.CurrentBehaviorActions[ec.CurrentActionIndex]
}

// AdvanceAction moves the cursor forward and reports whether an action remains.
func (ec *ExecutionContext) AdvanceAction() bool {
	ec.CurrentActionIndex++
	return ec.CurrentActionIndex < len(ec.CurrentBehaviorActions)
}

// ActionsRemaining reports how many actions are left beyond the cursor.
func (ec *ExecutionContext) ActionsRemaining() int {
	n := len(ec.CurrentBehaviorActions) - ec.CurrentActionIndex - 1
	if n < 0 {
		return 0
	}
	return n
}

// MarkBehaviorCompleted records a behavior ID in the completed set.
func (ec *ExecutionContext) MarkBehaviorCompleted(id string) {
	if id != "" {
		ec.CompletedBehaviors[id] = struct{}{}
	}
}
