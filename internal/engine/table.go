package engine

import "github.com/rendis/quill/pkg/schema"

// TransitionTable is the total (state, event) -> state mapping. Absence means
// the transition is illegal from that state. Defined once, never mutated.
var TransitionTable = map[schema.WorkflowState]map[schema.WorkflowEvent]schema.WorkflowState{
	schema.StateIdle: {
		schema.EventStartWorkflow:  schema.StateStageRunning,
		schema.EventUpdateWorkflow: schema.StateWorkflowUpdatePending,
	},
	schema.StateStageRunning: {
		schema.EventStartStep:      schema.StateStepRunning,
		schema.EventCompleteStage:  schema.StateStageCompleted,
		schema.EventUpdateWorkflow: schema.StateWorkflowUpdatePending,
	},
	schema.StateStageCompleted: {
		schema.EventNextStage:        schema.StateStageRunning,
		schema.EventCompleteWorkflow: schema.StateWorkflowCompleted,
	},
	schema.StateStepRunning: {
		schema.EventStartBehavior: schema.StateBehaviorRunning,
		schema.EventCompleteStep:  schema.StateStepCompleted,
		schema.EventUpdateStep:    schema.StateStepUpdatePending,
	},
	schema.StateStepCompleted: {
		schema.EventNextStep:      schema.StateStepRunning,
		schema.EventCompleteStage: schema.StateStageCompleted,
	},
	schema.StateBehaviorRunning: {
		schema.EventStartAction:      schema.StateActionRunning,
		schema.EventCompleteBehavior: schema.StateBehaviorCompleted,
	},
	schema.StateBehaviorCompleted: {
		schema.EventNextBehavior: schema.StateBehaviorRunning,
		schema.EventCompleteStep: schema.StateStepCompleted,
	},
	schema.StateActionRunning: {
		schema.EventCompleteAction: schema.StateActionCompleted,
	},
	schema.StateActionCompleted: {
		schema.EventNextAction:       schema.StateActionRunning,
		schema.EventCompleteBehavior: schema.StateBehaviorCompleted,
	},
	schema.StateWorkflowUpdatePending: {
		schema.EventUpdateWorkflowConfirmed: schema.StateStageRunning,
		schema.EventUpdateWorkflowRejected:  schema.StateStageRunning,
	},
	schema.StateStepUpdatePending: {
		schema.EventUpdateStepConfirmed: schema.StateStepRunning,
		schema.EventUpdateStepRejected:  schema.StateStepRunning,
	},
	schema.StateWorkflowCompleted: {
		schema.EventReset: schema.StateIdle,
	},
	schema.StateError: {
		schema.EventReset: schema.StateIdle,
	},
	schema.StateCancelled: {
		schema.EventReset: schema.StateIdle,
	},
}

// Lookup resolves a transition. The second return is false when the event is
// illegal from the given state. FAIL and CANCEL are accepted globally: FAIL
// from any state, CANCEL from any non-terminal state.
func Lookup(from schema.WorkflowState, event schema.WorkflowEvent) (schema.WorkflowState, bool) {
	switch event {
	case schema.EventFail:
		return schema.StateError, true
	case schema.EventCancel:
		if from.IsTerminal() {
			return "", false
		}
		return schema.StateCancelled, true
	}
	row, ok := TransitionTable[from]
	if !ok {
		return "", false
	}
	to, ok := row[event]
	return to, ok
}
