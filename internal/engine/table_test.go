package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/quill/pkg/schema"
)

func TestLookupLegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  schema.WorkflowState
		event schema.WorkflowEvent
		want  schema.WorkflowState
	}{
		{"start workflow", schema.StateIdle, schema.EventStartWorkflow, schema.StateStageRunning},
		{"start step", schema.StateStageRunning, schema.EventStartStep, schema.StateStepRunning},
		{"start behavior", schema.StateStepRunning, schema.EventStartBehavior, schema.StateBehaviorRunning},
		{"start action", schema.StateBehaviorRunning, schema.EventStartAction, schema.StateActionRunning},
		{"complete action", schema.StateActionRunning, schema.EventCompleteAction, schema.StateActionCompleted},
		{"next action", schema.StateActionCompleted, schema.EventNextAction, schema.StateActionRunning},
		{"reflect after last action", schema.StateActionCompleted, schema.EventCompleteBehavior, schema.StateBehaviorCompleted},
		{"next behavior", schema.StateBehaviorCompleted, schema.EventNextBehavior, schema.StateBehaviorRunning},
		{"close step from behavior", schema.StateBehaviorCompleted, schema.EventCompleteStep, schema.StateStepCompleted},
		{"next step", schema.StateStepCompleted, schema.EventNextStep, schema.StateStepRunning},
		{"close stage from step", schema.StateStepCompleted, schema.EventCompleteStage, schema.StateStageCompleted},
		{"next stage", schema.StateStageCompleted, schema.EventNextStage, schema.StateStageRunning},
		{"complete workflow", schema.StateStageCompleted, schema.EventCompleteWorkflow, schema.StateWorkflowCompleted},
		{"stage workflow update", schema.StateStageRunning, schema.EventUpdateWorkflow, schema.StateWorkflowUpdatePending},
		{"confirm workflow update", schema.StateWorkflowUpdatePending, schema.EventUpdateWorkflowConfirmed, schema.StateStageRunning},
		{"reject step update", schema.StateStepUpdatePending, schema.EventUpdateStepRejected, schema.StateStepRunning},
		{"reset after completion", schema.StateWorkflowCompleted, schema.EventReset, schema.StateIdle},
		{"reset after error", schema.StateError, schema.EventReset, schema.StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Lookup(tt.from, tt.event)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLookupIllegalTransitions(t *testing.T) {
	tests := []struct {
		name  string
		from  schema.WorkflowState
		event schema.WorkflowEvent
	}{
		{"complete step from idle", schema.StateIdle, schema.EventCompleteStep},
		{"next stage while running", schema.StateStageRunning, schema.EventNextStage},
		{"start action outside behavior", schema.StateStepRunning, schema.EventStartAction},
		{"skip action completion", schema.StateActionRunning, schema.EventNextAction},
		{"reset mid-flight", schema.StateStepRunning, schema.EventReset},
		{"start workflow twice", schema.StateStageRunning, schema.EventStartWorkflow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Lookup(tt.from, tt.event)
			assert.False(t, ok)
		})
	}
}

func TestLookupGlobalEvents(t *testing.T) {
	for _, state := range schema.AllStates {
		to, ok := Lookup(state, schema.EventFail)
		require.True(t, ok, "FAIL must be accepted from %s", state)
		assert.Equal(t, schema.StateError, to)
	}

	for _, state := range schema.AllStates {
		to, ok := Lookup(state, schema.EventCancel)
		if state.IsTerminal() {
			assert.False(t, ok, "CANCEL must be rejected from terminal %s", state)
			continue
		}
		require.True(t, ok, "CANCEL must be accepted from %s", state)
		assert.Equal(t, schema.StateCancelled, to)
	}
}

func TestTransitionTableTargetsAreKnownStates(t *testing.T) {
	known := make(map[schema.WorkflowState]struct{}, len(schema.AllStates))
	for _, s := range schema.AllStates {
		known[s] = struct{}{}
	}
	for from, row := range TransitionTable {
		_, ok := known[from]
		require.True(t, ok, "unknown source state %s", from)
		for event, to := range row {
			_, ok := known[to]
			assert.True(t, ok, "%s --%s--> targets unknown state %s", from, event, to)
		}
	}
}
