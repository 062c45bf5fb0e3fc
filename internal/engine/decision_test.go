package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/quill/pkg/schema"
)

func TestDecisionTableCoversNonTerminalStates(t *testing.T) {
	table := NewDecisionTable(NewExecutionContext(), nil)
	for _, state := range schema.AllStates {
		if state.IsTerminal() {
			assert.NotContains(t, table, state)
			continue
		}
		require.Contains(t, table, state, "missing decision for %s", state)
		assert.Equal(t, state, table[state].State())
	}
}

func TestStepRunningDecisionPrefersCompletion(t *testing.T) {
	table := NewDecisionTable(NewExecutionContext(), nil)
	d := table[schema.StateStepRunning]

	doc := docAt(schema.StateStepRunning)
	doc.Observation.Location.Progress.Steps.CurrentOutputs = schema.OutputsLedger{
		Expected: []schema.OutputItem{{Name: "report"}},
	}

	// Outputs outstanding: a planning call is needed.
	_, ok := d.DetermineNext(doc)
	assert.False(t, ok)
	assert.False(t, d.CanTransitionTo(schema.EventCompleteStep, doc))
	assert.True(t, d.CanTransitionTo(schema.EventStartBehavior, doc))

	// Outputs satisfied: close the step instead of starting another behavior.
	doc.Observation.Location.Progress.Steps.CurrentOutputs.Produced = []schema.OutputItem{{Name: "report"}}
	event, ok := d.DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventCompleteStep, event)
	assert.True(t, d.CanTransitionTo(schema.EventCompleteStep, doc))
}

func TestStepRunningDecisionHonorsDoneWhen(t *testing.T) {
	eval := func(expression string, vars map[string]any) (bool, error) {
		return expression == "sections_done" && vars["sections"] == 3, nil
	}
	table := NewDecisionTable(NewExecutionContext(), eval)
	d := table[schema.StateStepRunning]

	doc := docAt(schema.StateStepRunning)
	step := item("step-1", "Write")
	step.DoneWhen = "sections_done"
	doc.Observation.Location.Progress.Steps.Current = &step
	doc.Observation.Location.Progress.Steps.CurrentOutputs.Expected = []schema.OutputItem{{Name: "report"}}
	doc.State.Variables["sections"] = 3

	// The predicate overrides the unsatisfied ledger.
	event, ok := d.DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventCompleteStep, event)
}

func TestBehaviorCompletedDecisionDefaultsToNextBehavior(t *testing.T) {
	table := NewDecisionTable(NewExecutionContext(), nil)
	d := table[schema.StateBehaviorCompleted]

	doc := docAt(schema.StateBehaviorCompleted)
	doc.Observation.Location.Progress.Steps.CurrentOutputs = schema.OutputsLedger{
		Expected: []schema.OutputItem{{Name: "report"}},
	}

	event, ok := d.DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventNextBehavior, event)

	doc.Observation.Location.Progress.Steps.CurrentOutputs.Produced = []schema.OutputItem{{Name: "report"}}
	event, ok = d.DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventCompleteStep, event)
}

func TestStepAndStageCompletedDecisions(t *testing.T) {
	table := NewDecisionTable(NewExecutionContext(), nil)

	doc := docAt(schema.StateStepCompleted)
	doc.Observation.Location.Progress.Steps.Remaining = []schema.WorkItem{item("step-2", "Next")}
	event, ok := table[schema.StateStepCompleted].DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventNextStep, event)
	assert.False(t, table[schema.StateStepCompleted].CanTransitionTo(schema.EventCompleteStage, doc))

	doc.Observation.Location.Progress.Steps.Remaining = nil
	event, ok = table[schema.StateStepCompleted].DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventCompleteStage, event)

	doc = docAt(schema.StateStageCompleted)
	doc.Observation.Location.Progress.Stages.Remaining = []schema.WorkItem{item("stage-2", "Model")}
	event, ok = table[schema.StateStageCompleted].DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventNextStage, event)

	doc.Observation.Location.Progress.Stages.Remaining = nil
	event, ok = table[schema.StateStageCompleted].DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventCompleteWorkflow, event)
}

func TestActionCompletedDecisionFollowsCursor(t *testing.T) {
	exec := NewExecutionContext()
	table := NewDecisionTable(exec, nil)
	d := table[schema.StateActionCompleted]
	doc := docAt(schema.StateActionCompleted)

	exec.SetActions([]schema.Action{
		{Type: schema.ActionAddCode},
		{Type: schema.ActionRunCode},
	})

	event, ok := d.DetermineNext(doc)
	require.True(t, ok)
	assert.Equal(t, schema.EventNextAction, event)
	assert.Equal(t, schema.APINone, d.RequiredAPI(doc))

	require.True(t, exec.AdvanceAction())
	_, ok = d.DetermineNext(doc)
	assert.False(t, ok)
	assert.Equal(t, schema.APIReflecting, d.RequiredAPI(doc))
	assert.False(t, d.CanTransitionTo(schema.EventNextAction, doc))
	assert.True(t, d.CanTransitionTo(schema.EventCompleteBehavior, doc))
}

func TestRequiredAPIByState(t *testing.T) {
	exec := NewExecutionContext()
	table := NewDecisionTable(exec, nil)
	doc := schema.NewStateDocument()

	tests := []struct {
		state schema.WorkflowState
		want  schema.APIKind
	}{
		{schema.StateIdle, schema.APIPlanning},
		{schema.StateStageRunning, schema.APIPlanning},
		{schema.StateStepRunning, schema.APIPlanning},
		{schema.StateBehaviorRunning, schema.APIGenerating},
		{schema.StateBehaviorCompleted, schema.APIReflecting},
		{schema.StateStepCompleted, schema.APINone},
		{schema.StateStageCompleted, schema.APINone},
		{schema.StateWorkflowUpdatePending, schema.APINone},
		{schema.StateStepUpdatePending, schema.APINone},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, table[tt.state].RequiredAPI(doc))
		})
	}

	// With an action batch in flight, BEHAVIOR_RUNNING awaits reflection.
	exec.SetActions([]schema.Action{{Type: schema.ActionAddCode}})
	assert.Equal(t, schema.APIReflecting, table[schema.StateBehaviorRunning].RequiredAPI(doc))
}

func TestValidTransitionsIncludeGlobalEvents(t *testing.T) {
	table := NewDecisionTable(NewExecutionContext(), nil)
	events := table[schema.StateStepRunning].ValidTransitions()
	assert.Contains(t, events, schema.EventStartBehavior)
	assert.Contains(t, events, schema.EventCompleteStep)
	assert.Contains(t, events, schema.EventUpdateStep)
	assert.Contains(t, events, schema.EventFail)
	assert.Contains(t, events, schema.EventCancel)
}
