package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/quill/pkg/schema"
)

func newTestCoordinator(bridge ActionDispatcher) (*Coordinator, *ExecutionContext) {
	exec := NewExecutionContext()
	deps := HandlerDeps{Exec: exec, Bridge: bridge, Logger: testLogger()}
	return NewCoordinator(DefaultHandlers(deps), NewDecisionTable(exec, nil), testLogger()), exec
}

func TestApplyTransitionRejectsUnmatchedResponse(t *testing.T) {
	co, _ := newTestCoordinator(nil)

	// An action batch makes no sense at IDLE.
	_, err := co.ApplyTransition(context.Background(), schema.NewStateDocument(), &schema.Response{
		Actions: []schema.Action{{Type: schema.ActionAddCode}},
	}, true)
	require.Error(t, err)

	var qerr *schema.QuillError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, schema.ErrCodeNoHandler, qerr.Code)
	assert.Contains(t, qerr.Message, string(schema.StateIdle))
	assert.Contains(t, qerr.Message, string(schema.ResponseActions))
}

// Drives a single-stage, single-step, single-behavior workflow end to end
// through the coordinator, exercising the action sub-cycle and the
// completion cascades.
func TestCoordinatorFullRun(t *testing.T) {
	bridge := &recordingBridge{}
	co, _ := newTestCoordinator(bridge)
	ctx := context.Background()

	doc := schema.NewStateDocument()

	doc, err := co.ApplyTransition(ctx, doc, &schema.Response{
		Stages: []schema.WorkItem{item("stage-1", "Analyze", "report")},
		Goals:  "produce the analysis report",
	}, true)
	require.NoError(t, err)
	require.Equal(t, schema.StateStageRunning, doc.CurrentState())

	doc, err = co.ApplyTransition(ctx, doc, &schema.Response{
		Steps: []schema.WorkItem{item("step-1", "Write report", "report")},
	}, true)
	require.NoError(t, err)
	require.Equal(t, schema.StateStepRunning, doc.CurrentState())

	behavior := item("behavior-1", "Draft sections", "report")
	doc, err = co.ApplyTransition(ctx, doc, &schema.Response{Behavior: &behavior}, true)
	require.NoError(t, err)
	require.Equal(t, schema.StateBehaviorRunning, doc.CurrentState())

	doc, err = co.ApplyTransition(ctx, doc, &schema.Response{
		Actions: []schema.Action{
			{Type: schema.ActionAddCode, Content: "summarize()"},
			{Type: schema.ActionRunCode, CellID: "cell-1"},
		},
	}, true)
	require.NoError(t, err)
	require.Equal(t, schema.StateActionRunning, doc.CurrentState())
	require.Len(t, bridge.actions, 1)

	// First action done: the cascade advances to the second one.
	doc, err = co.ApplyTransition(ctx, doc, schema.NewAutoTrigger(schema.EventCompleteAction), true)
	require.NoError(t, err)
	require.Equal(t, schema.StateActionRunning, doc.CurrentState())
	require.Len(t, bridge.actions, 2)

	// Last action done: the cascade stops at ACTION_COMPLETED awaiting reflection.
	doc, err = co.ApplyTransition(ctx, doc, schema.NewAutoTrigger(schema.EventCompleteAction), true)
	require.NoError(t, err)
	require.Equal(t, schema.StateActionCompleted, doc.CurrentState())
	require.Len(t, bridge.actions, 2)

	// Reflection closes the behavior. BEHAVIOR_COMPLETED never auto-cascades.
	doc, err = co.ApplyTransition(ctx, doc, &schema.Response{
		BehaviorIsComplete: truePtr(),
		OutputsTracking: &schema.OutputsTracking{
			Produced: []schema.OutputItem{{Name: "report"}},
		},
	}, true)
	require.NoError(t, err)
	require.Equal(t, schema.StateBehaviorCompleted, doc.CurrentState())

	// A stop directive closes the step; one cascade closes the stage, then
	// control returns. Finishing the workflow is the caller's next advance.
	doc, err = co.ApplyTransition(ctx, doc, &schema.Response{
		ContinueBehaviors: falsePtr(),
	}, true)
	require.NoError(t, err)
	require.Equal(t, schema.StateStageCompleted, doc.CurrentState())

	doc, err = co.ApplyTransition(ctx, doc, schema.NewAutoTrigger(schema.EventCompleteWorkflow), true)
	require.NoError(t, err)
	assert.Equal(t, schema.StateWorkflowCompleted, doc.CurrentState())

	stages := doc.Observation.Location.Progress.Stages
	require.Len(t, stages.Completed, 1)
	assert.Equal(t, schema.ItemStatusCompleted, stages.Completed[0].Status)
}

func TestCoordinatorCascadeRotatesSteps(t *testing.T) {
	bridge := &recordingBridge{}
	co, _ := newTestCoordinator(bridge)
	ctx := context.Background()

	doc := docAt(schema.StateBehaviorCompleted)
	doc.Observation.Location.Current = schema.CurrentLocation{StageID: "stage-1", StepID: "step-1"}
	step := item("step-1", "Load")
	doc.Observation.Location.Progress.Steps.Current = &step
	doc.Observation.Location.Progress.Steps.Remaining = []schema.WorkItem{item("step-2", "Clean")}

	out, err := co.ApplyTransition(ctx, doc, &schema.Response{
		ContinueBehaviors: falsePtr(),
	}, true)
	require.NoError(t, err)

	// COMPLETE_STEP lands in STEP_COMPLETED; with a step remaining the
	// cascade fires NEXT_STEP and stops in STEP_RUNNING.
	assert.Equal(t, schema.StateStepRunning, out.CurrentState())
	assert.Equal(t, "step-2", out.Observation.Location.Current.StepID)
	require.Len(t, bridge.actions, 1)
	assert.Equal(t, "## Clean", bridge.actions[0].Content)
}

// One outer ApplyTransition may fire at most one auto-trigger, even when the
// state it lands in is itself allow-listed and locally decidable.
func TestCascadeAppliesAtMostOneAutoTrigger(t *testing.T) {
	co, _ := newTestCoordinator(&recordingBridge{})

	// Last behavior of the last step of the last stage: every completion from
	// here on is locally decidable, so an unbounded cascade would run the
	// whole workflow out in one call.
	doc := docAt(schema.StateBehaviorCompleted)
	doc.Observation.Location.Current = schema.CurrentLocation{StageID: "stage-1", StepID: "step-1"}
	step := item("step-1", "Summarize")
	doc.Observation.Location.Progress.Steps.Current = &step
	stage := item("stage-1", "Analysis")
	doc.Observation.Location.Progress.Stages.Current = &stage

	out, err := co.ApplyTransition(context.Background(), doc, &schema.Response{
		ContinueBehaviors: falsePtr(),
	}, true)
	require.NoError(t, err)

	// COMPLETE_STEP plus exactly one cascaded COMPLETE_STAGE.
	assert.Equal(t, schema.StateStageCompleted, out.CurrentState())

	// The next hop is still available to a follow-up call, one at a time.
	out, err = co.ApplyTransition(context.Background(), out, schema.NewAutoTrigger(schema.EventCompleteWorkflow), true)
	require.NoError(t, err)
	assert.Equal(t, schema.StateWorkflowCompleted, out.CurrentState())
}

func TestCoordinatorDisallowsCascadeWhenAutoOff(t *testing.T) {
	co, _ := newTestCoordinator(nil)

	doc := docAt(schema.StateBehaviorCompleted)
	step := item("step-1", "Load")
	doc.Observation.Location.Progress.Steps.Current = &step

	out, err := co.ApplyTransition(context.Background(), doc, &schema.Response{
		ContinueBehaviors: falsePtr(),
	}, false)
	require.NoError(t, err)
	assert.Equal(t, schema.StateStepCompleted, out.CurrentState())
}

func TestCoordinatorAmbiguousReflectionContinuesBehaviors(t *testing.T) {
	co, _ := newTestCoordinator(nil)

	doc := docAt(schema.StateBehaviorCompleted)
	doc.Observation.Location.Progress.Behaviors.Remaining = []schema.WorkItem{
		item("behavior-2", "Follow-up"),
	}

	// behavior_is_complete alone carries no directive about what comes next;
	// the engine keeps working the current level.
	out, err := co.ApplyTransition(context.Background(), doc, &schema.Response{
		BehaviorIsComplete: truePtr(),
	}, true)
	require.NoError(t, err)

	assert.Equal(t, schema.StateBehaviorRunning, out.CurrentState())
	assert.Equal(t, "behavior-2", out.Observation.Location.Current.BehaviorID)
}

func TestCoordinatorControlResponses(t *testing.T) {
	co, _ := newTestCoordinator(nil)
	ctx := context.Background()

	out, err := co.ApplyTransition(ctx, docAt(schema.StateStepRunning), &schema.Response{
		Control: schema.ControlCancel,
	}, true)
	require.NoError(t, err)
	assert.Equal(t, schema.StateCancelled, out.CurrentState())

	out, err = co.ApplyTransition(ctx, docAt(schema.StateActionRunning), &schema.Response{
		Control:      schema.ControlFail,
		ErrorPayload: map[string]any{"reason": "timeout"},
	}, true)
	require.NoError(t, err)
	assert.Equal(t, schema.StateError, out.CurrentState())
}
