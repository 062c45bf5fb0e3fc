package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/quill/internal/expressions"
	"github.com/rendis/quill/pkg/schema"
)

// celGuard builds the same CEL-backed guard the runner wires by default.
func celGuard(t *testing.T) GuardEvaluator {
	t.Helper()
	eng, err := expressions.NewCELEngine()
	require.NoError(t, err)
	return func(ctx context.Context, expression string, doc *schema.StateDocument) (bool, error) {
		return eng.EvaluateBool(ctx, expression, expressions.BuildScope(doc).Data())
	}
}

func guardedDeps(t *testing.T) HandlerDeps {
	t.Helper()
	deps := newDeps(nil)
	deps.Guard = celGuard(t)
	return deps
}

func guarded(id, name, condition string) schema.WorkItem {
	w := item(id, name)
	w.Condition = condition
	return w
}

func TestStartWorkflowSkipsGuardedStage(t *testing.T) {
	h := &startWorkflowHandler{guardedDeps(t)}

	doc := schema.NewStateDocument()
	doc.State.Variables["include_plots"] = false

	out, err := h.Apply(context.Background(), doc, &schema.Response{
		Stages: []schema.WorkItem{
			guarded("stage-plots", "Visualize", "variables.include_plots == true"),
			item("stage-summary", "Summarize"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.StateStageRunning, out.CurrentState())
	assert.Equal(t, "stage-summary", out.Observation.Location.Current.StageID)

	stages := out.Observation.Location.Progress.Stages
	require.NotNil(t, stages.Current)
	assert.Equal(t, "stage-summary", stages.Current.ID)
	require.Len(t, stages.Completed, 1)
	assert.Equal(t, "stage-plots", stages.Completed[0].ID)
	assert.Equal(t, schema.ItemStatusSkipped, stages.Completed[0].Status)
}

func TestStartWorkflowAllStagesGuardedOffCompletes(t *testing.T) {
	h := &startWorkflowHandler{guardedDeps(t)}

	doc := schema.NewStateDocument()
	doc.State.Variables["dry_run"] = true

	out, err := h.Apply(context.Background(), doc, &schema.Response{
		Stages: []schema.WorkItem{
			guarded("stage-1", "Load", "variables.dry_run == false"),
			guarded("stage-2", "Model", "variables.dry_run == false"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.StateWorkflowCompleted, out.CurrentState())
	stages := out.Observation.Location.Progress.Stages
	assert.Nil(t, stages.Current)
	require.Len(t, stages.Completed, 2)
	for _, st := range stages.Completed {
		assert.Equal(t, schema.ItemStatusSkipped, st.Status)
	}
}

func TestStartStepAllStepsGuardedOffClosesStage(t *testing.T) {
	h := &startStepHandler{guardedDeps(t)}

	doc := docAt(schema.StateStageRunning)
	doc.Observation.Location.Current.StageID = "stage-1"
	current := item("stage-1", "Explore")
	doc.Observation.Location.Progress.Stages.Current = &current
	doc.State.Variables["deep_profile"] = false

	out, err := h.Apply(context.Background(), doc, &schema.Response{
		Steps: []schema.WorkItem{
			guarded("step-1", "Profile", "variables.deep_profile == true"),
		},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.StateStageCompleted, out.CurrentState())
	assert.Equal(t, schema.ItemStatusCompleted, out.Observation.Location.Progress.Stages.Current.Status)
	steps := out.Observation.Location.Progress.Steps
	require.Len(t, steps.Completed, 1)
	assert.Equal(t, schema.ItemStatusSkipped, steps.Completed[0].Status)
}

func TestNextStepSkipsGuardedStep(t *testing.T) {
	h := &nextStepHandler{guardedDeps(t)}

	doc := docAt(schema.StateStepCompleted)
	current := item("step-1", "Load")
	doc.Observation.Location.Progress.Steps.Current = &current
	doc.Observation.Location.Progress.Steps.Remaining = []schema.WorkItem{
		guarded("step-2", "Impute", "variables.has_nulls == true"),
		item("step-3", "Aggregate"),
	}
	doc.State.Variables["has_nulls"] = false

	out, err := h.Apply(context.Background(), doc, schema.NewAutoTrigger(schema.EventNextStep))
	require.NoError(t, err)

	assert.Equal(t, schema.StateStepRunning, out.CurrentState())
	assert.Equal(t, "step-3", out.Observation.Location.Current.StepID)

	steps := out.Observation.Location.Progress.Steps
	require.Len(t, steps.Completed, 2)
	assert.Equal(t, schema.ItemStatusCompleted, steps.Completed[0].Status)
	assert.Equal(t, "step-2", steps.Completed[1].ID)
	assert.Equal(t, schema.ItemStatusSkipped, steps.Completed[1].Status)
}

func TestNextStageGuardedRemainderCompletesWorkflow(t *testing.T) {
	h := &nextStageHandler{guardedDeps(t)}

	doc := docAt(schema.StateStageCompleted)
	current := item("stage-1", "Explore")
	doc.Observation.Location.Progress.Stages.Current = &current
	doc.Observation.Location.Progress.Stages.Remaining = []schema.WorkItem{
		guarded("stage-2", "Visualize", "variables.make_plots == true"),
	}
	doc.State.Variables["make_plots"] = false

	out, err := h.Apply(context.Background(), doc, schema.NewAutoTrigger(schema.EventNextStage))
	require.NoError(t, err)

	assert.Equal(t, schema.StateWorkflowCompleted, out.CurrentState())
	stages := out.Observation.Location.Progress.Stages
	require.Len(t, stages.Completed, 2)
	assert.Equal(t, schema.ItemStatusSkipped, stages.Completed[1].Status)
}

func TestGuardTrueAdmitsItem(t *testing.T) {
	h := &nextStageHandler{guardedDeps(t)}

	doc := docAt(schema.StateStageCompleted)
	current := item("stage-1", "Explore")
	doc.Observation.Location.Progress.Stages.Current = &current
	doc.Observation.Location.Progress.Stages.Remaining = []schema.WorkItem{
		guarded("stage-2", "Visualize", "variables.make_plots == true"),
	}
	doc.State.Variables["make_plots"] = true

	out, err := h.Apply(context.Background(), doc, schema.NewAutoTrigger(schema.EventNextStage))
	require.NoError(t, err)

	assert.Equal(t, schema.StateStageRunning, out.CurrentState())
	assert.Equal(t, "stage-2", out.Observation.Location.Current.StageID)
}

func TestUnevaluableGuardAdmitsItem(t *testing.T) {
	h := &nextStageHandler{guardedDeps(t)}

	doc := docAt(schema.StateStageCompleted)
	current := item("stage-1", "Explore")
	doc.Observation.Location.Progress.Stages.Current = &current
	doc.Observation.Location.Progress.Stages.Remaining = []schema.WorkItem{
		guarded("stage-2", "Visualize", "this is ( not an expression"),
	}

	out, err := h.Apply(context.Background(), doc, schema.NewAutoTrigger(schema.EventNextStage))
	require.NoError(t, err)

	// Broken guards run the item rather than silently dropping work.
	assert.Equal(t, schema.StateStageRunning, out.CurrentState())
	assert.Equal(t, "stage-2", out.Observation.Location.Current.StageID)
}

func TestNextBehaviorSkipsGuardedPlannedBehavior(t *testing.T) {
	h := &nextBehaviorHandler{guardedDeps(t)}

	doc := docAt(schema.StateBehaviorCompleted)
	doc.Observation.Location.Progress.Behaviors.Remaining = []schema.WorkItem{
		guarded("behavior-2", "Outlier sweep", "variables.check_outliers == true"),
		item("behavior-3", "Final report"),
	}
	doc.State.Variables["check_outliers"] = false

	out, err := h.Apply(context.Background(), doc, &schema.Response{
		ContinueBehaviors: truePtr(),
	})
	require.NoError(t, err)

	assert.Equal(t, schema.StateBehaviorRunning, out.CurrentState())
	assert.Equal(t, "behavior-3", out.Observation.Location.Current.BehaviorID)
	behaviors := out.Observation.Location.Progress.Behaviors
	require.Len(t, behaviors.Completed, 1)
	assert.Equal(t, schema.ItemStatusSkipped, behaviors.Completed[0].Status)
}
