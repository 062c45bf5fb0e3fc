package engine

import (
	"context"

	"github.com/rendis/quill/pkg/schema"
)

// nextActionHandler advances the action cursor and dispatches the next
// action. With the list drained it returns to BEHAVIOR_RUNNING so the runner
// can request a reflection.
type nextActionHandler struct {
	deps HandlerDeps
}

func (h *nextActionHandler) Event() schema.WorkflowEvent { return schema.EventNextAction }
func (h *nextActionHandler) From() schema.WorkflowState  { return schema.StateActionCompleted }
func (h *nextActionHandler) To() schema.WorkflowState    { return schema.StateActionRunning }

func (h *nextActionHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	return doc.CurrentState() == schema.StateActionCompleted &&
		resp.IsAutoTrigger(schema.EventNextAction)
}

func (h *nextActionHandler) Apply(ctx context.Context, doc *schema.StateDocument, _ *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()

	if h.deps.Exec.AdvanceAction() {
		action := h.deps.Exec.CurrentAction()
		h.deps.dispatch(ctx, *action)
		cp.State.Effects.Current = append(cp.State.Effects.Current, effectNote(*action))
		cp.ApplyFSM(schema.StateActionRunning, schema.EventNextAction)
		return cp, nil
	}

	// Drained: hand control back to the behavior for reflection.
	cp.ApplyFSM(schema.StateBehaviorRunning, schema.EventNextAction)
	return cp, nil
}

// nextBehaviorHandler opens the next behavior after a completed one. The new
// behavior comes from the reflection itself or from the planned remaining
// list; with neither available the step is closed instead (documented
// fallback).
type nextBehaviorHandler struct {
	deps HandlerDeps
}

func (h *nextBehaviorHandler) Event() schema.WorkflowEvent { return schema.EventNextBehavior }
func (h *nextBehaviorHandler) From() schema.WorkflowState  { return schema.StateBehaviorCompleted }
func (h *nextBehaviorHandler) To() schema.WorkflowState    { return schema.StateBehaviorRunning }

func (h *nextBehaviorHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	if doc.CurrentState() != schema.StateBehaviorCompleted {
		return false
	}
	if resp.IsAutoTrigger(schema.EventNextBehavior) {
		return true
	}
	switch resp.Kind() {
	case schema.ResponseBehavior:
		return true
	case schema.ResponseReflection:
		// Explicit continue, or no clear directive: continuing the current
		// level is the defensive default.
		return resp.ContinueBehaviors == nil || *resp.ContinueBehaviors
	}
	return false
}

func (h *nextBehaviorHandler) Apply(ctx context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()
	tr := h.deps.tracker(cp)

	mergeVariables(cp, resp.VariablesProduced)
	if err := tr.MergeTracking(schema.LevelStep, resp.OutputsTracking); err != nil {
		return nil, err
	}

	behaviors := cp.Observation.Location.Progress.Entry(schema.LevelBehavior)

	// A reflection-supplied behavior is taken as-is; a planned one must pass
	// its guard to be promoted.
	var next *schema.WorkItem
	switch {
	case resp.Behavior != nil:
		next = resp.Behavior
	case h.deps.popAdmitted(ctx, cp, behaviors):
		next = behaviors.Current
	}

	if next == nil {
		// Nothing left to run: close the step instead.
		steps := cp.Observation.Location.Progress.Entry(schema.LevelStep)
		if steps.Current != nil {
			steps.Current.Status = schema.ItemStatusCompleted
		}
		resetLevel(behaviors)
		cp.Observation.Location.Current.BehaviorID = ""
		cp.ApplyFSM(schema.StateStepCompleted, schema.EventNextBehavior)
		return cp, nil
	}

	setCurrent(behaviors, *next)
	if resp.Focus != "" {
		behaviors.Focus = resp.Focus
	}
	cp.Observation.Location.Current.BehaviorID = next.ID
	cp.Observation.Location.Current.BehaviorIteration++
	cp.State.Effects.Current = nil
	// A fresh behavior starts with an empty action cursor.
	h.deps.Exec.SetActions(nil)
	cp.ApplyFSM(schema.StateBehaviorRunning, schema.EventNextBehavior)
	return cp, nil
}

// nextStepHandler rotates the step level: the outgoing step is archived and
// the head of remaining becomes current. Empty remaining closes the stage
// instead (documented fallback).
type nextStepHandler struct {
	deps HandlerDeps
}

func (h *nextStepHandler) Event() schema.WorkflowEvent { return schema.EventNextStep }
func (h *nextStepHandler) From() schema.WorkflowState  { return schema.StateStepCompleted }
func (h *nextStepHandler) To() schema.WorkflowState    { return schema.StateStepRunning }

func (h *nextStepHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	return doc.CurrentState() == schema.StateStepCompleted &&
		resp.IsAutoTrigger(schema.EventNextStep)
}

func (h *nextStepHandler) Apply(ctx context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()

	steps := cp.Observation.Location.Progress.Entry(schema.LevelStep)
	if !h.deps.advanceLevel(ctx, cp, steps, resp.ContextForNext) {
		// No steps left in this stage.
		stages := cp.Observation.Location.Progress.Entry(schema.LevelStage)
		if stages.Current != nil {
			stages.Current.Status = schema.ItemStatusCompleted
		}
		cp.Observation.Location.Current.StepID = ""
		cp.Observation.Location.Current.BehaviorID = ""
		cp.ApplyFSM(schema.StateStageCompleted, schema.EventNextStep)
		return cp, nil
	}

	resetLevel(cp.Observation.Location.Progress.Entry(schema.LevelBehavior))
	cp.Observation.Location.Current.StepID = steps.Current.ID
	cp.Observation.Location.Current.BehaviorID = ""
	cp.ApplyFSM(schema.StateStepRunning, schema.EventNextStep)

	h.deps.dispatch(ctx, schema.Action{
		Type:    schema.ActionAddText,
		Content: "## " + steps.Current.Name,
	})
	return cp, nil
}

// nextStageHandler rotates the stage level. Empty remaining completes the
// workflow instead (documented fallback).
type nextStageHandler struct {
	deps HandlerDeps
}

func (h *nextStageHandler) Event() schema.WorkflowEvent { return schema.EventNextStage }
func (h *nextStageHandler) From() schema.WorkflowState  { return schema.StateStageCompleted }
func (h *nextStageHandler) To() schema.WorkflowState    { return schema.StateStageRunning }

func (h *nextStageHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	return doc.CurrentState() == schema.StateStageCompleted &&
		resp.IsAutoTrigger(schema.EventNextStage)
}

func (h *nextStageHandler) Apply(ctx context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()

	stages := cp.Observation.Location.Progress.Entry(schema.LevelStage)
	if !h.deps.advanceLevel(ctx, cp, stages, resp.ContextForNext) {
		cp.ApplyFSM(schema.StateWorkflowCompleted, schema.EventNextStage)
		return cp, nil
	}

	// Advancing a stage clears all child-level context.
	resetLevel(cp.Observation.Location.Progress.Entry(schema.LevelStep))
	resetLevel(cp.Observation.Location.Progress.Entry(schema.LevelBehavior))
	cp.Observation.Location.Current = schema.CurrentLocation{
		StageID:           stages.Current.ID,
		BehaviorIteration: cp.Observation.Location.Current.BehaviorIteration,
	}
	cp.ApplyFSM(schema.StateStageRunning, schema.EventNextStage)

	h.deps.dispatch(ctx, schema.Action{
		Type:    schema.ActionAddText,
		Content: "# " + stages.Current.Name,
	})
	return cp, nil
}
