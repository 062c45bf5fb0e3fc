package engine

import (
	"context"

	"github.com/rendis/quill/pkg/schema"
)

// completeActionHandler closes the action under the cursor. Fired internally
// by the runner once the bridge reports the dispatch outcome.
type completeActionHandler struct {
	deps HandlerDeps
}

func (h *completeActionHandler) Event() schema.WorkflowEvent { return schema.EventCompleteAction }
func (h *completeActionHandler) From() schema.WorkflowState  { return schema.StateActionRunning }
func (h *completeActionHandler) To() schema.WorkflowState    { return schema.StateActionCompleted }

func (h *completeActionHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	return doc.CurrentState() == schema.StateActionRunning &&
		resp.IsAutoTrigger(schema.EventCompleteAction)
}

func (h *completeActionHandler) Apply(_ context.Context, doc *schema.StateDocument, _ *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()
	cp.ApplyFSM(schema.StateActionCompleted, schema.EventCompleteAction)
	return cp, nil
}

// completeBehaviorHandler consumes a reflection and closes the current
// behavior, folding produced variables and artifacts into the document.
type completeBehaviorHandler struct {
	deps HandlerDeps
}

func (h *completeBehaviorHandler) Event() schema.WorkflowEvent { return schema.EventCompleteBehavior }
func (h *completeBehaviorHandler) From() schema.WorkflowState  { return schema.StateBehaviorRunning }
func (h *completeBehaviorHandler) To() schema.WorkflowState    { return schema.StateBehaviorCompleted }

func (h *completeBehaviorHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	state := doc.CurrentState()
	if state != schema.StateBehaviorRunning && state != schema.StateActionCompleted {
		return false
	}
	if resp.IsAutoTrigger(schema.EventCompleteBehavior) {
		return true
	}
	kind := resp.Kind()
	return kind == schema.ResponseReflection || kind == schema.ResponseTargetAchieved
}

func (h *completeBehaviorHandler) Apply(_ context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()
	tr := h.deps.tracker(cp)

	mergeVariables(cp, resp.VariablesProduced)
	mergeVariables(cp, resp.ContextUpdate)
	if err := tr.MergeTracking(schema.LevelBehavior, resp.OutputsTracking); err != nil {
		return nil, err
	}
	// Behavior artifacts count toward the step ledger so the step-level
	// completeness decision can be made from local state.
	if err := tr.MergeTracking(schema.LevelStep, resp.OutputsTracking); err != nil {
		return nil, err
	}

	behaviors := cp.Observation.Location.Progress.Entry(schema.LevelBehavior)
	propagateProduced(cp, schema.LevelBehavior, schema.LevelStep)
	archiveCurrent(behaviors, schema.ItemStatusCompleted, resp.ContextForNext)
	if id := cp.Observation.Location.Current.BehaviorID; id != "" {
		h.deps.Exec.MarkBehaviorCompleted(id)
	}
	rollEffects(cp)

	cp.ApplyFSM(schema.StateBehaviorCompleted, schema.EventCompleteBehavior)
	return cp, nil
}

// completeStepHandler closes the current step. Reached from STEP_RUNNING via
// an auto-trigger (step outputs satisfied) or from BEHAVIOR_COMPLETED via a
// reflection whose directive is not to continue behaviors.
type completeStepHandler struct {
	deps HandlerDeps
}

func (h *completeStepHandler) Event() schema.WorkflowEvent { return schema.EventCompleteStep }
func (h *completeStepHandler) From() schema.WorkflowState  { return schema.StateStepRunning }
func (h *completeStepHandler) To() schema.WorkflowState    { return schema.StateStepCompleted }

func (h *completeStepHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	state := doc.CurrentState()
	if state != schema.StateStepRunning && state != schema.StateBehaviorCompleted {
		return false
	}
	if resp.IsAutoTrigger(schema.EventCompleteStep) {
		return true
	}
	// Explicit completion directives only; ambiguous reflections fall through
	// to the continue-current-level default.
	switch resp.Kind() {
	case schema.ResponseTargetAchieved:
		return boolVal(resp.TargetAchieved)
	case schema.ResponseReflection:
		return state == schema.StateBehaviorCompleted &&
			(boolVal(resp.TargetAchieved) ||
				(resp.ContinueBehaviors != nil && !*resp.ContinueBehaviors))
	}
	return false
}

func (h *completeStepHandler) Apply(_ context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()
	tr := h.deps.tracker(cp)

	mergeVariables(cp, resp.VariablesProduced)
	mergeVariables(cp, resp.ContextUpdate)
	if err := tr.MergeTracking(schema.LevelStep, resp.OutputsTracking); err != nil {
		return nil, err
	}

	steps := cp.Observation.Location.Progress.Entry(schema.LevelStep)
	if steps.Current != nil {
		steps.Current.Status = schema.ItemStatusCompleted
		if resp.ContextForNext != nil {
			steps.Current.ContextForNext = resp.ContextForNext
		}
	}
	propagateProduced(cp, schema.LevelStep, schema.LevelStage)

	// Behavior-level context is spent once its step closes.
	resetLevel(cp.Observation.Location.Progress.Entry(schema.LevelBehavior))
	cp.Observation.Location.Current.BehaviorID = ""

	cp.ApplyFSM(schema.StateStepCompleted, schema.EventCompleteStep)
	return cp, nil
}

// completeStageHandler closes the current stage.
type completeStageHandler struct {
	deps HandlerDeps
}

func (h *completeStageHandler) Event() schema.WorkflowEvent { return schema.EventCompleteStage }
func (h *completeStageHandler) From() schema.WorkflowState  { return schema.StateStageRunning }
func (h *completeStageHandler) To() schema.WorkflowState    { return schema.StateStageCompleted }

func (h *completeStageHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	state := doc.CurrentState()
	if state != schema.StateStageRunning && state != schema.StateStepCompleted {
		return false
	}
	return resp.IsAutoTrigger(schema.EventCompleteStage)
}

func (h *completeStageHandler) Apply(_ context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()

	stages := cp.Observation.Location.Progress.Entry(schema.LevelStage)
	if stages.Current != nil {
		stages.Current.Status = schema.ItemStatusCompleted
		if resp.ContextForNext != nil {
			stages.Current.ContextForNext = resp.ContextForNext
		}
	}

	cp.ApplyFSM(schema.StateStageCompleted, schema.EventCompleteStage)
	return cp, nil
}

// completeWorkflowHandler is the terminal success transition.
type completeWorkflowHandler struct {
	deps HandlerDeps
}

func (h *completeWorkflowHandler) Event() schema.WorkflowEvent { return schema.EventCompleteWorkflow }
func (h *completeWorkflowHandler) From() schema.WorkflowState  { return schema.StateStageCompleted }
func (h *completeWorkflowHandler) To() schema.WorkflowState    { return schema.StateWorkflowCompleted }

func (h *completeWorkflowHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	return doc.CurrentState() == schema.StateStageCompleted &&
		resp.IsAutoTrigger(schema.EventCompleteWorkflow)
}

func (h *completeWorkflowHandler) Apply(_ context.Context, doc *schema.StateDocument, _ *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()
	archiveCurrent(cp.Observation.Location.Progress.Entry(schema.LevelStage), schema.ItemStatusCompleted, nil)
	cp.ApplyFSM(schema.StateWorkflowCompleted, schema.EventCompleteWorkflow)
	return cp, nil
}
