package engine

import (
	"context"

	"github.com/rendis/quill/pkg/schema"
)

// startWorkflowHandler consumes a stages-list and opens the first stage.
type startWorkflowHandler struct {
	deps HandlerDeps
}

func (h *startWorkflowHandler) Event() schema.WorkflowEvent { return schema.EventStartWorkflow }
func (h *startWorkflowHandler) From() schema.WorkflowState  { return schema.StateIdle }
func (h *startWorkflowHandler) To() schema.WorkflowState    { return schema.StateStageRunning }

func (h *startWorkflowHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	return doc.CurrentState() == schema.StateIdle && resp.Kind() == schema.ResponseStagesList
}

func (h *startWorkflowHandler) Apply(ctx context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()

	if resp.Goals != "" {
		cp.Observation.Location.Goals = resp.Goals
	}

	stages := cp.Observation.Location.Progress.Entry(schema.LevelStage)
	if !h.deps.seedLevel(ctx, cp, stages, resp.Stages) {
		// Every planned stage was guarded off: nothing to run.
		cp.ApplyFSM(schema.StateWorkflowCompleted, schema.EventStartWorkflow)
		return cp, nil
	}
	if resp.Focus != "" {
		stages.Focus = resp.Focus
	}

	cp.Observation.Location.Current = schema.CurrentLocation{
		StageID: stages.Current.ID,
	}
	cp.ApplyFSM(schema.StateStageRunning, schema.EventStartWorkflow)

	h.deps.dispatch(ctx, schema.Action{
		Type:    schema.ActionAddText,
		Content: "# " + stages.Current.Name,
	})
	return cp, nil
}

// startStepHandler consumes a steps-list, or a target-achieved signal that
// closes the stage early instead of opening a step.
type startStepHandler struct {
	deps HandlerDeps
}

func (h *startStepHandler) Event() schema.WorkflowEvent { return schema.EventStartStep }
func (h *startStepHandler) From() schema.WorkflowState  { return schema.StateStageRunning }
func (h *startStepHandler) To() schema.WorkflowState    { return schema.StateStepRunning }

func (h *startStepHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	if doc.CurrentState() != schema.StateStageRunning {
		return false
	}
	kind := resp.Kind()
	return kind == schema.ResponseStepsList || kind == schema.ResponseTargetAchieved
}

func (h *startStepHandler) Apply(ctx context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()

	if boolVal(resp.TargetAchieved) {
		// Stage goal already met: close the stage instead of opening a step.
		mergeVariables(cp, resp.ContextUpdate)
		stages := cp.Observation.Location.Progress.Entry(schema.LevelStage)
		if stages.Current != nil {
			stages.Current.Status = schema.ItemStatusCompleted
		}
		cp.ApplyFSM(schema.StateStageCompleted, schema.EventStartStep)
		return cp, nil
	}

	if cp.Observation.Location.Current.StageID == "" {
		return nil, schema.NewError(schema.ErrCodeMissingContext, "no current stage to plan steps for")
	}

	steps := cp.Observation.Location.Progress.Entry(schema.LevelStep)
	if !h.deps.seedLevel(ctx, cp, steps, resp.Steps) {
		// Every planned step was guarded off: the stage has nothing to do.
		stages := cp.Observation.Location.Progress.Entry(schema.LevelStage)
		if stages.Current != nil {
			stages.Current.Status = schema.ItemStatusCompleted
		}
		cp.ApplyFSM(schema.StateStageCompleted, schema.EventStartStep)
		return cp, nil
	}
	if resp.Focus != "" {
		steps.Focus = resp.Focus
	}

	cp.Observation.Location.Current.StepID = steps.Current.ID
	cp.Observation.Location.Current.BehaviorID = ""
	cp.ApplyFSM(schema.StateStepRunning, schema.EventStartStep)

	h.deps.dispatch(ctx, schema.Action{
		Type:    schema.ActionAddText,
		Content: "## " + steps.Current.Name,
	})
	return cp, nil
}

// startBehaviorHandler consumes a behavior definition, or a target-achieved
// signal that closes the step early instead.
type startBehaviorHandler struct {
	deps HandlerDeps
}

func (h *startBehaviorHandler) Event() schema.WorkflowEvent { return schema.EventStartBehavior }
func (h *startBehaviorHandler) From() schema.WorkflowState  { return schema.StateStepRunning }
func (h *startBehaviorHandler) To() schema.WorkflowState    { return schema.StateBehaviorRunning }

func (h *startBehaviorHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	if doc.CurrentState() != schema.StateStepRunning {
		return false
	}
	kind := resp.Kind()
	return kind == schema.ResponseBehavior || kind == schema.ResponseTargetAchieved
}

func (h *startBehaviorHandler) Apply(ctx context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()

	if boolVal(resp.TargetAchieved) {
		mergeVariables(cp, resp.ContextUpdate)
		steps := cp.Observation.Location.Progress.Entry(schema.LevelStep)
		if steps.Current != nil {
			steps.Current.Status = schema.ItemStatusCompleted
		}
		cp.ApplyFSM(schema.StateStepCompleted, schema.EventStartBehavior)
		return cp, nil
	}

	if cp.Observation.Location.Current.StepID == "" {
		return nil, schema.NewError(schema.ErrCodeMissingContext, "no current step to start a behavior in")
	}

	behaviors := cp.Observation.Location.Progress.Entry(schema.LevelBehavior)
	setCurrent(behaviors, *resp.Behavior)
	if resp.Focus != "" {
		behaviors.Focus = resp.Focus
	}

	cp.Observation.Location.Current.BehaviorID = resp.Behavior.ID
	cp.Observation.Location.Current.BehaviorIteration++
	cp.State.Effects.Current = nil
	// A fresh behavior starts with an empty action cursor.
	h.deps.Exec.SetActions(nil)
	cp.ApplyFSM(schema.StateBehaviorRunning, schema.EventStartBehavior)
	return cp, nil
}

// startActionHandler consumes a generating-API action batch and dispatches
// the first action.
type startActionHandler struct {
	deps HandlerDeps
}

func (h *startActionHandler) Event() schema.WorkflowEvent { return schema.EventStartAction }
func (h *startActionHandler) From() schema.WorkflowState  { return schema.StateBehaviorRunning }
func (h *startActionHandler) To() schema.WorkflowState    { return schema.StateActionRunning }

func (h *startActionHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	return doc.CurrentState() == schema.StateBehaviorRunning && resp.Kind() == schema.ResponseActions
}

func (h *startActionHandler) Apply(ctx context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()

	if cp.Observation.Location.Current.BehaviorID == "" {
		return nil, schema.NewError(schema.ErrCodeMissingContext, "no current behavior to run actions for")
	}

	h.deps.Exec.SetActions(resp.Actions)
	first := h.deps.Exec.CurrentAction()
	if first != nil {
		h.deps.dispatch(ctx, *first)
		cp.State.Effects.Current = append(cp.State.Effects.Current, effectNote(*first))
	}

	cp.ApplyFSM(schema.StateActionRunning, schema.EventStartAction)
	return cp, nil
}

func effectNote(action schema.Action) string {
	if action.CellID != "" {
		return string(action.Type) + ":" + action.CellID
	}
	return string(action.Type)
}
