package engine

import (
	"github.com/rendis/quill/internal/progress"
	"github.com/rendis/quill/pkg/schema"
)

// StateDecision is the per-state policy object: which events are legal, what
// the next event is when it can be computed from local progress alone, and
// which external API family the state requires. It is the canonical
// "what do I ask for next" oracle for callers holding a persisted document.
type StateDecision interface {
	State() schema.WorkflowState
	ValidTransitions() []schema.WorkflowEvent
	// DetermineNext computes the next event from current progress without an
	// external call. ok is false when a fresh external response is required.
	DetermineNext(doc *schema.StateDocument) (event schema.WorkflowEvent, ok bool)
	// CanTransitionTo re-validates the condition behind an event before it is
	// applied. Events outside the transition table are always rejected.
	CanTransitionTo(event schema.WorkflowEvent, doc *schema.StateDocument) bool
	RequiredAPI(doc *schema.StateDocument) schema.APIKind
}

// DecisionTable maps each non-terminal state to its policy.
type DecisionTable map[schema.WorkflowState]StateDecision

// NewDecisionTable builds the full decision table. exec supplies the action
// cursor for the action sub-cycle; eval is the optional done_when evaluator.
func NewDecisionTable(exec *ExecutionContext, eval progress.Evaluator) DecisionTable {
	base := func(s schema.WorkflowState) baseDecision {
		return baseDecision{state: s, eval: eval}
	}
	table := DecisionTable{}
	for _, d := range []StateDecision{
		&idleDecision{base(schema.StateIdle)},
		&stageRunningDecision{base(schema.StateStageRunning)},
		&stepRunningDecision{base(schema.StateStepRunning)},
		&behaviorRunningDecision{base(schema.StateBehaviorRunning), exec},
		&actionRunningDecision{base(schema.StateActionRunning)},
		&actionCompletedDecision{base(schema.StateActionCompleted), exec},
		&behaviorCompletedDecision{base(schema.StateBehaviorCompleted)},
		&stepCompletedDecision{base(schema.StateStepCompleted)},
		&stageCompletedDecision{base(schema.StateStageCompleted)},
		&updatePendingDecision{base(schema.StateWorkflowUpdatePending)},
		&updatePendingDecision{base(schema.StateStepUpdatePending)},
	} {
		table[d.State()] = d
	}
	return table
}

// baseDecision provides the table-derived pieces shared by all policies.
type baseDecision struct {
	state schema.WorkflowState
	eval  progress.Evaluator
}

func (b *baseDecision) State() schema.WorkflowState { return b.state }

func (b *baseDecision) ValidTransitions() []schema.WorkflowEvent {
	events := make([]schema.WorkflowEvent, 0, len(TransitionTable[b.state])+2)
	for event := range TransitionTable[b.state] {
		events = append(events, event)
	}
	events = append(events, schema.EventFail)
	if !b.state.IsTerminal() {
		events = append(events, schema.EventCancel)
	}
	return events
}

// legal checks the transition table plus the global FAIL/CANCEL events.
func (b *baseDecision) legal(event schema.WorkflowEvent) bool {
	_, ok := Lookup(b.state, event)
	return ok
}

func (b *baseDecision) tracker(doc *schema.StateDocument) *progress.Tracker {
	return progress.NewTracker(doc).WithEvaluator(b.eval)
}

// --- per-state policies ---

type idleDecision struct{ baseDecision }

func (d *idleDecision) DetermineNext(*schema.StateDocument) (schema.WorkflowEvent, bool) {
	return "", false // needs a planning response
}
func (d *idleDecision) CanTransitionTo(event schema.WorkflowEvent, _ *schema.StateDocument) bool {
	return d.legal(event)
}
func (d *idleDecision) RequiredAPI(*schema.StateDocument) schema.APIKind { return schema.APIPlanning }

type stageRunningDecision struct{ baseDecision }

func (d *stageRunningDecision) DetermineNext(doc *schema.StateDocument) (schema.WorkflowEvent, bool) {
	tr := d.tracker(doc)
	if tr.StageCompleted() && tr.OutputsSatisfied(schema.LevelStage) {
		return schema.EventCompleteStage, true
	}
	return "", false
}
func (d *stageRunningDecision) CanTransitionTo(event schema.WorkflowEvent, doc *schema.StateDocument) bool {
	if !d.legal(event) {
		return false
	}
	if event == schema.EventCompleteStage {
		return d.tracker(doc).OutputsSatisfied(schema.LevelStage)
	}
	return true
}
func (d *stageRunningDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	return schema.APIPlanning
}

type stepRunningDecision struct{ baseDecision }

func (d *stepRunningDecision) DetermineNext(doc *schema.StateDocument) (schema.WorkflowEvent, bool) {
	// Outputs conservation beats starting another behavior.
	if d.tracker(doc).LevelComplete(schema.LevelStep) &&
		len(doc.Observation.Location.Progress.Steps.CurrentOutputs.Expected) > 0 {
		return schema.EventCompleteStep, true
	}
	return "", false
}
func (d *stepRunningDecision) CanTransitionTo(event schema.WorkflowEvent, doc *schema.StateDocument) bool {
	if !d.legal(event) {
		return false
	}
	if event == schema.EventCompleteStep {
		return d.tracker(doc).LevelComplete(schema.LevelStep)
	}
	return true
}
func (d *stepRunningDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	return schema.APIPlanning
}

type behaviorRunningDecision struct {
	baseDecision
	exec *ExecutionContext
}

func (d *behaviorRunningDecision) DetermineNext(*schema.StateDocument) (schema.WorkflowEvent, bool) {
	return "", false // needs generating (actions) or reflecting (completion)
}
func (d *behaviorRunningDecision) CanTransitionTo(event schema.WorkflowEvent, _ *schema.StateDocument) bool {
	return d.legal(event)
}
func (d *behaviorRunningDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	if len(d.exec.CurrentBehaviorActions) == 0 {
		return schema.APIGenerating
	}
	return schema.APIReflecting
}

type actionRunningDecision struct{ baseDecision }

func (d *actionRunningDecision) DetermineNext(*schema.StateDocument) (schema.WorkflowEvent, bool) {
	return schema.EventCompleteAction, true
}
func (d *actionRunningDecision) CanTransitionTo(event schema.WorkflowEvent, _ *schema.StateDocument) bool {
	return d.legal(event)
}
func (d *actionRunningDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	return schema.APINone
}

type actionCompletedDecision struct {
	baseDecision
	exec *ExecutionContext
}

func (d *actionCompletedDecision) DetermineNext(*schema.StateDocument) (schema.WorkflowEvent, bool) {
	if d.exec.ActionsRemaining() > 0 {
		return schema.EventNextAction, true
	}
	return "", false // drained: a reflection decides what happens next
}
func (d *actionCompletedDecision) CanTransitionTo(event schema.WorkflowEvent, _ *schema.StateDocument) bool {
	if !d.legal(event) {
		return false
	}
	if event == schema.EventNextAction {
		return d.exec.ActionsRemaining() > 0
	}
	return true
}
func (d *actionCompletedDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	if d.exec.ActionsRemaining() > 0 {
		return schema.APINone
	}
	return schema.APIReflecting
}

type behaviorCompletedDecision struct{ baseDecision }

func (d *behaviorCompletedDecision) DetermineNext(doc *schema.StateDocument) (schema.WorkflowEvent, bool) {
	if d.tracker(doc).LevelComplete(schema.LevelStep) &&
		len(doc.Observation.Location.Progress.Steps.CurrentOutputs.Expected) > 0 {
		return schema.EventCompleteStep, true
	}
	return schema.EventNextBehavior, true
}
func (d *behaviorCompletedDecision) CanTransitionTo(event schema.WorkflowEvent, doc *schema.StateDocument) bool {
	if !d.legal(event) {
		return false
	}
	if event == schema.EventCompleteStep {
		return d.tracker(doc).LevelComplete(schema.LevelStep)
	}
	return true
}
func (d *behaviorCompletedDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	// Deliberately outside the auto-trigger allow-list: the next move always
	// needs a fresh reflection.
	return schema.APIReflecting
}

type stepCompletedDecision struct{ baseDecision }

func (d *stepCompletedDecision) DetermineNext(doc *schema.StateDocument) (schema.WorkflowEvent, bool) {
	if len(doc.Observation.Location.Progress.Steps.Remaining) == 0 {
		return schema.EventCompleteStage, true
	}
	return schema.EventNextStep, true
}
func (d *stepCompletedDecision) CanTransitionTo(event schema.WorkflowEvent, doc *schema.StateDocument) bool {
	if !d.legal(event) {
		return false
	}
	if event == schema.EventCompleteStage {
		return len(doc.Observation.Location.Progress.Steps.Remaining) == 0
	}
	return true
}
func (d *stepCompletedDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	return schema.APINone
}

type stageCompletedDecision struct{ baseDecision }

func (d *stageCompletedDecision) DetermineNext(doc *schema.StateDocument) (schema.WorkflowEvent, bool) {
	if len(doc.Observation.Location.Progress.Stages.Remaining) == 0 {
		return schema.EventCompleteWorkflow, true
	}
	return schema.EventNextStage, true
}
func (d *stageCompletedDecision) CanTransitionTo(event schema.WorkflowEvent, doc *schema.StateDocument) bool {
	if !d.legal(event) {
		return false
	}
	if event == schema.EventCompleteWorkflow {
		return len(doc.Observation.Location.Progress.Stages.Remaining) == 0
	}
	return true
}
func (d *stageCompletedDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	return schema.APINone
}

type updatePendingDecision struct{ baseDecision }

func (d *updatePendingDecision) DetermineNext(*schema.StateDocument) (schema.WorkflowEvent, bool) {
	return "", false // awaits an external confirm/reject
}
func (d *updatePendingDecision) CanTransitionTo(event schema.WorkflowEvent, _ *schema.StateDocument) bool {
	return d.legal(event)
}
func (d *updatePendingDecision) RequiredAPI(*schema.StateDocument) schema.APIKind {
	return schema.APINone
}
