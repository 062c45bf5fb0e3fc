package schema

// WorkflowState is the lifecycle state of the hierarchical notebook workflow.
type WorkflowState string

const (
	StateIdle                  WorkflowState = "IDLE"
	StateStageRunning          WorkflowState = "STAGE_RUNNING"
	StateStageCompleted        WorkflowState = "STAGE_COMPLETED"
	StateStepRunning           WorkflowState = "STEP_RUNNING"
	StateStepCompleted         WorkflowState = "STEP_COMPLETED"
	StateBehaviorRunning       WorkflowState = "BEHAVIOR_RUNNING"
	StateBehaviorCompleted     WorkflowState = "BEHAVIOR_COMPLETED"
	StateActionRunning         WorkflowState = "ACTION_RUNNING"
	StateActionCompleted       WorkflowState = "ACTION_COMPLETED"
	StateWorkflowCompleted     WorkflowState = "WORKFLOW_COMPLETED"
	StateWorkflowUpdatePending WorkflowState = "WORKFLOW_UPDATE_PENDING"
	StateStepUpdatePending     WorkflowState = "STEP_UPDATE_PENDING"
	StateError                 WorkflowState = "ERROR"
	StateCancelled             WorkflowState = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible except RESET.
func (s WorkflowState) IsTerminal() bool {
	switch s {
	case StateWorkflowCompleted, StateError, StateCancelled:
		return true
	}
	return false
}

// AllStates lists every workflow state. Used by the decision table and tests
// to verify total coverage.
var AllStates = []WorkflowState{
	StateIdle,
	StateStageRunning,
	StateStageCompleted,
	StateStepRunning,
	StateStepCompleted,
	StateBehaviorRunning,
	StateBehaviorCompleted,
	StateActionRunning,
	StateActionCompleted,
	StateWorkflowCompleted,
	StateWorkflowUpdatePending,
	StateStepUpdatePending,
	StateError,
	StateCancelled,
}

// WorkflowEvent is a transition trigger in the workflow state machine.
type WorkflowEvent string

const (
	EventStartWorkflow            WorkflowEvent = "START_WORKFLOW"
	EventStartStep                WorkflowEvent = "START_STEP"
	EventStartBehavior            WorkflowEvent = "START_BEHAVIOR"
	EventStartAction              WorkflowEvent = "START_ACTION"
	EventCompleteAction           WorkflowEvent = "COMPLETE_ACTION"
	EventCompleteBehavior         WorkflowEvent = "COMPLETE_BEHAVIOR"
	EventCompleteStep             WorkflowEvent = "COMPLETE_STEP"
	EventCompleteStage            WorkflowEvent = "COMPLETE_STAGE"
	EventCompleteWorkflow         WorkflowEvent = "COMPLETE_WORKFLOW"
	EventNextAction               WorkflowEvent = "NEXT_ACTION"
	EventNextBehavior             WorkflowEvent = "NEXT_BEHAVIOR"
	EventNextStep                 WorkflowEvent = "NEXT_STEP"
	EventNextStage                WorkflowEvent = "NEXT_STAGE"
	EventUpdateWorkflow           WorkflowEvent = "UPDATE_WORKFLOW"
	EventUpdateWorkflowConfirmed  WorkflowEvent = "UPDATE_WORKFLOW_CONFIRMED"
	EventUpdateWorkflowRejected   WorkflowEvent = "UPDATE_WORKFLOW_REJECTED"
	EventUpdateStep               WorkflowEvent = "UPDATE_STEP"
	EventUpdateStepConfirmed      WorkflowEvent = "UPDATE_STEP_CONFIRMED"
	EventUpdateStepRejected       WorkflowEvent = "UPDATE_STEP_REJECTED"
	EventFail                     WorkflowEvent = "FAIL"
	EventCancel                   WorkflowEvent = "CANCEL"
	EventReset                    WorkflowEvent = "RESET"
)

// Level identifies one of the three tracked progress levels.
// Actions are tracked on the ExecutionContext, not as a ProgressEntry.
type Level string

const (
	LevelStage    Level = "stages"
	LevelStep     Level = "steps"
	LevelBehavior Level = "behaviors"
)

// APIKind identifies which external API family a state requires next.
type APIKind string

const (
	APIPlanning   APIKind = "planning"
	APIGenerating APIKind = "generating"
	APIReflecting APIKind = "reflecting"
	APINone       APIKind = "none"
)
