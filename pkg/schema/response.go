package schema

// ResponseKind classifies the structural shape of an external response.
type ResponseKind string

const (
	ResponseStagesList     ResponseKind = "stages_list"
	ResponseStepsList      ResponseKind = "steps_list"
	ResponseBehavior       ResponseKind = "behavior"
	ResponseActions        ResponseKind = "actions"
	ResponseReflection     ResponseKind = "reflection"
	ResponseTargetAchieved ResponseKind = "target_achieved"
	ResponseAutoTrigger    ResponseKind = "auto_trigger"
	ResponseControl        ResponseKind = "control"
	ResponseUnknown        ResponseKind = "unknown"
)

// Control directives delivered through a response.
const (
	ControlCancel = "cancel"
	ControlFail   = "fail"
)

// Response is the union of all external API response shapes plus the internal
// auto-trigger pseudo-response. Handlers recognize responses structurally via
// Kind; on well-formed input exactly one handler matches.
type Response struct {
	// Planning shapes.
	Stages   []WorkItem `json:"stages,omitempty"`
	Steps    []WorkItem `json:"steps,omitempty"`
	Behavior *WorkItem  `json:"behavior,omitempty"`
	Goals    string     `json:"goals,omitempty"`
	Focus    string     `json:"focus,omitempty"`

	// Generating shape.
	Actions []Action `json:"actions,omitempty"`

	// Reflection shape.
	BehaviorIsComplete *bool            `json:"behavior_is_complete,omitempty"`
	ContinueBehaviors  *bool            `json:"continue_behaviors,omitempty"`
	TargetAchieved     *bool            `json:"target_achieved,omitempty"`
	NextState          WorkflowState    `json:"next_state,omitempty"`
	VariablesProduced  map[string]any   `json:"variables_produced,omitempty"`
	OutputsTracking    *OutputsTracking `json:"outputs_tracking,omitempty"`
	ContextForNext     *HandoffContext  `json:"context_for_next,omitempty"`
	ContextUpdate      map[string]any   `json:"context_update,omitempty"`

	// Workflow/step template updates.
	Template *WorkflowTemplate `json:"template,omitempty"`

	// Internal auto-trigger sentinel: {"_auto_trigger": "<EVENT>"}.
	AutoTrigger WorkflowEvent `json:"_auto_trigger,omitempty"`

	// Control directives (cancel/fail), with an optional error payload.
	Control      string         `json:"control,omitempty"`
	ErrorPayload map[string]any `json:"error,omitempty"`
}

// OutputsTracking is the artifact bookkeeping delta supplied by a reflection.
type OutputsTracking struct {
	Expected   []OutputItem `json:"expected,omitempty"`
	Produced   []OutputItem `json:"produced,omitempty"`
	InProgress []OutputItem `json:"in_progress,omitempty"`
}

// Kind classifies the response by shape. Precedence: control and auto-trigger
// sentinels first, then structural payloads, then reflections, then the bare
// target-achieved signal.
func (r *Response) Kind() ResponseKind {
	if r == nil {
		return ResponseUnknown
	}
	switch {
	case r.Control != "":
		return ResponseControl
	case r.AutoTrigger != "":
		return ResponseAutoTrigger
	case len(r.Stages) > 0:
		return ResponseStagesList
	case len(r.Steps) > 0:
		return ResponseStepsList
	case r.Behavior != nil:
		return ResponseBehavior
	case len(r.Actions) > 0:
		return ResponseActions
	case r.BehaviorIsComplete != nil || r.ContinueBehaviors != nil:
		return ResponseReflection
	case r.TargetAchieved != nil:
		return ResponseTargetAchieved
	}
	return ResponseUnknown
}

// IsAutoTrigger reports whether the response is the internal sentinel for the
// given event.
func (r *Response) IsAutoTrigger(event WorkflowEvent) bool {
	return r != nil && r.AutoTrigger == event
}

// NewAutoTrigger synthesizes the internal pseudo-response for an event.
func NewAutoTrigger(event WorkflowEvent) *Response {
	return &Response{AutoTrigger: event}
}

// APIRequest is the payload sent to the planning/generating/reflecting APIs.
type APIRequest struct {
	StageID   string         `json:"stage_id,omitempty"`
	StepIndex int            `json:"step_index,omitempty"`
	State     *StateDocument `json:"state"`
}
