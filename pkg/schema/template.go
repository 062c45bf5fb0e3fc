package schema

// WorkflowTemplate is a reusable workflow outline: the stage list with
// per-stage declared artifacts, plus the workflow goals. Templates seed new
// runs and carry the payload of UPDATE_WORKFLOW / UPDATE_STEP transitions.
type WorkflowTemplate struct {
	Name        string         `json:"name"`
	Version     string         `json:"version,omitempty"`
	Description string         `json:"description,omitempty"`
	Goals       string         `json:"goals,omitempty"`
	Stages      []WorkItem     `json:"stages"`
	Steps       []WorkItem     `json:"steps,omitempty"` // UPDATE_STEP payload only
	Metadata    map[string]any `json:"metadata,omitempty"`
}
