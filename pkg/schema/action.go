package schema

// ActionType enumerates the notebook-editing actions a behavior can dispatch.
type ActionType string

const (
	ActionAddText      ActionType = "add_text"
	ActionAddCode      ActionType = "add_code"
	ActionUpdateCell   ActionType = "update_cell"
	ActionRunCode      ActionType = "run_code"
	ActionMarkThinking ActionType = "mark_thinking"
)

// Action is one notebook-editing operation produced by the generating API.
type Action struct {
	Type     ActionType     `json:"type"`
	Content  string         `json:"content,omitempty"`
	CellID   string         `json:"cell_id,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ActionResult is the outcome of dispatching an action to the notebook backend.
type ActionResult struct {
	CellID string `json:"cell_id,omitempty"`
	Output string `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Failed reports whether the backend reported an execution error.
func (r *ActionResult) Failed() bool {
	return r != nil && r.Error != ""
}
