package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/quill/pkg/schema"
)

// Run is the persisted representation of a workflow run. The state document
// column holds the full serialized StateDocument; the state column mirrors its
// current FSM state so runs can be listed without unmarshaling documents.
type Run struct {
	ID              string               `json:"id"`
	TemplateName    string               `json:"template_name,omitempty"`
	TemplateVersion string               `json:"template_version,omitempty"`
	Goals           string               `json:"goals,omitempty"`
	Document        json.RawMessage      `json:"document"`
	State           schema.WorkflowState `json:"state"`
	Error           json.RawMessage      `json:"error,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	CompletedAt     *time.Time           `json:"completed_at,omitempty"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

// TransitionEvent is an immutable entry in the per-run transition log.
type TransitionEvent struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	Trigger    string          `json:"trigger"`
	FromState  string          `json:"from_state"`
	ToState    string          `json:"to_state"`
	StageID    string          `json:"stage_id,omitempty"`
	StepID     string          `json:"step_id,omitempty"`
	BehaviorID string          `json:"behavior_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}

// Snapshot is a checkpoint of a run's state document taken after a transition.
// Sequence matches the transition event the snapshot was taken after.
type Snapshot struct {
	RunID     string          `json:"run_id"`
	Sequence  int64           `json:"sequence"`
	Document  json.RawMessage `json:"document"`
	CreatedAt time.Time       `json:"created_at"`
}

// TemplateRecord is a registered workflow template, versioned by name.
type TemplateRecord struct {
	Name        string                  `json:"name"`
	Version     string                  `json:"version"`
	Description string                  `json:"description,omitempty"`
	Template    schema.WorkflowTemplate `json:"template"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// ScheduledRun is a cron-triggered run of a registered template.
type ScheduledRun struct {
	ID              string          `json:"id"`
	TemplateName    string          `json:"template_name"`
	TemplateVersion string          `json:"template_version,omitempty"`
	CronExpression  string          `json:"cron_expression"`
	Variables       json.RawMessage `json:"variables,omitempty"`
	Enabled         bool            `json:"enabled"`
	LastRunAt       *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt       *time.Time      `json:"next_run_at,omitempty"`
	LastRunState    string          `json:"last_run_state,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	State        *schema.WorkflowState `json:"state,omitempty"`
	TemplateName string                `json:"template_name,omitempty"`
	Since        *time.Time            `json:"since,omitempty"`
	Limit        int                   `json:"limit,omitempty"`
	Offset       int                   `json:"offset,omitempty"`
}

// RunUpdate specifies mutable fields of a run.
type RunUpdate struct {
	State       *schema.WorkflowState `json:"state,omitempty"`
	Document    json.RawMessage       `json:"document,omitempty"`
	Error       json.RawMessage       `json:"error,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing transition events.
type EventFilter struct {
	RunID   string     `json:"run_id,omitempty"`
	StageID string     `json:"stage_id,omitempty"`
	StepID  string     `json:"step_id,omitempty"`
	Since   *time.Time `json:"since,omitempty"`
	Limit   int        `json:"limit,omitempty"`
}

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	Name  string `json:"name,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ScheduledRunUpdate specifies mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled      *bool      `json:"enabled,omitempty"`
	LastRunAt    *time.Time `json:"last_run_at,omitempty"`
	NextRunAt    *time.Time `json:"next_run_at,omitempty"`
	LastRunState string     `json:"last_run_state,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
