package streaming

import "context"

// Event types emitted over the hub.
const (
	EventRunStarted  = "run_started"
	EventTransition  = "transition"
	EventAutoTrigger = "auto_trigger"
	EventRunPaused   = "run_paused"
	EventRunFinished = "run_finished"
)

// StreamEvent is a real-time event emitted while a workflow run advances.
type StreamEvent struct {
	RunID      string `json:"run_id"`
	EventType  string `json:"event_type"`
	FromState  string `json:"from_state,omitempty"`
	ToState    string `json:"to_state,omitempty"`
	Trigger    string `json:"trigger,omitempty"`
	StageID    string `json:"stage_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	BehaviorID string `json:"behavior_id,omitempty"`
	Payload    any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	RunID      string   `json:"run_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// matches reports whether the event passes the filter. An empty filter
// matches everything.
func (f EventFilter) matches(e StreamEvent) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if len(f.EventTypes) == 0 {
		return true
	}
	for _, t := range f.EventTypes {
		if t == e.EventType {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for real-time run events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
