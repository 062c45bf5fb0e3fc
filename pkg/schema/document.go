package schema

import (
	"encoding/json"
	"sort"
	"time"
)

// StateDocument is the JSON-serializable document exchanged with the external
// planning/generating/reflecting APIs and persisted between invocations.
// It is the sole carrier of truth; the in-memory ExecutionContext is a derived
// mirror that must always be reconstructible from it.
type StateDocument struct {
	Observation Observation  `json:"observation"`
	State       RuntimeState `json:"state"`
}

// Observation holds the machine's view of where it is in the workflow.
type Observation struct {
	Location Location `json:"location"`
}

// Location combines the current position with per-level progress.
type Location struct {
	Current  CurrentLocation `json:"current"`
	Progress Progress        `json:"progress"`
	Goals    string          `json:"goals,omitempty"`
}

// CurrentLocation identifies the active stage/step/behavior.
type CurrentLocation struct {
	StageID           string `json:"stage_id,omitempty"`
	StepID            string `json:"step_id,omitempty"`
	BehaviorID        string `json:"behavior_id,omitempty"`
	BehaviorIteration int    `json:"behavior_iteration"`
}

// Progress tracks the three nested levels of workflow granularity.
type Progress struct {
	Stages    ProgressEntry `json:"stages"`
	Steps     ProgressEntry `json:"steps"`
	Behaviors ProgressEntry `json:"behaviors"`
}

// Entry returns the ProgressEntry for the given level.
func (p *Progress) Entry(level Level) *ProgressEntry {
	switch level {
	case LevelStage:
		return &p.Stages
	case LevelStep:
		return &p.Steps
	case LevelBehavior:
		return &p.Behaviors
	}
	return nil
}

// ProgressEntry is the per-level bookkeeping record.
type ProgressEntry struct {
	Completed      []WorkItem    `json:"completed"`
	Current        *WorkItem     `json:"current"`
	Remaining      []WorkItem    `json:"remaining"`
	Focus          string        `json:"focus,omitempty"`
	CurrentOutputs OutputsLedger `json:"current_outputs"`
}

// OutputsLedger tracks expected, produced, and in-progress artifacts for the
// current item of a level. Produced only grows.
type OutputsLedger struct {
	Expected   []OutputItem `json:"expected"`
	Produced   []OutputItem `json:"produced"`
	InProgress []OutputItem `json:"in_progress"`
}

// OutputItem is a named artifact in an outputs ledger.
type OutputItem struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Completion tags applied to an item when it is archived into Completed.
const (
	ItemStatusCompleted = "completed"
	ItemStatusSkipped   = "skipped"
)

// WorkItem is a single stage, step, or behavior.
type WorkItem struct {
	ID          string            `json:"id"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`

	// Condition is an optional CEL guard evaluated against document variables;
	// when it evaluates to false the item is skipped.
	Condition string `json:"condition,omitempty"`

	// DoneWhen is an optional expr predicate that overrides outputs
	// conservation as the completeness signal for this item.
	DoneWhen string `json:"done_when,omitempty"`

	Status         string          `json:"status,omitempty"`
	ContextForNext *HandoffContext `json:"context_for_next,omitempty"`
}

// ExpectedOutputs derives the initial expected-outputs set from the item's
// declared artifact map, in deterministic (insertion-independent) order.
func (w *WorkItem) ExpectedOutputs() []OutputItem {
	if len(w.Artifacts) == 0 {
		return nil
	}
	names := make([]string, 0, len(w.Artifacts))
	for name := range w.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	items := make([]OutputItem, 0, len(names))
	for _, name := range names {
		items = append(items, OutputItem{Name: name, Description: w.Artifacts[name]})
	}
	return items
}

// HandoffContext carries the narrative an outgoing item leaves for its successor.
type HandoffContext struct {
	Summary         string   `json:"summary,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// RuntimeState holds the mutable execution state of the document.
type RuntimeState struct {
	Variables map[string]any  `json:"variables"`
	Effects   Effects         `json:"effects"`
	Notebook  json.RawMessage `json:"notebook,omitempty"` // external-owned, never interpreted
	FSM       FSMState        `json:"FSM"`
}

// Effects records side effects of the current and past behaviors.
type Effects struct {
	Current []string `json:"current"`
	History []string `json:"history"`
}

// FSMState is the persisted finite-state machine record.
type FSMState struct {
	State          WorkflowState `json:"state"`
	PreviousState  WorkflowState `json:"previous_state,omitempty"`
	LastTransition string        `json:"last_transition,omitempty"`
	Timestamp      time.Time     `json:"timestamp"`
}

// NewStateDocument creates an empty document at IDLE.
func NewStateDocument() *StateDocument {
	return &StateDocument{
		State: RuntimeState{
			Variables: make(map[string]any),
			FSM: FSMState{
				State:     StateIdle,
				Timestamp: time.Now().UTC(),
			},
		},
	}
}

// CurrentState returns the FSM state of the document.
func (d *StateDocument) CurrentState() WorkflowState {
	return d.State.FSM.State
}

// ApplyFSM records a transition on the FSM section.
func (d *StateDocument) ApplyFSM(to WorkflowState, transition WorkflowEvent) {
	d.State.FSM.PreviousState = d.State.FSM.State
	d.State.FSM.State = to
	d.State.FSM.LastTransition = string(transition)
	d.State.FSM.Timestamp = time.Now().UTC()
}

// DeepCopy returns a structurally independent copy of the document.
// Mutating the copy never affects the receiver.
func (d *StateDocument) DeepCopy() *StateDocument {
	if d == nil {
		return nil
	}
	cp := &StateDocument{
		Observation: Observation{
			Location: Location{
				Current: d.Observation.Location.Current,
				Progress: Progress{
					Stages:    copyProgressEntry(&d.Observation.Location.Progress.Stages),
					Steps:     copyProgressEntry(&d.Observation.Location.Progress.Steps),
					Behaviors: copyProgressEntry(&d.Observation.Location.Progress.Behaviors),
				},
				Goals: d.Observation.Location.Goals,
			},
		},
		State: RuntimeState{
			Variables: copyAnyMap(d.State.Variables),
			Effects: Effects{
				Current: copyStrings(d.State.Effects.Current),
				History: copyStrings(d.State.Effects.History),
			},
			Notebook: copyRaw(d.State.Notebook),
			FSM:      d.State.FSM,
		},
	}
	return cp
}

func copyProgressEntry(e *ProgressEntry) ProgressEntry {
	cp := ProgressEntry{
		Completed: copyWorkItems(e.Completed),
		Remaining: copyWorkItems(e.Remaining),
		Focus:     e.Focus,
		CurrentOutputs: OutputsLedger{
			Expected:   copyOutputItems(e.CurrentOutputs.Expected),
			Produced:   copyOutputItems(e.CurrentOutputs.Produced),
			InProgress: copyOutputItems(e.CurrentOutputs.InProgress),
		},
	}
	if e.Current != nil {
		c := copyWorkItem(*e.Current)
		cp.Current = &c
	}
	return cp
}

func copyWorkItems(items []WorkItem) []WorkItem {
	if items == nil {
		return nil
	}
	cp := make([]WorkItem, len(items))
	for i, item := range items {
		cp[i] = copyWorkItem(item)
	}
	return cp
}

func copyWorkItem(item WorkItem) WorkItem {
	cp := item
	if item.Artifacts != nil {
		cp.Artifacts = make(map[string]string, len(item.Artifacts))
		for k, v := range item.Artifacts {
			cp.Artifacts[k] = v
		}
	}
	if item.ContextForNext != nil {
		hc := *item.ContextForNext
		hc.Recommendations = copyStrings(item.ContextForNext.Recommendations)
		cp.ContextForNext = &hc
	}
	return cp
}

func copyOutputItems(items []OutputItem) []OutputItem {
	if items == nil {
		return nil
	}
	cp := make([]OutputItem, len(items))
	copy(cp, items)
	return cp
}

func copyStrings(ss []string) []string {
	if ss == nil {
		return nil
	}
	cp := make([]string, len(ss))
	copy(cp, ss)
	return cp
}

func copyRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	cp := make(json.RawMessage, len(r))
	copy(cp, r)
	return cp
}

// copyAnyMap recursively copies a map of JSON-compatible values.
func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = copyAnyValue(v)
	}
	return cp
}

func copyAnyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return copyAnyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = copyAnyValue(item)
		}
		return cp
	default:
		// Primitives are value types.
		return v
	}
}
