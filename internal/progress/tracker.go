package progress

import (
	"strings"

	"github.com/rendis/quill/pkg/schema"
)

// Evaluator evaluates a completion predicate against document variables.
// Wired to the expr engine by the caller; nil disables predicate overrides.
type Evaluator func(expression string, vars map[string]any) (bool, error)

// Tracker maintains the per-level progress bookkeeping of a StateDocument.
// It mutates the document in place; callers that need isolation deep-copy
// the document first (transition handlers always do).
type Tracker struct {
	doc  *schema.StateDocument
	eval Evaluator
}

// NewTracker creates a Tracker over the given document.
func NewTracker(doc *schema.StateDocument) *Tracker {
	return &Tracker{doc: doc}
}

// WithEvaluator sets the optional done_when predicate evaluator.
func (t *Tracker) WithEvaluator(eval Evaluator) *Tracker {
	t.eval = eval
	return t
}

// Recognized output ledger keys for UpdateOutputs patches.
const (
	KeyExpected   = "expected"
	KeyProduced   = "produced"
	KeyInProgress = "in_progress"
)

// UpdateFocus sets the free-text focus for a level.
func (t *Tracker) UpdateFocus(level schema.Level, text string) error {
	entry := t.entry(level)
	if entry == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown progress level %q", level)
	}
	entry.Focus = text
	return nil
}

// UpdateOutputs applies a keyed patch to a level's outputs ledger.
// Only the three recognized keys are accepted. Expected and produced are
// merged append-only (deduplicated by artifact name); in_progress is replaced.
func (t *Tracker) UpdateOutputs(level schema.Level, patch map[string][]schema.OutputItem) error {
	entry := t.entry(level)
	if entry == nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown progress level %q", level)
	}

	for key := range patch {
		switch key {
		case KeyExpected, KeyProduced, KeyInProgress:
		default:
			return schema.NewErrorf(schema.ErrCodeValidation,
				"unknown outputs key %q; recognized keys: expected, produced, in_progress", key)
		}
	}

	ledger := &entry.CurrentOutputs
	if items, ok := patch[KeyExpected]; ok {
		ledger.Expected = mergeByName(ledger.Expected, items)
	}
	if items, ok := patch[KeyProduced]; ok {
		ledger.Produced = mergeByName(ledger.Produced, items)
	}
	if items, ok := patch[KeyInProgress]; ok {
		ledger.InProgress = items
	}
	return nil
}

// MergeTracking folds a reflection's outputs_tracking delta into a level.
// Produced is append-only deduplicated by name; an item reported produced
// without having been expected counts as an explicitly added output.
func (t *Tracker) MergeTracking(level schema.Level, tracking *schema.OutputsTracking) error {
	if tracking == nil {
		return nil
	}
	patch := make(map[string][]schema.OutputItem, 3)
	if tracking.Expected != nil {
		patch[KeyExpected] = tracking.Expected
	}
	if tracking.Produced != nil {
		patch[KeyProduced] = tracking.Produced
		// Explicit additions: produced implies expected.
		patch[KeyExpected] = append(patch[KeyExpected], tracking.Produced...)
	}
	if tracking.InProgress != nil {
		patch[KeyInProgress] = tracking.InProgress
	}
	if err := t.UpdateOutputs(level, patch); err != nil {
		return err
	}
	if tracking.Produced != nil {
		t.clearInProgress(level, tracking.Produced)
	}
	return nil
}

// clearInProgress drops produced artifacts from the in_progress set.
func (t *Tracker) clearInProgress(level schema.Level, produced []schema.OutputItem) {
	entry := t.entry(level)
	if entry == nil {
		return
	}
	names := make(map[string]struct{}, len(produced))
	for _, item := range produced {
		names[item.Name] = struct{}{}
	}
	kept := entry.CurrentOutputs.InProgress[:0]
	for _, item := range entry.CurrentOutputs.InProgress {
		if _, done := names[item.Name]; !done {
			kept = append(kept, item)
		}
	}
	entry.CurrentOutputs.InProgress = kept
}

// OutputsSatisfied is the authoritative completeness signal for a level:
// len(produced) >= len(expected) when expected is non-empty, else vacuously true.
func (t *Tracker) OutputsSatisfied(level schema.Level) bool {
	entry := t.entry(level)
	if entry == nil {
		return false
	}
	ledger := entry.CurrentOutputs
	if len(ledger.Expected) == 0 {
		return true
	}
	return len(ledger.Produced) >= len(ledger.Expected)
}

// LevelComplete combines outputs conservation with the optional done_when
// predicate of the level's current item. The predicate, when present and
// evaluable, overrides the ledger signal.
func (t *Tracker) LevelComplete(level schema.Level) bool {
	entry := t.entry(level)
	if entry == nil {
		return false
	}
	if t.eval != nil && entry.Current != nil && entry.Current.DoneWhen != "" {
		if done, err := t.eval(entry.Current.DoneWhen, t.doc.State.Variables); err == nil {
			return done
		}
		// Unevaluable predicate falls back to the ledger signal.
	}
	return t.OutputsSatisfied(level)
}

// BehaviorCompleted reports advisory focus-based completeness for the
// behavior level.
func (t *Tracker) BehaviorCompleted() bool {
	return t.focusComplete(schema.LevelBehavior, false)
}

// StepCompleted reports advisory focus-based completeness for the step level.
func (t *Tracker) StepCompleted() bool {
	return t.focusComplete(schema.LevelStep, false)
}

// StageCompleted reports advisory focus-based completeness for the stage
// level. Without a stage focus, completeness falls back to "no remaining steps".
func (t *Tracker) StageCompleted() bool {
	return t.focusComplete(schema.LevelStage, true)
}

// focusComplete checks that every token referenced by the level's focus text
// is present as a satisfied variable. stageFallback switches the no-focus
// behavior to the remaining-steps check.
func (t *Tracker) focusComplete(level schema.Level, stageFallback bool) bool {
	entry := t.entry(level)
	if entry == nil {
		return false
	}
	tokens := focusTokens(entry.Focus)
	if len(tokens) == 0 {
		if stageFallback {
			steps := t.entry(schema.LevelStep)
			return len(steps.Remaining) == 0
		}
		return t.OutputsSatisfied(level)
	}
	for _, token := range tokens {
		if _, ok := t.doc.State.Variables[token]; !ok {
			return false
		}
	}
	return true
}

func (t *Tracker) entry(level schema.Level) *schema.ProgressEntry {
	return t.doc.Observation.Location.Progress.Entry(level)
}

// focusTokens extracts {token} references from focus text.
func focusTokens(focus string) []string {
	var tokens []string
	for {
		open := strings.IndexByte(focus, '{')
		if open == -1 {
			break
		}
		end := strings.IndexByte(focus[open:], '}')
		if end == -1 {
			break
		}
		token := strings.TrimSpace(focus[open+1 : open+end])
		if token != "" {
			tokens = append(tokens, token)
		}
		focus = focus[open+end+1:]
	}
	return tokens
}

// mergeByName appends items not already present by name. Existing entries win.
func mergeByName(existing, incoming []schema.OutputItem) []schema.OutputItem {
	seen := make(map[string]struct{}, len(existing))
	for _, item := range existing {
		seen[item.Name] = struct{}{}
	}
	for _, item := range incoming {
		if _, dup := seen[item.Name]; dup {
			continue
		}
		seen[item.Name] = struct{}{}
		existing = append(existing, item)
	}
	return existing
}
