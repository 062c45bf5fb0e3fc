package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/quill/internal/progress"
	"github.com/rendis/quill/pkg/schema"
)

// ActionDispatcher is the narrow interface through which a transition may
// cause a notebook-editing action to be dispatched. Satisfied by the bridge
// package and test recorders.
type ActionDispatcher interface {
	Execute(ctx context.Context, action schema.Action) (*schema.ActionResult, error)
}

// TransitionHandler applies one named transition as a pure transformation of
// a state document. Apply must deep-copy its input; dispatching a notebook
// action through the bridge is the only side effect a handler may have.
type TransitionHandler interface {
	Event() schema.WorkflowEvent
	From() schema.WorkflowState
	To() schema.WorkflowState
	CanHandle(doc *schema.StateDocument, resp *schema.Response) bool
	Apply(ctx context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error)
}

// GuardEvaluator decides whether a work item's guard condition holds against
// the current document. The runner wires this to the CEL engine; a nil
// evaluator admits every item.
type GuardEvaluator func(ctx context.Context, expression string, doc *schema.StateDocument) (bool, error)

// HandlerDeps holds the collaborators shared by all handlers. Handlers are
// constructed explicitly and injected into the Coordinator at startup; there
// is no global registry.
type HandlerDeps struct {
	Exec   *ExecutionContext
	Bridge ActionDispatcher
	Logger *slog.Logger
	Eval   progress.Evaluator
	Guard  GuardEvaluator
}

// DefaultHandlers returns the full ordered handler set. Order matters only
// for documentation; handlers are mutually exclusive on well-formed input.
func DefaultHandlers(deps HandlerDeps) []TransitionHandler {
	return []TransitionHandler{
		&cancelHandler{deps},
		&failHandler{deps},
		&startWorkflowHandler{deps},
		&startStepHandler{deps},
		&startBehaviorHandler{deps},
		&startActionHandler{deps},
		&completeActionHandler{deps},
		&nextActionHandler{deps},
		&completeBehaviorHandler{deps},
		&nextBehaviorHandler{deps},
		&completeStepHandler{deps},
		&nextStepHandler{deps},
		&completeStageHandler{deps},
		&nextStageHandler{deps},
		&completeWorkflowHandler{deps},
	}
}

// tracker builds a progress tracker over the given (already copied) document.
func (d *HandlerDeps) tracker(doc *schema.StateDocument) *progress.Tracker {
	return progress.NewTracker(doc).WithEvaluator(d.Eval)
}

// dispatch sends an action through the bridge. Failures are reported as
// warnings, never retried, and never fail the transition that caused them.
func (d *HandlerDeps) dispatch(ctx context.Context, action schema.Action) {
	if d.Bridge == nil {
		return
	}
	result, err := d.Bridge.Execute(ctx, action)
	if err != nil {
		d.Logger.WarnContext(ctx, "notebook action dispatch failed",
			slog.String("action_type", string(action.Type)),
			slog.String("error", err.Error()))
		return
	}
	if result.Failed() {
		d.Logger.WarnContext(ctx, "notebook action reported error",
			slog.String("action_type", string(action.Type)),
			slog.String("error", result.Error))
	}
}

// admit evaluates an item's guard condition against the document. A missing
// guard or an unevaluable one admits the item; only an explicit false skips.
func (d *HandlerDeps) admit(ctx context.Context, doc *schema.StateDocument, item *schema.WorkItem) bool {
	if d.Guard == nil || item.Condition == "" {
		return true
	}
	run, err := d.Guard(ctx, item.Condition, doc)
	if err != nil {
		d.Logger.WarnContext(ctx, "guard condition unevaluable, item admitted",
			slog.String("item_id", item.ID),
			slog.String("condition", item.Condition),
			slog.String("error", err.Error()))
		return true
	}
	return run
}

// popAdmitted promotes the first admitted remaining item to current,
// archiving every false-guarded item it passes over as skipped. Returns
// false when the level drains without admitting anything.
func (d *HandlerDeps) popAdmitted(ctx context.Context, doc *schema.StateDocument, entry *schema.ProgressEntry) bool {
	for len(entry.Remaining) > 0 {
		head := entry.Remaining[0]
		entry.Remaining = entry.Remaining[1:]
		if !d.admit(ctx, doc, &head) {
			head.Status = schema.ItemStatusSkipped
			entry.Completed = append(entry.Completed, head)
			d.Logger.InfoContext(ctx, "item skipped by guard condition",
				slog.String("item_id", head.ID),
				slog.String("condition", head.Condition))
			continue
		}
		setCurrent(entry, head)
		return true
	}
	return false
}

// --- shared progress plumbing ---

// seedLevel initializes a ProgressEntry from a planned item list: the first
// admitted item becomes current, with expected outputs seeded from its
// declared artifacts. Returns false when every planned item is guarded off.
func (d *HandlerDeps) seedLevel(ctx context.Context, doc *schema.StateDocument, entry *schema.ProgressEntry, items []schema.WorkItem) bool {
	if len(items) == 0 {
		return false
	}
	entry.Remaining = append([]schema.WorkItem(nil), items...)
	return d.popAdmitted(ctx, doc, entry)
}

// setCurrent replaces a level's current item, re-seeding expected outputs.
func setCurrent(entry *schema.ProgressEntry, item schema.WorkItem) {
	entry.Current = &item
	entry.CurrentOutputs = schema.OutputsLedger{Expected: item.ExpectedOutputs()}
}

// archiveCurrent moves the level's current item into completed, tagged with
// the given status, and optionally attaches the handoff context supplied by
// the response so downstream consumers retain the rationale.
func archiveCurrent(entry *schema.ProgressEntry, status string, handoff *schema.HandoffContext) {
	if entry.Current == nil {
		return
	}
	item := *entry.Current
	item.Status = status
	if handoff != nil {
		item.ContextForNext = handoff
	}
	entry.Completed = append(entry.Completed, item)
	entry.Current = nil
}

// advanceLevel archives the outgoing current item and promotes the next
// admitted one. Returns false when remaining drains, in which case the
// caller applies the documented parent-level fallback.
func (d *HandlerDeps) advanceLevel(ctx context.Context, doc *schema.StateDocument, entry *schema.ProgressEntry, handoff *schema.HandoffContext) bool {
	archiveCurrent(entry, schema.ItemStatusCompleted, handoff)
	return d.popAdmitted(ctx, doc, entry)
}

// resetLevel clears a child level when an ancestor advances.
func resetLevel(entry *schema.ProgressEntry) {
	entry.Current = nil
	entry.Remaining = nil
	entry.CurrentOutputs = schema.OutputsLedger{}
	entry.Focus = ""
}

// propagateProduced folds a child level's produced artifacts into its parent
// ledger so parent completeness can be decided from local state.
func propagateProduced(doc *schema.StateDocument, from, to schema.Level) {
	src := doc.Observation.Location.Progress.Entry(from)
	dst := doc.Observation.Location.Progress.Entry(to)
	if src == nil || dst == nil || len(src.CurrentOutputs.Produced) == 0 {
		return
	}
	tr := progress.NewTracker(doc)
	_ = tr.UpdateOutputs(to, map[string][]schema.OutputItem{
		progress.KeyProduced: src.CurrentOutputs.Produced,
	})
}

// mergeVariables folds variables_produced into the document variable map.
func mergeVariables(doc *schema.StateDocument, vars map[string]any) {
	if len(vars) == 0 {
		return
	}
	if doc.State.Variables == nil {
		doc.State.Variables = make(map[string]any, len(vars))
	}
	for k, v := range vars {
		doc.State.Variables[k] = v
	}
}

// rollEffects archives the current behavior's effects into history.
func rollEffects(doc *schema.StateDocument) {
	if len(doc.State.Effects.Current) == 0 {
		return
	}
	doc.State.Effects.History = append(doc.State.Effects.History, doc.State.Effects.Current...)
	doc.State.Effects.Current = nil
}

// boolVal dereferences an optional bool, defaulting to false.
func boolVal(b *bool) bool {
	return b != nil && *b
}
