// Package runner drives a workflow run against the external planning,
// generating, and reflecting APIs. The synchronous Runner and the
// step-at-a-time Stepper share one advance routine, so a run produces the
// same transition sequence regardless of which surface drives it.
package runner

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/quill/internal/apiclient"
	"github.com/rendis/quill/internal/engine"
	"github.com/rendis/quill/internal/expressions"
	"github.com/rendis/quill/internal/progress"
	"github.com/rendis/quill/internal/store"
	"github.com/rendis/quill/internal/streaming"
	"github.com/rendis/quill/pkg/schema"
)

const (
	defaultMaxTransitions = 500
	defaultSnapshotEvery  = 10
)

// Status reports the outcome of an advance attempt.
type Status int

const (
	// StatusAdvanced means a transition was applied and the run can continue.
	StatusAdvanced Status = iota
	// StatusBlocked means the run needs external input (a pending update
	// confirmation or a submitted response) before it can continue.
	StatusBlocked
	// StatusDone means the run reached a terminal state.
	StatusDone
)

// Config holds the runner's collaborators. Store and Hub are optional;
// a nil Store disables persistence and a nil Hub disables streaming.
type Config struct {
	Client         apiclient.Client
	Bridge         engine.ActionDispatcher
	Store          store.Store
	Hub            streaming.EventHub
	Logger         *slog.Logger
	Eval           progress.Evaluator
	Guard          engine.GuardEvaluator
	MaxTransitions int
	SnapshotEvery  int
}

// Runner owns one engine stack (execution context, handlers, decision table,
// coordinator) and applies transitions to one run at a time.
type Runner struct {
	cfg    Config
	coord  *engine.Coordinator
	exec   *engine.ExecutionContext
	logger *slog.Logger
}

// New builds a runner and its engine stack.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxTransitions <= 0 {
		cfg.MaxTransitions = defaultMaxTransitions
	}
	if cfg.SnapshotEvery <= 0 {
		cfg.SnapshotEvery = defaultSnapshotEvery
	}
	if cfg.Guard == nil {
		cfg.Guard = defaultGuard()
	}

	exec := engine.NewExecutionContext()
	deps := engine.HandlerDeps{
		Exec:   exec,
		Bridge: cfg.Bridge,
		Logger: cfg.Logger,
		Eval:   cfg.Eval,
		Guard:  cfg.Guard,
	}
	coord := engine.NewCoordinator(
		engine.DefaultHandlers(deps),
		engine.NewDecisionTable(exec, cfg.Eval),
		cfg.Logger,
	)
	return &Runner{
		cfg:    cfg,
		coord:  coord,
		exec:   exec,
		logger: cfg.Logger,
	}
}

// defaultGuard evaluates work-item guard conditions with the CEL engine
// against the document's variable scope.
func defaultGuard() engine.GuardEvaluator {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil
	}
	return func(ctx context.Context, expression string, doc *schema.StateDocument) (bool, error) {
		return cel.EvaluateBool(ctx, expression, expressions.BuildScope(doc).Data())
	}
}

// Coordinator exposes the underlying coordinator, mainly for the MCP layer.
func (r *Runner) Coordinator() *engine.Coordinator { return r.coord }

// Start creates a new run from a template. When the template declares stages
// the opening transition is applied immediately from the template content,
// without a planning API round trip.
func (r *Runner) Start(ctx context.Context, tpl *schema.WorkflowTemplate, variables map[string]any) (string, *schema.StateDocument, error) {
	runID := uuid.New().String()

	doc := schema.NewStateDocument()
	if tpl != nil {
		doc.Observation.Location.Goals = tpl.Goals
	}
	for k, v := range variables {
		doc.State.Variables[k] = v
	}

	if err := r.persistNew(ctx, runID, tpl, doc); err != nil {
		return "", nil, err
	}
	r.publish(ctx, streaming.StreamEvent{
		RunID:     runID,
		EventType: streaming.EventRunStarted,
		ToState:   string(doc.CurrentState()),
	})

	if tpl != nil && len(tpl.Stages) > 0 {
		seed := &schema.Response{Stages: tpl.Stages, Goals: tpl.Goals}
		out, err := r.apply(ctx, runID, doc, seed)
		if err != nil {
			return "", nil, err
		}
		doc = out
	}
	return runID, doc, nil
}

// Resume rebuilds the execution context from a persisted document so a run
// can continue in a fresh process.
func (r *Runner) Resume(doc *schema.StateDocument) {
	*r.exec = *engine.RebuildContext(doc)
}

// Run advances the run until it terminates, blocks on external input, or
// exceeds the transition budget. The returned document reflects the last
// applied transition even when an error is returned.
func (r *Runner) Run(ctx context.Context, runID string, doc *schema.StateDocument) (*schema.StateDocument, Status, error) {
	for i := 0; i < r.cfg.MaxTransitions; i++ {
		if err := ctx.Err(); err != nil {
			return doc, StatusBlocked, err
		}
		out, status, err := r.advance(ctx, runID, doc)
		if err != nil {
			return out, status, err
		}
		doc = out
		if status != StatusAdvanced {
			return doc, status, nil
		}
	}
	return doc, StatusBlocked, schema.NewErrorf(schema.ErrCodeExecution,
		"run %s exceeded %d transitions without terminating", runID, r.cfg.MaxTransitions)
}

// advance performs at most one external interaction and applies its result.
// Auto-triggered completion cascades ride along inside the coordinator.
func (r *Runner) advance(ctx context.Context, runID string, doc *schema.StateDocument) (*schema.StateDocument, Status, error) {
	state := doc.CurrentState()
	if state.IsTerminal() {
		return doc, StatusDone, nil
	}

	decision, ok := r.coord.Decisions()[state]
	if !ok {
		return doc, StatusBlocked, schema.NewErrorf(schema.ErrCodeNoHandler, "no decision policy for state %s", state)
	}

	kind := decision.RequiredAPI(doc)
	if kind == schema.APINone {
		event, decided := decision.DetermineNext(doc)
		if !decided {
			// Pending updates and anything else that needs external input.
			return doc, StatusBlocked, nil
		}
		out, err := r.apply(ctx, runID, doc, schema.NewAutoTrigger(event))
		if err != nil {
			return doc, StatusBlocked, err
		}
		return out, r.statusOf(out), nil
	}

	resp, err := r.cfg.Client.Invoke(ctx, kind, &schema.APIRequest{State: doc})
	if err != nil {
		// A failed reflection falls back to the decision table's default
		// when it can decide locally; otherwise the run fails.
		if kind == schema.APIReflecting {
			if event, decided := decision.DetermineNext(doc); decided && decision.CanTransitionTo(event, doc) {
				r.logger.WarnContext(ctx, "reflection failed, taking decision-table default",
					slog.String("run_id", runID),
					slog.String("event", string(event)),
					slog.String("error", err.Error()))
				out, applyErr := r.apply(ctx, runID, doc, schema.NewAutoTrigger(event))
				if applyErr != nil {
					return doc, StatusBlocked, applyErr
				}
				return out, r.statusOf(out), nil
			}
		}
		out, failErr := r.Fail(ctx, runID, doc, map[string]any{
			"api":    string(kind),
			"reason": err.Error(),
		})
		if failErr != nil {
			return doc, StatusBlocked, failErr
		}
		return out, StatusDone, err
	}

	out, err := r.apply(ctx, runID, doc, resp)
	if err != nil {
		return doc, StatusBlocked, err
	}
	return out, r.statusOf(out), nil
}

func (r *Runner) statusOf(doc *schema.StateDocument) Status {
	if doc.CurrentState().IsTerminal() {
		return StatusDone
	}
	return StatusAdvanced
}

// apply routes a response through the coordinator and checkpoints the result.
func (r *Runner) apply(ctx context.Context, runID string, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	prev := doc.CurrentState()
	out, err := r.coord.ApplyTransition(ctx, doc, resp, true)
	if err != nil {
		return nil, err
	}
	r.exec.SyncLocation(out)
	r.exec.Record(prev, out.CurrentState(), schema.WorkflowEvent(out.State.FSM.LastTransition), nil)
	r.checkpoint(ctx, runID, prev, out)
	return out, nil
}

// Cancel applies the cancel control transition and persists the result.
func (r *Runner) Cancel(ctx context.Context, runID string, doc *schema.StateDocument) (*schema.StateDocument, error) {
	if doc.CurrentState().IsTerminal() {
		return doc, nil
	}
	return r.apply(ctx, runID, doc, &schema.Response{Control: schema.ControlCancel})
}

// Fail applies the fail control transition with an error payload.
func (r *Runner) Fail(ctx context.Context, runID string, doc *schema.StateDocument, payload map[string]any) (*schema.StateDocument, error) {
	return r.apply(ctx, runID, doc, &schema.Response{
		Control:      schema.ControlFail,
		ErrorPayload: payload,
	})
}

// --- persistence and streaming ---

func (r *Runner) persistNew(ctx context.Context, runID string, tpl *schema.WorkflowTemplate, doc *schema.StateDocument) error {
	if r.cfg.Store == nil {
		return nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "marshal state document").WithCause(err)
	}
	now := time.Now().UTC()
	run := &store.Run{
		ID:        runID,
		Document:  raw,
		State:     doc.CurrentState(),
		StartedAt: &now,
	}
	if tpl != nil {
		run.TemplateName = tpl.Name
		run.TemplateVersion = tpl.Version
		run.Goals = tpl.Goals
	}
	return r.cfg.Store.CreateRun(ctx, run)
}

// checkpoint records the transition and the updated document. Persistence
// failures are logged, not propagated: the in-memory run stays authoritative
// and the next checkpoint retries the full document write.
func (r *Runner) checkpoint(ctx context.Context, runID string, prev schema.WorkflowState, doc *schema.StateDocument) {
	state := doc.CurrentState()
	loc := doc.Observation.Location.Current

	r.publish(ctx, streaming.StreamEvent{
		RunID:      runID,
		EventType:  streaming.EventTransition,
		FromState:  string(prev),
		ToState:    string(state),
		Trigger:    doc.State.FSM.LastTransition,
		StageID:    loc.StageID,
		StepID:     loc.StepID,
		BehaviorID: loc.BehaviorID,
	})
	if state.IsTerminal() {
		r.publish(ctx, streaming.StreamEvent{
			RunID:     runID,
			EventType: streaming.EventRunFinished,
			ToState:   string(state),
		})
	}

	if r.cfg.Store == nil {
		return
	}

	event := &store.TransitionEvent{
		RunID:      runID,
		Trigger:    doc.State.FSM.LastTransition,
		FromState:  string(prev),
		ToState:    string(state),
		StageID:    loc.StageID,
		StepID:     loc.StepID,
		BehaviorID: loc.BehaviorID,
	}
	if err := r.cfg.Store.AppendEvent(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "append transition event failed",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		r.logger.WarnContext(ctx, "marshal state document failed",
			slog.String("run_id", runID), slog.String("error", err.Error()))
		return
	}

	update := store.RunUpdate{State: &state, Document: raw}
	if state.IsTerminal() {
		now := time.Now().UTC()
		update.CompletedAt = &now
	}
	if err := r.cfg.Store.UpdateRun(ctx, runID, update); err != nil {
		r.logger.WarnContext(ctx, "update run failed",
			slog.String("run_id", runID), slog.String("error", err.Error()))
	}

	if event.Sequence > 0 && event.Sequence%int64(r.cfg.SnapshotEvery) == 0 {
		if err := r.cfg.Store.SaveSnapshot(ctx, &store.Snapshot{
			RunID:    runID,
			Sequence: event.Sequence,
			Document: raw,
		}); err != nil {
			r.logger.WarnContext(ctx, "save snapshot failed",
				slog.String("run_id", runID), slog.String("error", err.Error()))
		}
	}
}

func (r *Runner) publish(ctx context.Context, event streaming.StreamEvent) {
	if r.cfg.Hub == nil {
		return
	}
	if err := r.cfg.Hub.Publish(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "publish stream event failed",
			slog.String("run_id", event.RunID), slog.String("error", err.Error()))
	}
}
