package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/quill/pkg/schema"
)

// autoTriggerStates are the only states the coordinator is allowed to cascade
// from without a fresh external response. BEHAVIOR_COMPLETED is deliberately
// absent: leaving a behavior always requires a reflection.
var autoTriggerStates = map[schema.WorkflowState]bool{
	schema.StateStepCompleted:   true,
	schema.StateStageCompleted:  true,
	schema.StateActionCompleted: true,
}

// Coordinator routes agent responses through the transition handlers and
// drives the bounded auto-trigger cascade. It never mutates the document it
// is given; callers receive a fresh copy on success.
type Coordinator struct {
	handlers  []TransitionHandler
	decisions DecisionTable
	logger    *slog.Logger
}

func NewCoordinator(handlers []TransitionHandler, decisions DecisionTable, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{handlers: handlers, decisions: decisions, logger: logger}
}

// ApplyTransition selects the first handler claiming the (state, response)
// pair, applies it to a deep copy of doc, and — when allowAuto is set —
// follows up with at most one decision-table auto-trigger. A failed cascade
// is logged and swallowed; the document from the last successful application
// is returned.
func (c *Coordinator) ApplyTransition(ctx context.Context, doc *schema.StateDocument, resp *schema.Response, allowAuto bool) (*schema.StateDocument, error) {
	handler := c.selectHandler(doc, resp)
	if handler == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNoHandler,
			"no transition handler for state %s and response kind %s",
			doc.CurrentState(), resp.Kind())
	}

	out, err := handler.Apply(ctx, doc, resp)
	if err != nil {
		return nil, err
	}
	c.logger.InfoContext(ctx, "transition applied",
		slog.String("event", string(handler.Event())),
		slog.String("from", string(doc.CurrentState())),
		slog.String("to", string(out.CurrentState())),
		slog.String("response_kind", string(resp.Kind())))

	if !allowAuto {
		return out, nil
	}
	return c.cascade(ctx, out), nil
}

// cascade applies at most one decision-table auto-trigger. The state's
// decision function is consulted once and the synthesized pseudo-response
// re-enters ApplyTransition with cascading disabled, so the recursion is a
// single hop no matter what state the handler lands in. Any further locally
// decidable transitions belong to the caller's next advance.
func (c *Coordinator) cascade(ctx context.Context, doc *schema.StateDocument) *schema.StateDocument {
	state := doc.CurrentState()
	if !autoTriggerStates[state] {
		return doc
	}
	decision, ok := c.decisions[state]
	if !ok {
		return doc
	}
	event, ok := decision.DetermineNext(doc)
	if !ok {
		return doc
	}
	if !decision.CanTransitionTo(event, doc) {
		c.logger.WarnContext(ctx, "auto-trigger rejected by decision table",
			slog.String("state", string(state)),
			slog.String("event", string(event)))
		return doc
	}
	next, err := c.ApplyTransition(ctx, doc, schema.NewAutoTrigger(event), false)
	if err != nil {
		c.logger.WarnContext(ctx, "auto-trigger cascade failed",
			slog.String("state", string(state)),
			slog.String("event", string(event)),
			slog.String("error", err.Error()))
		return doc
	}
	c.logger.InfoContext(ctx, "auto-trigger fired",
		slog.String("event", string(event)),
		slog.String("to", string(next.CurrentState())))
	return next
}

func (c *Coordinator) selectHandler(doc *schema.StateDocument, resp *schema.Response) TransitionHandler {
	for _, h := range c.handlers {
		if h.CanHandle(doc, resp) {
			return h
		}
	}
	return nil
}

// Decisions exposes the decision table so callers can ask which API family
// the current state needs before issuing an external request.
func (c *Coordinator) Decisions() DecisionTable { return c.decisions }
