package engine

import (
	"sync"

	"github.com/rendis/quill/pkg/schema"
)

// UpdateGate owns the template-update lifecycle. Staging an UPDATE_WORKFLOW
// or UPDATE_STEP proposal parks the run in the matching pending state, where
// the decision table refuses to advance it; a confirmation releases the
// staged template for the caller to fold into the document and a rejection
// discards it. At most one proposal is pending at a time.
type UpdateGate struct {
	mu     sync.Mutex
	staged *schema.WorkflowTemplate
	event  schema.WorkflowEvent
}

// NewUpdateGate creates an empty gate.
func NewUpdateGate() *UpdateGate {
	return &UpdateGate{}
}

// Stage validates the proposal against the transition table and records it.
// Returns the pending state the run moves to.
func (g *UpdateGate) Stage(doc *schema.StateDocument, event schema.WorkflowEvent, tpl *schema.WorkflowTemplate) (schema.WorkflowState, error) {
	if event != schema.EventUpdateWorkflow && event != schema.EventUpdateStep {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "%s does not stage a template update", event)
	}
	if tpl == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "a template update requires a template")
	}
	to, ok := Lookup(doc.CurrentState(), event)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"no transition from %s on %s", doc.CurrentState(), event)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.staged != nil {
		return "", schema.NewError(schema.ErrCodeConflict, "a template update is already pending")
	}
	g.staged = tpl
	g.event = event
	return to, nil
}

// Resolve pairs a confirmation or rejection with the staged proposal. On
// confirmation the staged template is returned for the caller to apply; on
// rejection it is discarded. Either way the gate is cleared.
func (g *UpdateGate) Resolve(doc *schema.StateDocument, accept bool) (schema.WorkflowEvent, schema.WorkflowState, *schema.WorkflowTemplate, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.staged == nil {
		return "", "", nil, schema.NewError(schema.ErrCodeConflict, "no template update pending")
	}

	event := resolutionEvent(g.event, accept)
	to, ok := Lookup(doc.CurrentState(), event)
	if !ok {
		return "", "", nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"no transition from %s on %s", doc.CurrentState(), event)
	}

	staged := g.staged
	g.staged = nil
	g.event = ""
	if !accept {
		return event, to, nil, nil
	}
	return event, to, staged, nil
}

// Pending returns the staged template, if any.
func (g *UpdateGate) Pending() *schema.WorkflowTemplate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.staged
}

func resolutionEvent(staging schema.WorkflowEvent, accept bool) schema.WorkflowEvent {
	if staging == schema.EventUpdateWorkflow {
		if accept {
			return schema.EventUpdateWorkflowConfirmed
		}
		return schema.EventUpdateWorkflowRejected
	}
	if accept {
		return schema.EventUpdateStepConfirmed
	}
	return schema.EventUpdateStepRejected
}
