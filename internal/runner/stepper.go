package runner

import (
	"context"
	"sync"

	"github.com/rendis/quill/internal/engine"
	"github.com/rendis/quill/pkg/schema"
)

// Stepper advances a run one external interaction at a time. It shares the
// Runner's advance routine, so stepping a run to completion is observably
// equivalent to Run. Safe for concurrent use; callers like the MCP server
// may overlap Step, Submit, and Document calls.
type Stepper struct {
	mu    sync.Mutex
	r     *Runner
	runID string
	doc   *schema.StateDocument
	gate  *engine.UpdateGate
}

// Stepper wraps an existing run for step-at-a-time driving.
func (r *Runner) Stepper(runID string, doc *schema.StateDocument) *Stepper {
	return &Stepper{r: r, runID: runID, doc: doc, gate: engine.NewUpdateGate()}
}

// RunID returns the wrapped run's ID.
func (s *Stepper) RunID() string { return s.runID }

// Document returns a deep copy of the run's current state document.
func (s *Stepper) Document() *schema.StateDocument {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.DeepCopy()
}

// State returns the run's current FSM state.
func (s *Stepper) State() schema.WorkflowState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.CurrentState()
}

// Step performs one advance: either one external API round trip or one
// locally decided transition, with any auto-trigger cascade included.
func (s *Stepper) Step(ctx context.Context) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, status, err := s.r.advance(ctx, s.runID, s.doc)
	if out != nil {
		s.doc = out
	}
	return status, err
}

// Submit applies an externally supplied response, bypassing the API client.
// Used when a caller (e.g. an MCP agent) produces the response itself.
func (s *Stepper) Submit(ctx context.Context, resp *schema.Response) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.r.apply(ctx, s.runID, s.doc, resp)
	if err != nil {
		return StatusBlocked, err
	}
	s.doc = out
	return s.r.statusOf(out), nil
}

// ProposeUpdate stages a template update and parks the run in the matching
// pending state. The run reports blocked until ResolveUpdate is called.
func (s *Stepper) ProposeUpdate(ctx context.Context, event schema.WorkflowEvent, tpl *schema.WorkflowTemplate) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	to, err := s.gate.Stage(s.doc, event, tpl)
	if err != nil {
		return StatusBlocked, err
	}
	prev := s.doc.CurrentState()
	cp := s.doc.DeepCopy()
	cp.ApplyFSM(to, event)
	s.r.checkpoint(ctx, s.runID, prev, cp)
	s.doc = cp
	return StatusBlocked, nil
}

// ResolveUpdate confirms or rejects the pending template update. A confirmed
// update is folded into the document before the run resumes; a rejected one
// only returns the run to its previous running state.
func (s *Stepper) ResolveUpdate(ctx context.Context, accept bool) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	event, to, tpl, err := s.gate.Resolve(s.doc, accept)
	if err != nil {
		return StatusBlocked, err
	}
	prev := s.doc.CurrentState()
	cp := s.doc.DeepCopy()
	if tpl != nil {
		foldTemplate(cp, event, tpl)
	}
	cp.ApplyFSM(to, event)
	s.r.checkpoint(ctx, s.runID, prev, cp)
	s.doc = cp
	return s.r.statusOf(cp), nil
}

// PendingUpdate returns the staged template awaiting confirmation, if any.
func (s *Stepper) PendingUpdate() *schema.WorkflowTemplate {
	return s.gate.Pending()
}

// foldTemplate replaces the un-run portion of the plan with a confirmed
// update. Completed and in-flight items are never rewritten.
func foldTemplate(doc *schema.StateDocument, event schema.WorkflowEvent, tpl *schema.WorkflowTemplate) {
	switch event {
	case schema.EventUpdateWorkflowConfirmed:
		if tpl.Goals != "" {
			doc.Observation.Location.Goals = tpl.Goals
		}
		doc.Observation.Location.Progress.Stages.Remaining = append([]schema.WorkItem(nil), tpl.Stages...)
	case schema.EventUpdateStepConfirmed:
		doc.Observation.Location.Progress.Steps.Remaining = append([]schema.WorkItem(nil), tpl.Steps...)
	}
}

// Cancel applies the cancel control transition.
func (s *Stepper) Cancel(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.r.Cancel(ctx, s.runID, s.doc)
	if err != nil {
		return err
	}
	s.doc = out
	return nil
}
