package engine

import (
	"context"

	"github.com/rendis/quill/pkg/schema"
)

// cancelHandler moves any non-terminal state to CANCELLED immediately.
type cancelHandler struct {
	deps HandlerDeps
}

func (h *cancelHandler) Event() schema.WorkflowEvent { return schema.EventCancel }
func (h *cancelHandler) From() schema.WorkflowState  { return schema.StateIdle }
func (h *cancelHandler) To() schema.WorkflowState    { return schema.StateCancelled }

func (h *cancelHandler) CanHandle(doc *schema.StateDocument, resp *schema.Response) bool {
	if doc.CurrentState().IsTerminal() {
		return false
	}
	return resp.Control == schema.ControlCancel || resp.IsAutoTrigger(schema.EventCancel)
}

func (h *cancelHandler) Apply(_ context.Context, doc *schema.StateDocument, _ *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()
	cp.ApplyFSM(schema.StateCancelled, schema.EventCancel)
	return cp, nil
}

// failHandler moves any state to ERROR, carrying the error payload.
type failHandler struct {
	deps HandlerDeps
}

func (h *failHandler) Event() schema.WorkflowEvent { return schema.EventFail }
func (h *failHandler) From() schema.WorkflowState  { return schema.StateIdle }
func (h *failHandler) To() schema.WorkflowState    { return schema.StateError }

func (h *failHandler) CanHandle(_ *schema.StateDocument, resp *schema.Response) bool {
	return resp.Control == schema.ControlFail || resp.IsAutoTrigger(schema.EventFail)
}

func (h *failHandler) Apply(_ context.Context, doc *schema.StateDocument, resp *schema.Response) (*schema.StateDocument, error) {
	cp := doc.DeepCopy()
	if len(resp.ErrorPayload) > 0 {
		if cp.State.Variables == nil {
			cp.State.Variables = make(map[string]any, 1)
		}
		cp.State.Variables["last_error"] = resp.ErrorPayload
	}
	cp.ApplyFSM(schema.StateError, schema.EventFail)
	return cp, nil
}
