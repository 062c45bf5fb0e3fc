package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/quill/internal/runner"
	"github.com/rendis/quill/internal/store"
	"github.com/rendis/quill/pkg/schema"
)

// handleRun starts a workflow run from a registered or inline template.
func (s *QuillServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateName := req.GetString("template_name", "")
	inline := mcp.ParseStringMap(req, "template", nil)
	if templateName == "" && inline == nil {
		return mcp.NewToolResultError("either template_name or an inline template is required"), nil
	}
	variables := mcp.ParseStringMap(req, "variables", nil)

	var tpl *schema.WorkflowTemplate
	if inline != nil {
		parsed, err := parseTemplate(inline)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", err)), nil
		}
		tpl = parsed
	} else {
		rec, err := s.resolveTemplate(ctx, templateName, req.GetString("version", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", err)), nil
		}
		tpl = &rec.Template
	}

	if s.validator != nil {
		if err := s.validator.ValidateTemplate(tpl); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template rejected: %v", err)), nil
		}
	}

	r := s.newRunner()
	runID, doc, err := r.Start(ctx, tpl, variables)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to start run: %v", err)), nil
	}
	s.trackRun(runID, &liveRun{runner: r, stepper: r.Stepper(runID, doc)})
	s.captureSession(ctx, runID)

	return marshalResult(map[string]any{
		"run_id": runID,
		"state":  doc.CurrentState(),
	})
}

// handleNext advances every locally decidable transition, then reports which
// API family the run needs and the request payload the agent should answer.
func (s *QuillServer) handleNext(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	lr, loadErr := s.liveOrLoad(ctx, runID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", loadErr)), nil
	}
	s.captureSession(ctx, runID)

	for {
		state := lr.stepper.State()
		if state.IsTerminal() {
			s.dropRun(runID)
			return marshalResult(map[string]any{
				"run_id": runID,
				"status": "done",
				"state":  state,
			})
		}

		doc := lr.stepper.Document()
		decision, ok := lr.runner.Coordinator().Decisions()[state]
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("no decision policy for state %s", state)), nil
		}

		if kind := decision.RequiredAPI(doc); kind != schema.APINone {
			loc := doc.Observation.Location.Current
			return marshalResult(map[string]any{
				"run_id":       runID,
				"status":       "awaiting_response",
				"state":        state,
				"required_api": kind,
				"request": &schema.APIRequest{
					StageID:   loc.StageID,
					StepIndex: len(doc.Observation.Location.Progress.Steps.Completed),
					State:     doc,
				},
			})
		}

		status, stepErr := lr.stepper.Step(ctx)
		if stepErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("advance failed: %v", stepErr)), nil
		}
		if status == runner.StatusBlocked {
			return marshalResult(map[string]any{
				"run_id": runID,
				"status": "blocked",
				"state":  lr.stepper.State(),
			})
		}
	}
}

// handleSubmit applies an agent-produced response to a run.
func (s *QuillServer) handleSubmit(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	respMap := mcp.ParseStringMap(req, "response", nil)
	if respMap == nil {
		return mcp.NewToolResultError("response is required"), nil
	}

	raw, marshalErr := json.Marshal(respMap)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid response: %v", marshalErr)), nil
	}
	if s.validator != nil {
		if valErr := s.validator.ValidateResponse(raw); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("response rejected: %v", valErr)), nil
		}
	}
	var resp schema.Response
	if unmarshalErr := json.Unmarshal(raw, &resp); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid response: %v", unmarshalErr)), nil
	}

	lr, loadErr := s.liveOrLoad(ctx, runID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", loadErr)), nil
	}
	s.captureSession(ctx, runID)

	status, submitErr := lr.stepper.Submit(ctx, &resp)
	if submitErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("transition failed: %v", submitErr)), nil
	}

	doc := lr.stepper.Document()
	if status == runner.StatusDone {
		s.dropRun(runID)
	}
	loc := doc.Observation.Location.Current
	return marshalResult(map[string]any{
		"run_id":      runID,
		"status":      statusWord(status),
		"state":       doc.CurrentState(),
		"stage_id":    loc.StageID,
		"step_id":     loc.StepID,
		"behavior_id": loc.BehaviorID,
	})
}

// handleStatus returns the current state of a run, live or persisted.
func (s *QuillServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	if lr, ok := s.lookupRun(runID); ok {
		doc := lr.stepper.Document()
		loc := doc.Observation.Location.Current
		return marshalResult(map[string]any{
			"run_id":          runID,
			"state":           doc.CurrentState(),
			"previous_state":  doc.State.FSM.PreviousState,
			"last_transition": doc.State.FSM.LastTransition,
			"stage_id":        loc.StageID,
			"step_id":         loc.StepID,
			"behavior_id":     loc.BehaviorID,
			"terminal":        doc.CurrentState().IsTerminal(),
		})
	}

	if s.store == nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %s not found", runID)), nil
	}
	run, getErr := s.store.GetRun(ctx, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", getErr)), nil
	}
	return marshalResult(map[string]any{
		"run_id":        run.ID,
		"state":         run.State,
		"template_name": run.TemplateName,
		"terminal":      run.State.IsTerminal(),
		"started_at":    run.StartedAt,
		"completed_at":  run.CompletedAt,
	})
}

// handleCancel cancels a run.
func (s *QuillServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	lr, loadErr := s.liveOrLoad(ctx, runID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", loadErr)), nil
	}

	if cancelErr := lr.stepper.Cancel(ctx); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}
	s.dropRun(runID)
	return marshalResult(map[string]any{
		"run_id": runID,
		"state":  lr.stepper.State(),
	})
}

// handleUpdate stages, confirms, or rejects a mid-run template update.
func (s *QuillServer) handleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}
	lr, loadErr := s.liveOrLoad(ctx, runID)
	if loadErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", loadErr)), nil
	}
	s.captureSession(ctx, runID)

	switch action {
	case "propose":
		tplMap := mcp.ParseStringMap(req, "template", nil)
		if tplMap == nil {
			return mcp.NewToolResultError("propose requires a template"), nil
		}
		tpl, parseErr := parseTemplate(tplMap)
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", parseErr)), nil
		}
		event := schema.EventUpdateWorkflow
		if req.GetString("scope", "workflow") == "step" {
			event = schema.EventUpdateStep
		}
		if _, propErr := lr.stepper.ProposeUpdate(ctx, event, tpl); propErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("update rejected: %v", propErr)), nil
		}
		return marshalResult(map[string]any{
			"run_id": runID,
			"status": "update_pending",
			"state":  lr.stepper.State(),
		})
	case "confirm", "reject":
		status, resErr := lr.stepper.ResolveUpdate(ctx, action == "confirm")
		if resErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", resErr)), nil
		}
		return marshalResult(map[string]any{
			"run_id": runID,
			"status": statusWord(status),
			"state":  lr.stepper.State(),
		})
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
}

// handleDefine registers a workflow template with auto-versioning.
func (s *QuillServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	tplMap := mcp.ParseStringMap(req, "template", nil)
	if tplMap == nil {
		return mcp.NewToolResultError("template is required"), nil
	}

	tpl, parseErr := parseTemplate(tplMap)
	if parseErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid template: %v", parseErr)), nil
	}
	tpl.Name = name
	if s.validator != nil {
		if valErr := s.validator.ValidateTemplate(tpl); valErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("template rejected: %v", valErr)), nil
		}
	}
	if s.store == nil {
		return mcp.NewToolResultError("no store configured"), nil
	}

	version := s.nextVersion(ctx, name)
	tpl.Version = version
	now := time.Now().UTC()
	rec := &store.TemplateRecord{
		Name:        name,
		Version:     version,
		Description: req.GetString("description", ""),
		Template:    *tpl,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if storeErr := s.store.StoreTemplate(ctx, rec); storeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to store template: %v", storeErr)), nil
	}

	return marshalResult(map[string]any{
		"name":    name,
		"version": version,
	})
}

// handleQuery lists runs, events, or templates, or jq-queries a state document.
func (s *QuillServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "templates":
		return s.queryTemplates(ctx, filter)
	case "document":
		return s.queryDocument(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *QuillServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if state, ok := filter["state"].(string); ok && state != "" {
		ws := schema.WorkflowState(state)
		rf.State = &ws
	}
	if name, ok := filter["template_name"].(string); ok {
		rf.TemplateName = name
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			rf.Since = &t
		}
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *QuillServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if runID, ok := filter["run_id"].(string); ok {
		ef.RunID = runID
	}
	if stageID, ok := filter["stage_id"].(string); ok {
		ef.StageID = stageID
	}
	trigger, _ := filter["trigger"].(string)

	if trigger != "" {
		events, err := s.store.GetEventsByTrigger(ctx, trigger, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	if ef.RunID == "" {
		return mcp.NewToolResultError("event query requires either 'trigger' or 'run_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.RunID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *QuillServer) queryTemplates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TemplateFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if name, ok := filter["name"].(string); ok {
		tf.Name = name
	}

	templates, err := s.store.ListTemplates(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"templates": templates})
}

// queryDocument runs a jq expression over a run's state document.
func (s *QuillServer) queryDocument(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	runID, _ := filter["run_id"].(string)
	if runID == "" {
		return mcp.NewToolResultError("document query requires 'run_id' in filter"), nil
	}
	expr, _ := filter["jq"].(string)
	if expr == "" {
		expr = "."
	}

	doc, err := s.documentFor(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run lookup failed: %v", err)), nil
	}

	raw, marshalErr := json.Marshal(doc)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal document: %v", marshalErr)), nil
	}
	var data map[string]any
	if unmarshalErr := json.Unmarshal(raw, &data); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("decode document: %v", unmarshalErr)), nil
	}

	results, evalErr := s.query.EvaluateAll(ctx, expr, data)
	if evalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("jq query failed: %v", evalErr)), nil
	}
	return marshalResult(map[string]any{"results": results})
}

// --- Internal helpers ---

// liveOrLoad returns the in-memory run, or rebuilds one from the persisted
// document so the agent can keep driving a run across server restarts.
func (s *QuillServer) liveOrLoad(ctx context.Context, runID string) (*liveRun, error) {
	if lr, ok := s.lookupRun(runID); ok {
		return lr, nil
	}
	if s.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var doc schema.StateDocument
	if err := json.Unmarshal(run.Document, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode persisted document").WithCause(err)
	}

	r := s.newRunner()
	r.Resume(&doc)
	lr := &liveRun{runner: r, stepper: r.Stepper(runID, &doc)}
	s.trackRun(runID, lr)
	return lr, nil
}

// documentFor returns the run's current state document without creating a
// live run for persisted ones.
func (s *QuillServer) documentFor(ctx context.Context, runID string) (*schema.StateDocument, error) {
	if lr, ok := s.lookupRun(runID); ok {
		return lr.stepper.Document(), nil
	}
	if s.store == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %s not found", runID)
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	var doc schema.StateDocument
	if err := json.Unmarshal(run.Document, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode persisted document").WithCause(err)
	}
	return &doc, nil
}

// resolveTemplate finds a template by name and optional version.
// If version is empty, it fetches the latest by listing all versions and sorting.
func (s *QuillServer) resolveTemplate(ctx context.Context, name, version string) (*store.TemplateRecord, error) {
	if s.store == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "no store configured")
	}
	if version != "" {
		return s.store.GetTemplate(ctx, name, version)
	}

	templates, err := s.store.ListTemplates(ctx, store.TemplateFilter{Name: name})
	if err != nil {
		return nil, err
	}
	if len(templates) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "template %q not found", name)
	}

	sort.Slice(templates, func(i, j int) bool {
		return versionRank(templates[i].Version) > versionRank(templates[j].Version)
	})
	return templates[0], nil
}

// nextVersion computes the next version string (v1, v2, v3...) for a template name.
func (s *QuillServer) nextVersion(ctx context.Context, name string) string {
	templates, err := s.store.ListTemplates(ctx, store.TemplateFilter{Name: name})
	if err != nil || len(templates) == 0 {
		return "v1"
	}

	maxVer := 0
	for _, t := range templates {
		if n := versionRank(t.Version); n > maxVer {
			maxVer = n
		}
	}
	return fmt.Sprintf("v%d", maxVer+1)
}

// versionRank extracts the leading numeric part of a version string,
// accepting both "v3" and dotted "3.1.0" forms.
func versionRank(v string) int {
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		v = v[:i]
	}
	n, _ := strconv.Atoi(v)
	return n
}

// parseTemplate converts a tool-argument map into a WorkflowTemplate.
func parseTemplate(m map[string]any) (*schema.WorkflowTemplate, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var tpl schema.WorkflowTemplate
	if err := json.Unmarshal(raw, &tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func statusWord(status runner.Status) string {
	switch status {
	case runner.StatusDone:
		return "done"
	case runner.StatusBlocked:
		return "blocked"
	default:
		return "advanced"
	}
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the run ID to its current MCP session for notifications.
func (s *QuillServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
