package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/quill/internal/apiclient"
	"github.com/rendis/quill/internal/engine"
	"github.com/rendis/quill/internal/expressions"
	"github.com/rendis/quill/internal/progress"
	"github.com/rendis/quill/internal/runner"
	"github.com/rendis/quill/internal/store"
	"github.com/rendis/quill/internal/streaming"
	"github.com/rendis/quill/internal/validation"
)

// QuillServerDeps holds the dependencies for creating a QuillServer.
// Client is optional: in the agent-driven flow the agent produces responses
// itself via quill.next/quill.submit and no HTTP round trip is made.
type QuillServerDeps struct {
	Store     store.Store
	Client    apiclient.Client
	Bridge    engine.ActionDispatcher
	Hub       streaming.EventHub
	Validator validation.Validator
	Eval      progress.Evaluator
	Logger    *slog.Logger
}

// QuillServer wraps an MCP server with quill-specific tool handlers. Each
// active run gets its own runner stack; the agent drives it one external
// interaction at a time.
type QuillServer struct {
	store     store.Store
	client    apiclient.Client
	bridge    engine.ActionDispatcher
	hub       streaming.EventHub
	validator validation.Validator
	eval      progress.Evaluator
	logger    *slog.Logger
	query     *expressions.GoJQEngine
	sessions  *SessionRegistry
	mcpServer *server.MCPServer

	runsMu sync.Mutex
	runs   map[string]*liveRun
}

// liveRun is one in-memory run: its engine stack plus the stepper driving it.
type liveRun struct {
	runner  *runner.Runner
	stepper *runner.Stepper
}

// NewQuillServer creates a new QuillServer with all 8 tools registered.
func NewQuillServer(deps QuillServerDeps) *QuillServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &QuillServer{
		store:     deps.Store,
		client:    deps.Client,
		bridge:    deps.Bridge,
		hub:       deps.Hub,
		validator: deps.Validator,
		eval:      deps.Eval,
		logger:    logger,
		query:     expressions.NewGoJQEngine(),
		sessions:  NewSessionRegistry(),
		runs:      make(map[string]*liveRun),
	}

	mcpSrv := server.NewMCPServer(
		"quill",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Quill is a hierarchical workflow state machine for agent-authored notebooks. Use quill.run to start a run, quill.next to learn which API family the run needs (and advance locally decidable transitions), quill.submit to apply your planning/generating/reflecting response, quill.status to inspect a run, quill.cancel to stop one, quill.update to propose, confirm, or reject a mid-run template update, quill.define to register templates, and quill.query to list runs/events/templates or jq-query a state document."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *QuillServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *QuillServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the run-to-session registry, used to route notifications.
func (s *QuillServer) Sessions() *SessionRegistry {
	return s.sessions
}

// newRunner builds a fresh engine stack for one run.
func (s *QuillServer) newRunner() *runner.Runner {
	return runner.New(runner.Config{
		Client: s.client,
		Bridge: s.bridge,
		Store:  s.store,
		Hub:    s.hub,
		Logger: s.logger,
		Eval:   s.eval,
	})
}

func (s *QuillServer) trackRun(runID string, lr *liveRun) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	s.runs[runID] = lr
}

func (s *QuillServer) lookupRun(runID string) (*liveRun, bool) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	lr, ok := s.runs[runID]
	return lr, ok
}

func (s *QuillServer) dropRun(runID string) {
	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	delete(s.runs, runID)
}

// tools returns the registered MCP tools as ServerTool entries.
func (s *QuillServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: nextTool(), Handler: s.handleNext},
		{Tool: submitTool(), Handler: s.handleSubmit},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: updateTool(), Handler: s.handleUpdate},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("quill.run",
		mcp.WithDescription("Start a workflow run from a registered template or an inline template"),
		mcp.WithString("template_name", mcp.Description("Name of a registered template (omit when passing an inline template)")),
		mcp.WithString("version", mcp.Description("Template version (default: latest)")),
		mcp.WithObject("template", mcp.Description("Inline workflow template object")),
		mcp.WithObject("variables", mcp.Description("Initial document variables")),
	)
}

func nextTool() mcp.Tool {
	return mcp.NewTool("quill.next",
		mcp.WithDescription("Advance locally decidable transitions and report which API family the run needs next, with the request payload to answer"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to advance")),
	)
}

func submitTool() mcp.Tool {
	return mcp.NewTool("quill.submit",
		mcp.WithDescription("Apply a planning/generating/reflecting response to a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithObject("response", mcp.Required(), mcp.Description("Response object: stages list, steps list, behavior, actions, or reflection")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("quill.status",
		mcp.WithDescription("Get the current state of a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("quill.cancel",
		mcp.WithDescription("Cancel a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func updateTool() mcp.Tool {
	return mcp.NewTool("quill.update",
		mcp.WithDescription("Propose, confirm, or reject a mid-run template update; a proposed update parks the run until it is resolved"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("propose", "confirm", "reject"),
			mcp.Description("Update lifecycle action"),
		),
		mcp.WithString("scope",
			mcp.Enum("workflow", "step"),
			mcp.Description("Scope of a proposed update (default: workflow)"),
		),
		mcp.WithObject("template", mcp.Description("Replacement template (propose only)")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("quill.define",
		mcp.WithDescription("Register a reusable workflow template"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Template name")),
		mcp.WithObject("template", mcp.Required(), mcp.Description("Workflow template object (goals, stages)")),
		mcp.WithString("description", mcp.Description("Template description")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("quill.query",
		mcp.WithDescription("Query runs, transition events, or templates, or run a jq expression over a run's state document"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events", "templates", "document"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (state, template_name, since, limit, run_id, trigger, name, jq)")),
	)
}
