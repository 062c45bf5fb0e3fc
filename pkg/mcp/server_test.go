package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQuillServer(t *testing.T) {
	s := NewQuillServer(QuillServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.query)
	assert.NotNil(t, s.sessions)
}

func TestToolRegistration(t *testing.T) {
	s := NewQuillServer(QuillServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 7)

	expectedTools := []string{
		"quill.run",
		"quill.next",
		"quill.submit",
		"quill.status",
		"quill.cancel",
		"quill.define",
		"quill.query",
	}
	for _, name := range expectedTools {
		tool := s.mcpServer.GetTool(name)
		assert.NotNil(t, tool, "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		name        string
		toolName    string
		description string
	}{
		{"run", "quill.run", "Start a workflow run from a registered template or an inline template"},
		{"next", "quill.next", "Advance locally decidable transitions and report which API family the run needs next, with the request payload to answer"},
		{"submit", "quill.submit", "Apply a planning/generating/reflecting response to a run"},
		{"status", "quill.status", "Get the current state of a run"},
		{"cancel", "quill.cancel", "Cancel a run"},
		{"define", "quill.define", "Register a reusable workflow template"},
		{"query", "quill.query", "Query runs, transition events, or templates, or run a jq expression over a run's state document"},
	}

	s := NewQuillServer(QuillServerDeps{})

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}

func TestRunRegistry(t *testing.T) {
	s := NewQuillServer(QuillServerDeps{})

	_, ok := s.lookupRun("r1")
	assert.False(t, ok)

	lr := &liveRun{}
	s.trackRun("r1", lr)
	got, ok := s.lookupRun("r1")
	assert.True(t, ok)
	assert.Same(t, lr, got)

	s.dropRun("r1")
	_, ok = s.lookupRun("r1")
	assert.False(t, ok)
}
