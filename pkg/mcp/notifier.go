package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/quill/internal/streaming"
)

// RunNotifier pushes run events to connected clients.
type RunNotifier interface {
	Notify(ctx context.Context, runID string, payload map[string]any) error
}

// MCPNotifier implements RunNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP session channel.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the session driving the run.
// Best-effort: returns nil if no session owns the run.
func (n *MCPNotifier) Notify(_ context.Context, runID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(runID)
	if !ok {
		return nil // no session owns this run, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Forward subscribes to the hub and pushes every matching event to the
// session driving its run. Blocks until ctx is done or the hub closes.
func (n *MCPNotifier) Forward(ctx context.Context, hub streaming.EventHub, logger *slog.Logger) error {
	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			payload := map[string]any{
				"run_id":     event.RunID,
				"event_type": event.EventType,
			}
			if event.FromState != "" {
				payload["from_state"] = event.FromState
				payload["to_state"] = event.ToState
				payload["trigger"] = event.Trigger
			}
			if err := n.Notify(ctx, event.RunID, payload); err != nil {
				logger.Warn("failed to push run event",
					slog.String("run_id", event.RunID),
					slog.String("event_type", event.EventType),
					slog.Any("error", err))
			}
		}
	}
}
