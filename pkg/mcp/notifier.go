package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// Notifier pushes workflow results to the client that started the workflow.
type Notifier interface {
	Notify(ctx context.Context, workflowID string, payload map[string]any) error
}

// MCPNotifier implements Notifier with MCP server notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier over mcpServer.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends payload as a log message notification. A workflow with no
// live session is skipped. The binding is consumed either way, since a
// workflow ends only once.
func (n *MCPNotifier) Notify(_ context.Context, workflowID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(workflowID)
	if !ok {
		return nil
	}
	n.sessions.Forget(workflowID)

	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "onboard",
		"data":   payload,
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
