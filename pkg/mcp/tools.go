package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/onboard/pkg/schema"
)

// statusView is what onboard.status and the step tools return.
type statusView struct {
	schema.StateSnapshot
	Result *schema.WorkflowResult `json:"result,omitempty"`
}

// handleStart begins a workflow and binds it to the calling session so
// the result can be pushed when the run ends.
func (s *Server) handleStart(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.coord == nil {
		return mcp.NewToolResultError("no coordinator configured"), nil
	}

	var workflowID string
	ready := make(chan struct{})
	err := s.coord.Start(func(res schema.WorkflowResult) {
		<-ready
		s.finished(workflowID, res)
	})
	if err != nil {
		close(ready)
		return toolError(err), nil
	}
	workflowID = s.coord.State().WorkflowID
	close(ready)

	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Bind(workflowID, session.SessionID())
	}
	return s.status()
}

// finished records the run's result and notifies the session that started it.
func (s *Server) finished(workflowID string, res schema.WorkflowResult) {
	s.mu.Lock()
	s.results[workflowID] = res
	s.mu.Unlock()

	payload := map[string]any{
		"workflow_id": workflowID,
		"result":      res.Kind,
	}
	if res.Session != nil {
		payload["platforms"] = res.Session.Platforms
	}
	if res.Err != nil {
		payload["error"] = res.Err.UserMessage()
	}
	if err := s.notifier.Notify(context.Background(), workflowID, payload); err != nil {
		s.logger.Warn("notify workflow result",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Server) handleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.coord == nil {
		return mcp.NewToolResultError("no coordinator configured"), nil
	}
	return s.status()
}

func (s *Server) handleSet(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	field, err := req.RequireString("field")
	if err != nil {
		return mcp.NewToolResultError("field is required"), nil
	}
	value, err := req.RequireString("value")
	if err != nil {
		return mcp.NewToolResultError("value is required"), nil
	}
	if s.coord == nil {
		return mcp.NewToolResultError("no coordinator configured"), nil
	}

	var setErr error
	switch field {
	case "email":
		setErr = s.coord.SetEmail(value)
	case "code":
		setErr = s.coord.SetVerificationCode(value)
	case "pin":
		setErr = s.coord.SetPIN(value)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown field: %s", field)), nil
	}
	if setErr != nil {
		return toolError(setErr), nil
	}
	return s.status()
}

func (s *Server) handleProceed(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.command(func(c Coordinator) error { return c.Proceed() })
}

func (s *Server) handleBack(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.command(func(c Coordinator) error { return c.Back() })
}

func (s *Server) handleCancel(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return s.command(func(c Coordinator) error { return c.Cancel() })
}

func (s *Server) handleConnect(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	platformID, err := req.RequireString("platform_id")
	if err != nil || strings.TrimSpace(platformID) == "" {
		return mcp.NewToolResultError("platform_id is required"), nil
	}
	if req.GetBool("disconnect", false) {
		return s.command(func(c Coordinator) error { return c.DisconnectPlatform(platformID) })
	}
	return s.command(func(c Coordinator) error { return c.ConnectPlatform(platformID) })
}

// handleJournal replays one workflow or lists recent ones.
func (s *Server) handleJournal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.journal == nil {
		return mcp.NewToolResultError("no journal configured"), nil
	}
	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		limit := req.GetInt("limit", 20)
		ids, err := s.journal.Workflows(ctx, limit)
		if err != nil {
			return toolError(err), nil
		}
		if ids == nil {
			ids = []string{}
		}
		return marshalResult(map[string]any{"workflows": ids})
	}

	journey, err := s.journal.Replay(ctx, workflowID)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(journey)
}

// command runs fn and answers with the resulting state. Operations such as
// proceed return immediately; callers poll onboard.status for completion.
func (s *Server) command(fn func(Coordinator) error) (*mcp.CallToolResult, error) {
	if s.coord == nil {
		return mcp.NewToolResultError("no coordinator configured"), nil
	}
	if err := fn(s.coord); err != nil {
		return toolError(err), nil
	}
	return s.status()
}

func (s *Server) status() (*mcp.CallToolResult, error) {
	view := statusView{StateSnapshot: s.coord.State()}
	s.mu.Lock()
	if res, ok := s.results[view.WorkflowID]; ok {
		view.Result = &res
	}
	s.mu.Unlock()
	return marshalResult(view)
}

// toolError renders err with its user-facing message when it has one.
func toolError(err error) *mcp.CallToolResult {
	var oe *schema.OnboardError
	if errors.As(err, &oe) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", oe.Code, oe.UserMessage()))
	}
	return mcp.NewToolResultError(err.Error())
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
