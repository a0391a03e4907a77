// Package mcp exposes the onboarding coordinator to agents as MCP tools.
package mcp

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/onboard/internal/store"
	"github.com/rendis/onboard/pkg/schema"
)

// Coordinator is the part of engine.Coordinator the tools drive.
type Coordinator interface {
	Start(completion func(schema.WorkflowResult)) error
	State() schema.StateSnapshot
	SetEmail(v string) error
	SetVerificationCode(v string) error
	SetPIN(v string) error
	Proceed() error
	Back() error
	Cancel() error
	ConnectPlatform(platformID string) error
	DisconnectPlatform(platformID string) error
}

// Replayer reconstructs past workflows from the journal.
type Replayer interface {
	Replay(ctx context.Context, workflowID string) (*store.Journey, error)
	Workflows(ctx context.Context, limit int) ([]string, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Coordinator Coordinator
	// Journal is optional; without it onboard.journal reports an error.
	Journal Replayer
	Logger  *slog.Logger
}

// Server wraps an MCP server with onboarding tool handlers.
type Server struct {
	coord     Coordinator
	journal   Replayer
	logger    *slog.Logger
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
	notifier  Notifier

	mu      sync.Mutex
	results map[string]schema.WorkflowResult
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		coord:    deps.Coordinator,
		journal:  deps.Journal,
		logger:   logger.With(slog.String("component", "mcp")),
		sessions: NewSessionRegistry(),
		results:  make(map[string]schema.WorkflowResult),
	}

	mcpSrv := server.NewMCPServer(
		"onboard",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("Onboard drives a user through email verification, platform connection, PIN setup and assistant training. Call onboard.start, then onboard.set and onboard.proceed for each step. onboard.status shows the current step, any error and training progress."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: setTool(), Handler: s.handleSet},
		{Tool: proceedTool(), Handler: s.handleProceed},
		{Tool: backTool(), Handler: s.handleBack},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: connectTool(), Handler: s.handleConnect},
		{Tool: journalTool(), Handler: s.handleJournal},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("onboard.start",
		mcp.WithDescription("Start a new onboarding workflow on the email step"),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("onboard.status",
		mcp.WithDescription("Get the current onboarding state"),
	)
}

func setTool() mcp.Tool {
	return mcp.NewTool("onboard.set",
		mcp.WithDescription("Set a user-entered field"),
		mcp.WithString("field", mcp.Required(),
			mcp.Enum("email", "code", "pin"),
			mcp.Description("Field to set"),
		),
		mcp.WithString("value", mcp.Required(), mcp.Description("New value")),
	)
}

func proceedTool() mcp.Tool {
	return mcp.NewTool("onboard.proceed",
		mcp.WithDescription("Validate the current step and run its operation"),
	)
}

func backTool() mcp.Tool {
	return mcp.NewTool("onboard.back",
		mcp.WithDescription("Return to the previous step"),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("onboard.cancel",
		mcp.WithDescription("Cancel the running workflow"),
	)
}

func connectTool() mcp.Tool {
	return mcp.NewTool("onboard.connect",
		mcp.WithDescription("Connect or disconnect a platform on the connect step"),
		mcp.WithString("platform_id", mcp.Required(), mcp.Description("Platform identifier, e.g. gmail")),
		mcp.WithBoolean("disconnect", mcp.Description("Forget the platform instead of connecting it")),
	)
}

func journalTool() mcp.Tool {
	return mcp.NewTool("onboard.journal",
		mcp.WithDescription("Replay a past workflow from its journal, or list recent workflows"),
		mcp.WithString("workflow_id", mcp.Description("Workflow to replay; omit to list recent workflows")),
		mcp.WithNumber("limit", mcp.Description("Maximum workflows to list (default 20)")),
	)
}
