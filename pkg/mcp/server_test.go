package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServer(t *testing.T) {
	s := NewServer(ServerDeps{})
	require.NotNil(t, s)
	assert.NotNil(t, s.mcpServer)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.notifier)
}

func TestToolRegistration(t *testing.T) {
	s := NewServer(ServerDeps{})

	tools := s.mcpServer.ListTools()
	require.Len(t, tools, 8)

	for _, name := range []string{
		"onboard.start",
		"onboard.status",
		"onboard.set",
		"onboard.proceed",
		"onboard.back",
		"onboard.cancel",
		"onboard.connect",
		"onboard.journal",
	} {
		assert.NotNil(t, s.mcpServer.GetTool(name), "tool %s should be registered", name)
	}
}

func TestToolDefinitions(t *testing.T) {
	tests := []struct {
		toolName    string
		description string
	}{
		{"onboard.start", "Start a new onboarding workflow on the email step"},
		{"onboard.status", "Get the current onboarding state"},
		{"onboard.set", "Set a user-entered field"},
		{"onboard.proceed", "Validate the current step and run its operation"},
		{"onboard.connect", "Connect or disconnect a platform on the connect step"},
	}

	s := NewServer(ServerDeps{})
	for _, tc := range tests {
		t.Run(tc.toolName, func(t *testing.T) {
			tool := s.mcpServer.GetTool(tc.toolName)
			require.NotNil(t, tool)
			assert.Equal(t, tc.description, tool.Tool.Description)
		})
	}
}
