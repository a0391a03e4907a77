package engine

import (
	"maps"
	"slices"
	"strings"

	"github.com/rendis/onboard/internal/progress"
	"github.com/rendis/onboard/pkg/schema"
)

// WorkflowState is the mutable state of one run. It is owned by the
// coordinator loop and never touched from any other goroutine.
type WorkflowState struct {
	WorkflowID       string
	CurrentStep      schema.Step
	Email            string
	VerificationCode string
	PIN              string
	Connections      map[string]schema.PlatformConnection
	ErrorMessage     string
	IsLoading        bool
	AccountInfo      map[string]string

	SessionToken string
	SessionID    string
	UserID       string
	ExistingUser bool

	TrainingStatus string
	TrainingETA    float64
	TrainingSource schema.TrainingSource

	trainingProgress float64
}

// NewWorkflowState returns an empty state positioned on the Email step.
func NewWorkflowState(workflowID string) *WorkflowState {
	return &WorkflowState{
		WorkflowID:  workflowID,
		CurrentStep: schema.StepEmail,
		Connections: make(map[string]schema.PlatformConnection),
	}
}

// TrainingProgress returns the current progress in [0,1].
func (s *WorkflowState) TrainingProgress() float64 { return s.trainingProgress }

// SetTrainingProgress clamps v into [0,1]. NaN becomes 0.
func (s *WorkflowState) SetTrainingProgress(v float64) {
	s.trainingProgress = progress.Clamp(v)
}

// AddConnection records a successful platform authentication.
func (s *WorkflowState) AddConnection(c schema.PlatformConnection) {
	s.Connections[c.PlatformID] = c
}

// Platforms returns the connected platform ids in sorted order.
func (s *WorkflowState) Platforms() []string {
	return slices.Sorted(maps.Keys(s.Connections))
}

// resetTraining clears everything the previous training run left behind.
func (s *WorkflowState) resetTraining() {
	s.trainingProgress = 0
	s.TrainingStatus = ""
	s.TrainingETA = 0
	s.TrainingSource = schema.TrainingSourceNone
}

// Snapshot returns a deep copy safe to hand to other goroutines.
func (s *WorkflowState) Snapshot() schema.StateSnapshot {
	return schema.StateSnapshot{
		WorkflowID:       s.WorkflowID,
		CurrentStep:      s.CurrentStep,
		Email:            s.Email,
		VerificationCode: s.VerificationCode,
		PIN:              s.PIN,
		Connections:      maps.Clone(s.Connections),
		Platforms:        s.Platforms(),
		TrainingProgress: s.trainingProgress,
		TrainingStatus:   s.TrainingStatus,
		TrainingETA:      s.TrainingETA,
		TrainingSource:   s.TrainingSource,
		ErrorMessage:     s.ErrorMessage,
		IsLoading:        s.IsLoading,
		AccountInfo:      maps.Clone(s.AccountInfo),
		HasSessionToken:  s.SessionToken != "",
	}
}

// ruleEnv is the variable set custom validation rules and the connection
// policy are evaluated against.
// trimmedEmail is the address as it is validated and sent.
func (s *WorkflowState) trimmedEmail() string { return strings.TrimSpace(s.Email) }

func (s *WorkflowState) ruleEnv() map[string]any {
	conns := make(map[string]any, len(s.Connections))
	for id, c := range s.Connections {
		conns[id] = map[string]any{
			"platform_id": c.PlatformID,
			"has_refresh": c.RefreshToken != "",
			"user_info":   c.UserInfo,
		}
	}
	return map[string]any{
		"step":             string(s.CurrentStep),
		"email":            s.trimmedEmail(),
		"code":             s.VerificationCode,
		"pin":              s.PIN,
		"connections":      conns,
		"platforms":        s.Platforms(),
		"connection_count": len(s.Connections),
		"existing_user":    s.ExistingUser,
	}
}
