package schema

import "time"

// PlatformConnection is the result of a successful platform authentication.
type PlatformConnection struct {
	PlatformID   string         `json:"platform_id"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	UserInfo     map[string]any `json:"user_info,omitempty"`
}

// Expired reports whether the access token expires before now+within.
func (c *PlatformConnection) Expired(now time.Time, within time.Duration) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return !c.ExpiresAt.After(now.Add(within))
}

// ProgressKind identifies a server-pushed training event.
type ProgressKind string

const (
	ProgressETAUpdate               ProgressKind = "eta_update"
	ProgressStatusUpdate            ProgressKind = "status_update"
	ProgressJobCompleted            ProgressKind = "job_completed"
	ProgressPostProcessingCompleted ProgressKind = "post_processing_completed"
	ProgressStandby                 ProgressKind = "standby"
)

// TrainingProgressEvent is a single event as received from the progress
// channel. Percentage is raw and must be sanitized before use.
type TrainingProgressEvent struct {
	Kind       ProgressKind `json:"kind"`
	Percentage float64      `json:"percentage"`
	HasPercent bool         `json:"has_percent"`
	ETASeconds float64      `json:"eta_seconds,omitempty"`
	Status     string       `json:"status,omitempty"`
	Completed  bool         `json:"completed"`
}

// TrainingSource tells where training progress comes from.
type TrainingSource string

const (
	TrainingSourceNone       TrainingSource = ""
	TrainingSourceChannel    TrainingSource = "channel"
	TrainingSourceSimulation TrainingSource = "simulation"
)

// StateSnapshot is an immutable copy of the workflow state handed to hosts.
type StateSnapshot struct {
	WorkflowID       string                        `json:"workflow_id"`
	CurrentStep      Step                          `json:"current_step"`
	Email            string                        `json:"email,omitempty"`
	VerificationCode string                        `json:"-"`
	PIN              string                        `json:"-"`
	Connections      map[string]PlatformConnection `json:"-"`
	Platforms        []string                      `json:"platforms"`
	TrainingProgress float64                       `json:"training_progress"`
	TrainingStatus   string                        `json:"training_status,omitempty"`
	TrainingETA      float64                       `json:"training_eta_seconds,omitempty"`
	TrainingSource   TrainingSource                `json:"training_source,omitempty"`
	ErrorMessage     string                        `json:"error_message,omitempty"`
	IsLoading        bool                          `json:"is_loading"`
	AccountInfo      map[string]string             `json:"account_info,omitempty"`
	HasSessionToken  bool                          `json:"has_session_token"`
}
