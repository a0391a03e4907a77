package schema

// Journal event types appended while a workflow runs.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowFailed    = "workflow_failed"

	EventStepEntered   = "step_entered"
	EventStepRetreated = "step_retreated"
	EventStepFailed    = "step_failed"
	EventStepAutoSkip  = "step_auto_advanced"

	EventPlatformConnected    = "platform_connected"
	EventPlatformDisconnected = "platform_disconnected"

	EventTrainingStarted  = "training_started"
	EventTrainingFallback = "training_fallback"
	EventTrainingFinished = "training_finished"

	EventStateChanged = "state_changed"
)

// Remote endpoint paths used by the HTTP collaborators. The retrying client
// uses them to describe calls in diagnostics.
const (
	PathEmailRequest  = "/v1/auth/email/request"
	PathEmailVerify   = "/v1/auth/email/verify"
	PathRegister      = "/v1/users/register"
	PathTrainingStart = "/v1/training/start"
	PathPlatformAuth  = "/v1/platforms/%s/authenticate"
	PathPlatformRenew = "/v1/platforms/%s/refresh"
)
