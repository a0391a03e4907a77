package engine

import (
	"context"
	"time"

	"github.com/rendis/onboard/pkg/schema"
)

// FailureAction tells the coordinator what to do after a step operation failed.
type FailureAction int

const (
	// FailureStay keeps the user on the step with the error shown.
	FailureStay FailureAction = iota
	// FailureAutoAdvance shows the error for a grace period, then moves on.
	FailureAutoAdvance
	// FailureEnd ends the workflow with a Failure result.
	FailureEnd
)

// FailureDecision is the outcome of HandleStepFailure.
type FailureDecision struct {
	Action  FailureAction
	Message string
	Delay   time.Duration
}

// FailurePolicy decides how step failures are handled.
type FailurePolicy struct {
	Debug bool
	Grace time.Duration
}

// HandleStepFailure journals the failure and decides the next action.
// Validation and auth failures never auto-advance. An auth failure after the
// session was issued means the session is no longer accepted, which ends the run.
func (p FailurePolicy) HandleStepFailure(
	ctx context.Context,
	appender EventAppender,
	workflowID string,
	step schema.Step,
	err *schema.OnboardError,
) FailureDecision {
	d := FailureDecision{Action: FailureStay, Message: err.UserMessage()}
	switch {
	case err.Code == schema.ErrCodeAuth && (step == schema.StepPIN || step == schema.StepTraining):
		d.Action = FailureEnd
	case p.Debug && err.IsRetryable():
		d.Action = FailureAutoAdvance
		d.Delay = p.Grace
	}

	if appender != nil {
		payload := map[string]any{
			"code":    err.Code,
			"message": err.Message,
			"action":  d.Action.String(),
		}
		if err.StatusCode != 0 {
			payload["status"] = err.StatusCode
		}
		_ = appender.Append(ctx, workflowID, step, schema.EventStepFailed, payload)
	}
	return d
}

func (a FailureAction) String() string {
	switch a {
	case FailureStay:
		return "stay"
	case FailureAutoAdvance:
		return "auto_advance"
	case FailureEnd:
		return "end"
	default:
		return "unknown"
	}
}
