package schema

import "time"

// ResultKind tags a WorkflowResult.
type ResultKind string

const (
	ResultSuccess   ResultKind = "success"
	ResultFailure   ResultKind = "failure"
	ResultCancelled ResultKind = "cancelled"
)

// Session is the payload handed to the host when onboarding succeeds.
type Session struct {
	UserID      string            `json:"user_id,omitempty"`
	SessionID   string            `json:"session_id"`
	Email       string            `json:"email"`
	Token       string            `json:"token,omitempty"`
	Platforms   []string          `json:"platforms"`
	AccountInfo map[string]string `json:"account_info,omitempty"`
	Returning   bool              `json:"returning,omitempty"`
}

// WorkflowResult is the terminal outcome of one workflow run.
// Exactly one of Session or Err is set, except for Cancelled where neither is.
type WorkflowResult struct {
	Kind    ResultKind    `json:"kind"`
	Session *Session      `json:"session,omitempty"`
	Err     *OnboardError `json:"error,omitempty"`
}

// Succeeded builds a Success result.
func Succeeded(s Session) WorkflowResult {
	return WorkflowResult{Kind: ResultSuccess, Session: &s}
}

// Failed builds a Failure result.
func Failed(err *OnboardError) WorkflowResult {
	return WorkflowResult{Kind: ResultFailure, Err: err}
}

// Cancelled builds a Cancelled result.
func Cancelled() WorkflowResult {
	return WorkflowResult{Kind: ResultCancelled}
}

// StoredSession is the persisted form of a Session kept by the token store.
// The PIN itself is never stored, only its bcrypt hash.
type StoredSession struct {
	Session
	PINHash string    `json:"pin_hash,omitempty"`
	SavedAt time.Time `json:"saved_at"`
}
