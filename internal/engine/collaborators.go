package engine

import (
	"context"

	"github.com/rendis/onboard/pkg/schema"
)

// VerifyResult is the email verification service's answer for a code.
type VerifyResult struct {
	Verified     bool              `json:"verified"`
	SessionToken string            `json:"session_token,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	ExistingUser bool              `json:"existing_user,omitempty"`
	AccountInfo  map[string]string `json:"account_info,omitempty"`
}

type sessionTokenKey struct{}

// WithSessionToken returns a copy of ctx carrying the session token issued at
// verification. Collaborators that authenticate read it with SessionTokenFrom.
func WithSessionToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, sessionTokenKey{}, token)
}

// SessionTokenFrom returns the session token on ctx, or "".
func SessionTokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(sessionTokenKey{}).(string)
	return token
}

// EmailVerificationService sends and checks one-time codes.
type EmailVerificationService interface {
	Request(ctx context.Context, email string) error
	Verify(ctx context.Context, email, code string) (*VerifyResult, error)
}

// PlatformAuthService runs a platform's OAuth flow.
type PlatformAuthService interface {
	Authenticate(ctx context.Context, platformID string) (*schema.PlatformConnection, error)
}

// TokenRefresher is optionally implemented by a PlatformAuthService.
type TokenRefresher interface {
	Refresh(ctx context.Context, conn *schema.PlatformConnection) (*schema.PlatformConnection, error)
}

// RegistrationService creates the account.
type RegistrationService interface {
	Register(ctx context.Context, email, pin string, connections []schema.PlatformConnection) error
}

// TrainingService starts the server-side model training job.
type TrainingService interface {
	StartTraining(ctx context.Context, sessionID string, userData map[string]any, connections []schema.PlatformConnection) error
}

// SecureTokenStore persists the session and platform credentials between runs.
type SecureTokenStore interface {
	SaveSession(ctx context.Context, sess schema.Session, pin string) error
	LoadSession(ctx context.Context) (*schema.StoredSession, error)
	ClearSession(ctx context.Context) error
	SaveConnection(ctx context.Context, conn *schema.PlatformConnection) error
	ListConnections(ctx context.Context) ([]*schema.PlatformConnection, error)
}
