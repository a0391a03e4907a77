package remote

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/onboard/internal/engine"
	"github.com/rendis/onboard/pkg/schema"
)

// EmailService implements engine.EmailVerificationService.
type EmailService struct{ c *Client }

// NewEmailService binds the email endpoints to c.
func NewEmailService(c *Client) *EmailService { return &EmailService{c: c} }

// Request asks the backend to send a one-time code to email.
func (s *EmailService) Request(ctx context.Context, email string) error {
	return s.c.post(ctx, schema.PathEmailRequest, map[string]string{"email": email}, nil)
}

// Verify checks code. The issued session token is returned to the caller,
// which passes it on later calls through the context.
func (s *EmailService) Verify(ctx context.Context, email, code string) (*engine.VerifyResult, error) {
	var res engine.VerifyResult
	if err := s.c.post(ctx, schema.PathEmailVerify, map[string]string{"email": email, "code": code}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RegistrationService implements engine.RegistrationService.
type RegistrationService struct{ c *Client }

// NewRegistrationService binds the registration endpoint to c.
func NewRegistrationService(c *Client) *RegistrationService { return &RegistrationService{c: c} }

type platformGrant struct {
	PlatformID   string `json:"platform_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

func grants(conns []schema.PlatformConnection) []platformGrant {
	out := make([]platformGrant, 0, len(conns))
	for _, c := range conns {
		out = append(out, platformGrant{c.PlatformID, c.AccessToken, c.RefreshToken})
	}
	return out
}

// Register creates the account.
func (s *RegistrationService) Register(ctx context.Context, email, pin string, conns []schema.PlatformConnection) error {
	return s.c.post(ctx, schema.PathRegister, map[string]any{
		"email":     email,
		"pin":       pin,
		"platforms": grants(conns),
	}, nil)
}

// TrainingService implements engine.TrainingService.
type TrainingService struct{ c *Client }

// NewTrainingService binds the training endpoint to c.
func NewTrainingService(c *Client) *TrainingService { return &TrainingService{c: c} }

// StartTraining kicks off the server-side training job.
func (s *TrainingService) StartTraining(ctx context.Context, sessionID string, userData map[string]any, conns []schema.PlatformConnection) error {
	return s.c.post(ctx, schema.PathTrainingStart, map[string]any{
		"session_id": sessionID,
		"user":       userData,
		"platforms":  grants(conns),
	}, nil)
}

// PlatformService implements engine.PlatformAuthService and engine.TokenRefresher
// against a backend that brokers the OAuth exchange.
type PlatformService struct {
	c   *Client
	now func() time.Time
}

// NewPlatformService binds the platform endpoints to c.
func NewPlatformService(c *Client) *PlatformService {
	return &PlatformService{c: c, now: time.Now}
}

type tokenResponse struct {
	PlatformID   string         `json:"platform_id"`
	AccessToken  string         `json:"access_token"`
	RefreshToken string         `json:"refresh_token"`
	ExpiresIn    int64          `json:"expires_in"`
	UserInfo     map[string]any `json:"user_info"`
}

func (s *PlatformService) connection(platformID string, tr tokenResponse) *schema.PlatformConnection {
	conn := &schema.PlatformConnection{
		PlatformID:   platformID,
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserInfo:     tr.UserInfo,
	}
	if tr.ExpiresIn > 0 {
		at := s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
		conn.ExpiresAt = &at
	}
	return conn
}

// Authenticate runs the brokered OAuth flow for platformID.
func (s *PlatformService) Authenticate(ctx context.Context, platformID string) (*schema.PlatformConnection, error) {
	var tr tokenResponse
	if err := s.c.post(ctx, fmt.Sprintf(schema.PathPlatformAuth, platformID), struct{}{}, &tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, schema.NewErrorf(schema.ErrCodeAuth, "%s authentication returned no token", platformID)
	}
	return s.connection(platformID, tr), nil
}

// Refresh exchanges conn's refresh token for a new access token.
func (s *PlatformService) Refresh(ctx context.Context, conn *schema.PlatformConnection) (*schema.PlatformConnection, error) {
	if conn.RefreshToken == "" {
		return nil, schema.NewErrorf(schema.ErrCodeAuth, "%s has no refresh token", conn.PlatformID)
	}
	var tr tokenResponse
	err := s.c.post(ctx, fmt.Sprintf(schema.PathPlatformRenew, conn.PlatformID),
		map[string]string{"refresh_token": conn.RefreshToken}, &tr)
	if err != nil {
		return nil, err
	}
	out := s.connection(conn.PlatformID, tr)
	if out.RefreshToken == "" {
		out.RefreshToken = conn.RefreshToken
	}
	if out.UserInfo == nil {
		out.UserInfo = conn.UserInfo
	}
	return out, nil
}

var (
	_ engine.EmailVerificationService = (*EmailService)(nil)
	_ engine.RegistrationService      = (*RegistrationService)(nil)
	_ engine.TrainingService          = (*TrainingService)(nil)
	_ engine.PlatformAuthService      = (*PlatformService)(nil)
	_ engine.TokenRefresher           = (*PlatformService)(nil)
)
