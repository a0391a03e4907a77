package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/rendis/onboard/pkg/schema"
)

// Operation names used for breakers, metrics and logs.
const (
	OpEmailRequest  = "email.request"
	OpEmailVerify   = "email.verify"
	OpPlatformAuth  = "platform.authenticate"
	OpRegister      = "registration.register"
	OpTrainingStart = "training.start"
)

func (r *run) proceed() {
	if r.isOver() || r.state.IsLoading {
		return
	}
	step := r.state.CurrentStep
	if err := r.c.validator.Validate(r.ctx, step, r.state); err != nil {
		r.surface(err)
		return
	}

	switch step {
	case schema.StepEmail:
		r.requestCode()
	case schema.StepVerify:
		r.verifyCode()
	case schema.StepConnect:
		if err := r.c.policy.Check(r.ctx, r.state); err != nil {
			r.surface(err)
			return
		}
		r.advance(false)
	case schema.StepPIN:
		r.register()
	case schema.StepTraining:
		r.proceedTraining()
	}
}

// offline reports whether collaborator calls are skipped (test mode).
func (r *run) offline() bool { return r.c.cfg.TestMode }

func (r *run) requestCode() {
	email := r.state.trimmedEmail()
	if r.offline() {
		r.state.Email = email
		r.advance(false)
		return
	}
	svc := r.c.deps.Email
	startOp(r, schema.StepEmail, Call[struct{}]{
		Operation: OpEmailRequest,
		Method:    http.MethodPost,
		Path:      schema.PathEmailRequest,
		Body:      map[string]any{"email": email},
		Fn: func(ctx context.Context) (struct{}, error) {
			return struct{}{}, svc.Request(ctx, email)
		},
	}, func(struct{}) {
		r.state.Email = email
		r.advance(false)
	}, nil)
}

// verifyOutcome carries the verify result plus, for a returning user, the
// session found in the token store.
type verifyOutcome struct {
	result *VerifyResult
	saved  *schema.StoredSession
}

func (r *run) verifyCode() {
	email, code := r.state.Email, r.state.VerificationCode
	if r.offline() {
		r.state.SessionToken = "test-session"
		if r.state.SessionID == "" {
			r.state.SessionID = r.c.deps.NewID()
		}
		r.advance(false)
		return
	}
	svc, tokens := r.c.deps.Email, r.c.deps.Tokens
	logger := r.logger()

	startOp(r, schema.StepVerify, Call[verifyOutcome]{
		Operation: OpEmailVerify,
		Method:    http.MethodPost,
		Path:      schema.PathEmailVerify,
		Body:      map[string]any{"email": email, "code": code},
		Fn: func(ctx context.Context) (verifyOutcome, error) {
			res, err := svc.Verify(ctx, email, code)
			if err != nil {
				return verifyOutcome{}, err
			}
			if res == nil || !res.Verified {
				return verifyOutcome{}, schema.NewError(schema.ErrCodeValidation,
					"That code is incorrect or has expired.").WithStep(schema.StepVerify)
			}
			out := verifyOutcome{result: res}
			if res.ExistingUser && tokens != nil {
				saved, err := tokens.LoadSession(ctx)
				switch {
				case err == nil && strings.EqualFold(saved.Email, email):
					out.saved = saved
				case err != nil && Classify(err).Code != schema.ErrCodeNotFound:
					logger.Warn("load saved session", slog.String("error", err.Error()))
				}
			}
			return out, nil
		},
	}, func(out verifyOutcome) {
		res := out.result
		r.state.SessionToken = res.SessionToken
		r.state.UserID = res.UserID
		r.state.ExistingUser = res.ExistingUser
		r.state.AccountInfo = res.AccountInfo
		if r.state.SessionID == "" {
			r.state.SessionID = r.c.deps.NewID()
		}

		if out.saved != nil {
			r.resumeReturningUser(out.saved)
			return
		}
		r.advance(false)
	}, nil)
}

// resumeReturningUser completes the run from a saved session.
func (r *run) resumeReturningUser(saved *schema.StoredSession) {
	if _, err := r.machine.Finish(r.ctx); err != nil {
		r.surface(Classify(err))
		return
	}
	sess := saved.Session
	sess.Returning = true
	if r.state.SessionToken != "" {
		sess.Token = r.state.SessionToken
	}
	if sess.UserID == "" {
		sess.UserID = r.state.UserID
	}
	for _, id := range sess.Platforms {
		r.state.AddConnection(schema.PlatformConnection{PlatformID: id})
	}
	r.state.CurrentStep = schema.StepComplete
	r.logger().Info("returning user resumed saved session")
	r.finish(schema.Succeeded(sess))
}

func (r *run) register() {
	if r.offline() {
		r.advance(false)
		return
	}
	email, pin := r.state.Email, r.state.PIN
	conns := r.connections()
	sess := r.session()
	svc, tokens := r.c.deps.Registration, r.c.deps.Tokens
	logger := r.logger()

	startOp(r, schema.StepPIN, Call[struct{}]{
		Operation: OpRegister,
		Method:    http.MethodPost,
		Path:      schema.PathRegister,
		Body:      map[string]any{"email": email, "pin": pin, "platforms": sess.Platforms},
		Timeout:   r.c.cfg.RegistrationTimeout,
		Fn: func(ctx context.Context) (struct{}, error) {
			if err := svc.Register(ctx, email, pin, conns); err != nil {
				return struct{}{}, err
			}
			if tokens != nil {
				if err := tokens.SaveSession(ctx, sess, pin); err != nil {
					logger.Warn("persist session", slog.String("error", err.Error()))
				}
			}
			return struct{}{}, nil
		},
	}, func(struct{}) {
		r.advance(false)
	}, nil)
}

func (r *run) connectPlatform(platformID string) {
	if r.isOver() || r.state.IsLoading {
		return
	}
	platformID = strings.TrimSpace(platformID)
	if r.state.CurrentStep != schema.StepConnect {
		r.surface(schema.NewError(schema.ErrCodeValidation, "Platforms can only be connected on the connect step."))
		return
	}
	if platformID == "" {
		r.surface(schema.NewError(schema.ErrCodeValidation, "Choose a platform to connect."))
		return
	}

	if r.offline() {
		r.state.AddConnection(schema.PlatformConnection{PlatformID: platformID, AccessToken: "test-" + platformID})
		r.c.appendJournal(r.ctx, r.id, schema.StepConnect, schema.EventPlatformConnected,
			map[string]any{"platform_id": platformID})
		r.changed()
		return
	}

	svc, tokens := r.c.deps.Platforms, r.c.deps.Tokens
	logger := r.logger()
	startOp(r, schema.StepConnect, Call[*schema.PlatformConnection]{
		Operation: OpPlatformAuth,
		Method:    http.MethodPost,
		Path:      fmt.Sprintf(schema.PathPlatformAuth, platformID),
		Fn: func(ctx context.Context) (*schema.PlatformConnection, error) {
			conn, err := svc.Authenticate(ctx, platformID)
			if err != nil {
				return nil, err
			}
			if conn == nil || conn.AccessToken == "" {
				return nil, schema.NewErrorf(schema.ErrCodeAuth, "%s did not return credentials", platformID)
			}
			if conn.PlatformID == "" {
				conn.PlatformID = platformID
			}
			if tokens != nil {
				if err := tokens.SaveConnection(ctx, conn); err != nil {
					logger.Warn("persist platform connection",
						slog.String("platform", platformID),
						slog.String("error", err.Error()),
					)
				}
			}
			return conn, nil
		},
	}, func(conn *schema.PlatformConnection) {
		r.state.AddConnection(*conn)
		r.c.appendJournal(r.ctx, r.id, schema.StepConnect, schema.EventPlatformConnected,
			map[string]any{"platform_id": conn.PlatformID})
		r.changed()
	}, nil)
}

func (r *run) disconnectPlatform(platformID string) {
	if r.isOver() {
		return
	}
	if _, ok := r.state.Connections[platformID]; !ok {
		return
	}
	delete(r.state.Connections, platformID)
	r.c.appendJournal(r.ctx, r.id, r.state.CurrentStep, schema.EventPlatformDisconnected,
		map[string]any{"platform_id": platformID})
	r.changed()
}

func (r *run) connections() []schema.PlatformConnection {
	out := make([]schema.PlatformConnection, 0, len(r.state.Connections))
	for _, id := range r.state.Platforms() {
		out = append(out, r.state.Connections[id])
	}
	return out
}
