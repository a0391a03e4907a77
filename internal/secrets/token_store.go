package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/rendis/onboard/pkg/schema"
)

const (
	sessionKey       = "session/current"
	connectionPrefix = "connection/"
)

// TokenStore keeps the onboarding session and platform connections in a Vault.
type TokenStore struct {
	vault      Vault
	bcryptCost int
	now        func() time.Time
}

// TokenStoreOption configures a TokenStore.
type TokenStoreOption func(*TokenStore)

// WithBcryptCost overrides the PIN hash cost.
func WithBcryptCost(cost int) TokenStoreOption {
	return func(s *TokenStore) { s.bcryptCost = cost }
}

// NewTokenStore wraps vault.
func NewTokenStore(vault Vault, opts ...TokenStoreOption) *TokenStore {
	s := &TokenStore{vault: vault, bcryptCost: bcrypt.DefaultCost, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SaveSession persists sess. When pin is non-empty its bcrypt hash is kept
// alongside; otherwise a previously saved hash is preserved.
func (s *TokenStore) SaveSession(ctx context.Context, sess schema.Session, pin string) error {
	stored := schema.StoredSession{Session: sess, SavedAt: s.now().UTC()}

	if pin != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(pin), s.bcryptCost)
		if err != nil {
			return schema.NewError(schema.ErrCodeVault, "hash pin").WithCause(err)
		}
		stored.PINHash = string(hash)
	} else if prev, err := s.LoadSession(ctx); err == nil {
		stored.PINHash = prev.PINHash
	}

	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.vault.Store(ctx, sessionKey, raw)
}

// LoadSession returns the saved session or a NOT_FOUND error.
func (s *TokenStore) LoadSession(ctx context.Context) (*schema.StoredSession, error) {
	raw, err := s.vault.Resolve(ctx, sessionKey)
	if err != nil {
		return nil, err
	}
	var stored schema.StoredSession
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, schema.NewError(schema.ErrCodeVault, "decode saved session").WithCause(err)
	}
	return &stored, nil
}

// ClearSession removes the saved session. Clearing when none exists is not an error.
func (s *TokenStore) ClearSession(ctx context.Context) error {
	if err := s.vault.Delete(ctx, sessionKey); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

// VerifyPIN compares pin with the saved hash.
func (s *TokenStore) VerifyPIN(ctx context.Context, pin string) (bool, error) {
	stored, err := s.LoadSession(ctx)
	if err != nil {
		return false, err
	}
	if stored.PINHash == "" {
		return false, nil
	}
	err = bcrypt.CompareHashAndPassword([]byte(stored.PINHash), []byte(pin))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return err == nil, err
}

// SaveConnection stores conn under its platform id, replacing any previous one.
func (s *TokenStore) SaveConnection(ctx context.Context, conn *schema.PlatformConnection) error {
	if conn == nil || conn.PlatformID == "" {
		return schema.NewError(schema.ErrCodeValidation, "connection requires a platform id")
	}
	raw, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	return s.vault.Store(ctx, connectionPrefix+conn.PlatformID, raw)
}

// ListConnections returns every stored connection ordered by platform id.
func (s *TokenStore) ListConnections(ctx context.Context) ([]*schema.PlatformConnection, error) {
	keys, err := s.vault.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	var out []*schema.PlatformConnection
	for _, k := range keys {
		if !strings.HasPrefix(k, connectionPrefix) {
			continue
		}
		raw, err := s.vault.Resolve(ctx, k)
		if err != nil {
			return nil, err
		}
		var conn schema.PlatformConnection
		if err := json.Unmarshal(raw, &conn); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeVault, "decode %s", k).WithCause(err)
		}
		out = append(out, &conn)
	}
	return out, nil
}

// DeleteConnection forgets a platform connection.
func (s *TokenStore) DeleteConnection(ctx context.Context, platformID string) error {
	if err := s.vault.Delete(ctx, connectionPrefix+platformID); err != nil && !isNotFound(err) {
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	var oe *schema.OnboardError
	return errors.As(err, &oe) && oe.Code == schema.ErrCodeNotFound
}
