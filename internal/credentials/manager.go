// Package credentials owns sender identity tokens: decryption, lazy refresh
// and persistence of refreshed pairs.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// Store persists sender identities and their encrypted tokens.
type Store interface {
	GetIdentity(ctx context.Context, id string) (*domain.SenderIdentity, error)
	// UpdateTokens replaces the access token and expiry. A nil refreshEnc keeps
	// the stored refresh token.
	UpdateTokens(ctx context.Context, id string, accessEnc, refreshEnc []byte, expiry *time.Time) error
	DeactivateIdentity(ctx context.Context, id string) error
}

// ManagerConfig contains credential manager configuration.
type ManagerConfig struct {
	SafetyMargin time.Duration
	CacheTTL     time.Duration
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		SafetyMargin: 60 * time.Second,
		CacheTTL:     5 * time.Minute,
	}
}

// Manager hands out send-ready credentials.
type Manager struct {
	store     Store
	cipher    Cipher
	refresher Refresher
	config    ManagerConfig

	cache *cache.Cache
	group singleflight.Group
	now   func() time.Time
}

// NewManager creates a credential manager. refresher may be nil when no OAuth
// client is configured; expired tokens then fail with ErrAuthExpired.
func NewManager(store Store, cipher Cipher, refresher Refresher, config ManagerConfig) *Manager {
	if config.CacheTTL <= 0 {
		config.CacheTTL = DefaultManagerConfig().CacheTTL
	}
	return &Manager{
		store:     store,
		cipher:    cipher,
		refresher: refresher,
		config:    config,
		cache:     cache.New(config.CacheTTL, 2*config.CacheTTL),
		now:       time.Now,
	}
}

// Acquire returns a credential whose access token stays valid for at least the
// safety margin, refreshing it first when needed. Concurrent refreshes for one
// identity share a single exchange.
//
// A cached credential skips decryption and refresh but not the identity row:
// an identity deactivated by another process stops sending on the next call.
func (m *Manager) Acquire(ctx context.Context, identityID string) (*domain.Credential, error) {
	if cached, ok := m.cache.Get(identityID); ok {
		cred := cached.(*domain.Credential)
		if cred.ValidAt(m.now(), m.config.SafetyMargin) {
			if err := m.checkActive(ctx, identityID); err != nil {
				m.Invalidate(identityID)
				return nil, err
			}
			recordLookup("hit")
			return copyCredential(cred), nil
		}
	}
	recordLookup("miss")

	v, err, _ := m.group.Do(identityID, func() (interface{}, error) {
		return m.load(ctx, identityID)
	})
	if err != nil {
		return nil, err
	}
	return copyCredential(v.(*domain.Credential)), nil
}

func (m *Manager) checkActive(ctx context.Context, identityID string) error {
	identity, err := m.store.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}
	if !identity.Active {
		return fmt.Errorf("%w: identity %s is inactive", ErrAuthRevoked, identityID)
	}
	return nil
}

// Identity returns the stored identity without decrypting tokens.
func (m *Manager) Identity(ctx context.Context, identityID string) (*domain.SenderIdentity, error) {
	return m.store.GetIdentity(ctx, identityID)
}

// Invalidate drops the cached credential so the next Acquire reloads it.
func (m *Manager) Invalidate(identityID string) {
	m.cache.Delete(identityID)
}

// StoreCredential encrypts and persists a token pair obtained outside the send path.
func (m *Manager) StoreCredential(ctx context.Context, identityID string, tok *Token) error {
	accessEnc, refreshEnc, err := m.seal(tok.AccessToken, tok.RefreshToken)
	if err != nil {
		return err
	}
	if err := m.store.UpdateTokens(ctx, identityID, accessEnc, refreshEnc, expiryPtr(tok.Expiry)); err != nil {
		return fmt.Errorf("store credential: %w", err)
	}
	m.Invalidate(identityID)
	return nil
}

func (m *Manager) load(ctx context.Context, identityID string) (*domain.Credential, error) {
	identity, err := m.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	if !identity.Active {
		return nil, fmt.Errorf("%w: identity %s is inactive", ErrAuthRevoked, identityID)
	}

	cred, err := m.open(identity)
	if err != nil {
		return nil, err
	}

	if cred.ValidAt(m.now(), m.config.SafetyMargin) {
		m.cache.Set(identityID, cred, cache.DefaultExpiration)
		return cred, nil
	}

	if cred.RefreshToken == "" || m.refresher == nil {
		recordRefresh("expired")
		return nil, ErrAuthExpired
	}

	return m.refresh(ctx, cred)
}

func (m *Manager) refresh(ctx context.Context, cred *domain.Credential) (*domain.Credential, error) {
	tok, err := m.refresher.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrAuthRevoked) {
			recordRefresh("revoked")
			m.cache.Delete(cred.IdentityID)
			if deactivateErr := m.store.DeactivateIdentity(ctx, cred.IdentityID); deactivateErr != nil {
				slog.Error("failed to deactivate identity",
					"identity_id", cred.IdentityID,
					"error", deactivateErr,
				)
			}
			slog.Warn("sender identity authorization revoked", "identity_id", cred.IdentityID)
			return nil, err
		}
		recordRefresh("error")
		return nil, fmt.Errorf("refresh credential: %w", err)
	}

	refreshed := copyCredential(cred)
	refreshed.AccessToken = tok.AccessToken
	refreshed.Expiry = tok.Expiry
	rotated := ""
	if tok.RefreshToken != "" {
		refreshed.RefreshToken = tok.RefreshToken
		rotated = tok.RefreshToken
	}

	accessEnc, refreshEnc, err := m.seal(refreshed.AccessToken, rotated)
	if err != nil {
		return nil, err
	}
	if err := m.store.UpdateTokens(ctx, cred.IdentityID, accessEnc, refreshEnc, expiryPtr(refreshed.Expiry)); err != nil {
		recordRefresh("error")
		return nil, fmt.Errorf("persist refreshed credential: %w", err)
	}

	recordRefresh("success")
	slog.Info("credential refreshed",
		"identity_id", cred.IdentityID,
		"expiry", refreshed.Expiry,
		"rotated", rotated != "",
	)

	m.cache.Set(cred.IdentityID, refreshed, cache.DefaultExpiration)
	return refreshed, nil
}

func (m *Manager) open(identity *domain.SenderIdentity) (*domain.Credential, error) {
	cred := &domain.Credential{
		IdentityID:  identity.ID,
		FromAddress: identity.FromAddress,
		FromName:    identity.FromName,
		Provider:    identity.Provider,
		Scopes:      identity.Scopes,
	}
	if identity.TokenExpiry != nil {
		cred.Expiry = *identity.TokenExpiry
	}

	if len(identity.AccessTokenEnc) > 0 {
		access, err := m.cipher.Decrypt(identity.AccessTokenEnc)
		if err != nil {
			return nil, fmt.Errorf("access token of %s: %w", identity.ID, err)
		}
		cred.AccessToken = string(access)
	}
	if len(identity.RefreshTokenEnc) > 0 {
		refresh, err := m.cipher.Decrypt(identity.RefreshTokenEnc)
		if err != nil {
			return nil, fmt.Errorf("refresh token of %s: %w", identity.ID, err)
		}
		cred.RefreshToken = string(refresh)
	}
	return cred, nil
}

func (m *Manager) seal(access, refresh string) ([]byte, []byte, error) {
	accessEnc, err := m.cipher.Encrypt([]byte(access))
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt access token: %w", err)
	}
	if refresh == "" {
		return accessEnc, nil, nil
	}
	refreshEnc, err := m.cipher.Encrypt([]byte(refresh))
	if err != nil {
		return nil, nil, fmt.Errorf("encrypt refresh token: %w", err)
	}
	return accessEnc, refreshEnc, nil
}

func copyCredential(c *domain.Credential) *domain.Credential {
	out := *c
	out.Scopes = append([]string(nil), c.Scopes...)
	return &out
}

func expiryPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
