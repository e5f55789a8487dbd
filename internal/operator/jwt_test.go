package operator

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T, now time.Time) *Authenticator {
	t.Helper()
	auth, err := NewAuthenticator(Config{SecretKey: "test-secret", TokenTTL: time.Hour})
	require.NoError(t, err)
	auth.now = func() time.Time { return now }
	return auth
}

func TestNewAuthenticator_RequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(Config{})
	assert.Error(t, err)
}

func TestAuthenticator_IssueAndValidate(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	auth := newTestAuthenticator(t, now)

	token, expiresAt, err := auth.IssueToken("ops@example.com")
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), expiresAt)

	subject, err := auth.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", subject)
}

func TestAuthenticator_ValidateToken_Rejects(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	auth := newTestAuthenticator(t, now)

	valid, _, err := auth.IssueToken("ops@example.com")
	require.NoError(t, err)

	other, err := NewAuthenticator(Config{SecretKey: "other-secret"})
	require.NoError(t, err)
	other.now = auth.now
	foreign, _, err := other.IssueToken("ops@example.com")
	require.NoError(t, err)

	noAudience, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "ops@example.com",
		Issuer:    issuer,
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		at    time.Time
	}{
		{"expired", valid, now.Add(2 * time.Hour)},
		{"wrong key", foreign, now},
		{"missing audience", noAudience, now},
		{"garbage", "not-a-token", now},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			at := tt.at
			auth.now = func() time.Time { return at }

			_, err := auth.ValidateToken(context.Background(), tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestAuthenticator_IssueToken_RequiresSubject(t *testing.T) {
	auth := newTestAuthenticator(t, time.Now())
	_, _, err := auth.IssueToken("")
	assert.Error(t, err)
}
