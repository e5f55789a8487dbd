package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Token is the result of a refresh exchange. RefreshToken is set only when
// the auth backend rotated it.
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// Refresher exchanges a refresh token for a new access token.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (*Token, error)
}

// OAuthConfig holds OAuth client settings for the refresh exchange.
type OAuthConfig struct {
	ClientID        string
	ClientSecret    string
	TokenURL        string // empty uses Google's endpoint
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	HTTPClient      *http.Client
}

// OAuthRefresher refreshes tokens against an OAuth2 token endpoint.
type OAuthRefresher struct {
	config     *oauth2.Config
	cfg        OAuthConfig
	httpClient *http.Client
}

// NewOAuthRefresher creates a refresher. Returns error if the client is not configured.
func NewOAuthRefresher(cfg OAuthConfig) (*OAuthRefresher, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, errors.New("oauth refresher: client id and secret are required")
	}

	endpoint := google.Endpoint
	if cfg.TokenURL != "" {
		endpoint = oauth2.Endpoint{
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		}
	}

	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval == 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = 10 * time.Second
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
		},
		cfg:        cfg,
		httpClient: httpClient,
	}, nil
}

// Refresh performs the exchange, retrying network and 5xx failures with
// exponential backoff. A rejected grant returns ErrAuthRevoked without retry.
func (r *OAuthRefresher) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, r.httpClient)

	attempt := 0
	operation := func() (*oauth2.Token, error) {
		attempt++
		tok, err := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
		if err == nil {
			return tok, nil
		}
		if isRevoked(err) {
			return nil, backoff.Permanent(fmt.Errorf("%w: %v", ErrAuthRevoked, err))
		}
		slog.Warn("token refresh failed, retrying", "attempt", attempt, "error", err)
		return nil, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval

	tok, err := backoff.RetryWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(policy, r.cfg.MaxRetries), ctx))
	if err != nil {
		if errors.Is(err, ErrAuthRevoked) {
			return nil, err
		}
		return nil, fmt.Errorf("refresh token after %d attempts: %w", attempt, err)
	}

	out := &Token{
		AccessToken: tok.AccessToken,
		Expiry:      tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != refreshToken {
		out.RefreshToken = tok.RefreshToken
	}
	return out, nil
}

// isRevoked reports whether the token endpoint rejected the grant itself.
func isRevoked(err error) bool {
	var rErr *oauth2.RetrieveError
	if !errors.As(err, &rErr) {
		return false
	}
	switch rErr.ErrorCode {
	case "invalid_grant", "unauthorized_client", "invalid_client":
		return true
	}
	if rErr.Response != nil {
		code := rErr.Response.StatusCode
		return code == http.StatusBadRequest || code == http.StatusUnauthorized
	}
	return false
}
