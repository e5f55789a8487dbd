// Package gmail sends campaign mail through the Gmail API.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/mailer"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const defaultTimeout = 30 * time.Second

// Config holds Gmail sender configuration.
type Config struct {
	Enabled  bool
	Endpoint string // overrides the API base URL
	Timeout  time.Duration
}

// Sender implements mailer.Sender via users.messages.send.
type Sender struct {
	config     Config
	httpClient *http.Client
	now        func() time.Time
}

// NewSender creates a new Gmail sender.
func NewSender(config Config) *Sender {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	slog.Info("gmail sender configured",
		"enabled", config.Enabled,
		"endpoint", config.Endpoint,
	)

	return &Sender{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		now:        time.Now,
	}
}

// Provider returns the provider handled by this sender.
func (s *Sender) Provider() domain.Provider {
	return domain.ProviderGmail
}

// Send delivers one message using the identity's OAuth access token.
func (s *Sender) Send(ctx context.Context, cred *domain.Credential, msg mailer.Message) error {
	if !s.config.Enabled {
		return mailer.Permanent(errors.New("gmail sender disabled"))
	}

	raw, err := mailer.BuildMIME(msg, s.now())
	if err != nil {
		return mailer.Permanent(err)
	}

	service, err := s.service(ctx, cred)
	if err != nil {
		return fmt.Errorf("create gmail service: %w", err)
	}

	sent, err := service.Users.Messages.
		Send("me", &gmailapi.Message{Raw: base64.URLEncoding.EncodeToString(raw)}).
		Context(ctx).
		Do()
	if err != nil {
		return classify(err)
	}

	slog.Debug("gmail message sent", "identity_id", cred.IdentityID, "message_id", sent.Id)
	return nil
}

func (s *Sender) service(ctx context.Context, cred *domain.Credential) (*gmailapi.Service, error) {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: cred.AccessToken,
		TokenType:   "Bearer",
		Expiry:      cred.Expiry,
	})

	httpClient := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, s.httpClient), tokenSource)

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if s.config.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(s.config.Endpoint))
	}
	return gmailapi.NewService(ctx, opts...)
}

// classify maps Gmail API errors onto send failure kinds.
func classify(err error) error {
	var apiErr *googleapi.Error
	if !errors.As(err, &apiErr) {
		return mailer.Transient(err)
	}

	sendErr := &mailer.SendError{Code: apiErr.Code, Err: err}
	switch {
	case apiErr.Code == http.StatusUnauthorized:
		sendErr.Kind = mailer.KindAuthExpired
	case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
		sendErr.Kind = mailer.KindTransient
	case apiErr.Code == http.StatusForbidden:
		sendErr.Kind = classifyForbidden(apiErr)
	default:
		sendErr.Kind = mailer.KindPermanent
	}
	return sendErr
}

func classifyForbidden(apiErr *googleapi.Error) mailer.Kind {
	for _, item := range apiErr.Errors {
		switch item.Reason {
		case "rateLimitExceeded", "userRateLimitExceeded", "dailyLimitExceeded", "quotaExceeded":
			return mailer.KindTransient
		case "insufficientPermissions", "authError", "forbidden":
			return mailer.KindAuthExpired
		}
	}
	return mailer.KindPermanent
}
