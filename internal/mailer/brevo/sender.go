// Package brevo sends campaign mail through the Brevo transactional email API.
// The sender identity's access token carries the Brevo API key.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/mailer"
	brevo "github.com/getbrevo/brevo-go/lib"
)

const (
	defaultAPIURL       = "https://api.brevo.com/v3/smtp/email"
	defaultTimeout      = 10 * time.Second
	defaultScheduleLead = 5 * time.Second
)

// Config holds Brevo sender configuration.
type Config struct {
	Enabled bool
	APIURL  string
	Timeout time.Duration
	// ScheduleLead is added to the send time passed as scheduledAt.
	ScheduleLead time.Duration
	Tags         []string
}

// Sender implements mailer.Sender via POST /v3/smtp/email.
type Sender struct {
	config     Config
	httpClient *http.Client
	now        func() time.Time
}

// NewSender creates a new Brevo sender.
func NewSender(config Config) *Sender {
	if config.APIURL == "" {
		config.APIURL = defaultAPIURL
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.ScheduleLead == 0 {
		config.ScheduleLead = defaultScheduleLead
	}

	slog.Info("brevo sender configured",
		"enabled", config.Enabled,
		"api_url", config.APIURL,
	)

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		now: time.Now,
	}
}

// Provider returns the provider handled by this sender.
func (s *Sender) Provider() domain.Provider {
	return domain.ProviderBrevo
}

// Send delivers one message.
func (s *Sender) Send(ctx context.Context, cred *domain.Credential, msg mailer.Message) error {
	if !s.config.Enabled {
		return mailer.Permanent(errors.New("brevo sender disabled"))
	}
	if cred.AccessToken == "" {
		return mailer.AuthExpired(errors.New("brevo api key is empty"))
	}

	payload := brevo.SendSmtpEmail{
		Sender: &brevo.SendSmtpEmailSender{
			Name:  msg.FromName,
			Email: msg.FromAddress,
		},
		To:          []brevo.SendSmtpEmailTo{{Email: msg.To}},
		Subject:     msg.Subject,
		HtmlContent: msg.HTML,
		TextContent: msg.Text,
		Tags:        s.config.Tags,
		ScheduledAt: s.now().Add(s.config.ScheduleLead).UTC(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return mailer.Permanent(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.APIURL, bytes.NewReader(body))
	if err != nil {
		return mailer.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("api-key", cred.AccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return mailer.Transient(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp, cred.IdentityID)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Sender) handleResponse(resp *http.Response, identityID string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return mailer.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var created brevo.CreateSmtpEmail
		_ = json.Unmarshal(body, &created)
		slog.Debug("brevo message accepted", "identity_id", identityID, "message_id", created.MessageId)
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	cause := fmt.Errorf("brevo status %d: %s %s", resp.StatusCode, apiErr.Code, apiErr.Message)
	sendErr := &mailer.SendError{Code: resp.StatusCode, Err: cause}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		sendErr.Kind = mailer.KindAuthExpired
	case resp.StatusCode == http.StatusForbidden && apiErr.Code == "unauthorized":
		sendErr.Kind = mailer.KindAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		sendErr.Kind = mailer.KindTransient
	default:
		sendErr.Kind = mailer.KindPermanent
	}
	return sendErr
}
