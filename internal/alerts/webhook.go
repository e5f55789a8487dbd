// Package alerts posts campaign status changes to a Mattermost-compatible
// incoming webhook.
package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/cenkalti/backoff/v4"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultUsername   = "campaignrelay"
	defaultMaxRetries = 2
)

// Config holds webhook alerter configuration.
type Config struct {
	WebhookURL string
	Username   string
	IconURL    string
	Timeout    time.Duration
	// MaxRetries bounds re-posts after a rate limit or server error.
	MaxRetries uint64
	// RetryInterval is the first backoff interval between posts.
	RetryInterval time.Duration
}

// Webhook posts operator alerts when a campaign completes or halts.
type Webhook struct {
	config     Config
	httpClient *http.Client
	inflight   sync.WaitGroup
}

// NewWebhook creates a webhook alerter. Returns error if the URL is missing.
func NewWebhook(config Config) (*Webhook, error) {
	if config.WebhookURL == "" {
		return nil, errors.New("alerts webhook: url is required")
	}
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = defaultMaxRetries
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = time.Second
	}

	return &Webhook{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}, nil
}

// CampaignFinished posts an alert for a completed or halted campaign in the
// background and returns immediately. The post is bounded by the timeout of
// every allowed attempt and outlives cancellation of ctx. Failures are logged.
func (w *Webhook) CampaignFinished(ctx context.Context, campaignID string, status domain.CampaignStatus, cause error) {
	subject, body := message(campaignID, status, cause)
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.budget())

	w.inflight.Add(1)
	go func() {
		defer w.inflight.Done()
		defer cancel()
		w.postAlert(postCtx, campaignID, status, subject, body)
	}()
}

// Wait blocks until alerts posted so far have been delivered or given up.
func (w *Webhook) Wait() {
	w.inflight.Wait()
}

func (w *Webhook) budget() time.Duration {
	attempts := time.Duration(w.config.MaxRetries + 1)
	return attempts * (w.config.Timeout + w.config.RetryInterval)
}

func (w *Webhook) postAlert(ctx context.Context, campaignID string, status domain.CampaignStatus, subject, body string) {
	if err := w.Post(ctx, subject, body); err != nil {
		recordAlert("failed")
		slog.Error("failed to post campaign alert",
			"campaign_id", campaignID,
			"status", status,
			"webhook", maskWebhookURL(w.config.WebhookURL),
			"error", err,
		)
		return
	}
	recordAlert("sent")
}

func message(campaignID string, status domain.CampaignStatus, cause error) (string, string) {
	switch status {
	case domain.CampaignStatusCompleted:
		return "Campaign completed", fmt.Sprintf("Campaign `%s` has no pending recipients left.", campaignID)
	case domain.CampaignStatusFailed:
		body := fmt.Sprintf("Campaign `%s` was halted and needs a resume.", campaignID)
		if cause != nil {
			body += fmt.Sprintf("\n\nCause: %s", cause)
		}
		return "Campaign halted", body
	default:
		return "Campaign " + string(status), fmt.Sprintf("Campaign `%s` is now %s.", campaignID, status)
	}
}

// Post sends one message, retrying rate limits and server errors.
func (w *Webhook) Post(ctx context.Context, subject, body string) error {
	payload := webhookPayload{
		Username: w.config.Username,
		IconURL:  w.config.IconURL,
		Text:     body,
	}
	if subject != "" {
		payload.Text = fmt.Sprintf("### %s\n\n%s", subject, body)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	operation := func() error {
		err := w.post(ctx, data)
		var permErr *PermanentError
		if errors.As(err, &permErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.config.RetryInterval
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, w.config.MaxRetries), ctx))
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

func (w *Webhook) post(ctx context.Context, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.WebhookURL, bytes.NewReader(data))
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("send request: %v", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp)
}

func handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return &RetryableError{Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}
	case resp.StatusCode >= 500:
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", body)}
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Code: resp.StatusCode, Message: "invalid or expired webhook"}
	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Code: resp.StatusCode, Message: "webhook not found"}
	default:
		return &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected response: %s", body)}
	}
}

// maskWebhookURL hides the secret part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// PermanentError is a webhook rejection that is not retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("webhook error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook error: %s", e.Message)
}

// RetryableError is a temporary webhook failure.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("webhook error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("webhook error: %s", e.Message)
}
