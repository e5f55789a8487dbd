package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/bissquit/campaign-relay/internal/domain"
)

// Client calls a running API in tests. A client bound to a test with
// Validating checks every exchange against the OpenAPI document.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	validator  *OpenAPIValidator
	t          *testing.T
}

// NewClient creates an unauthenticated client that validates nothing.
func NewClient(baseURL string) *Client {
	return &Client{baseURL: baseURL, httpClient: &http.Client{}}
}

// Validating returns a copy bound to t that validates against v.
func (c *Client) Validating(t *testing.T, v *OpenAPIValidator) *Client {
	clone := *c
	clone.t = t
	clone.validator = v
	return &clone
}

// WithToken returns a copy sending the operator bearer token.
func (c *Client) WithToken(token string) *Client {
	clone := *c
	clone.token = token
	return &clone
}

// WithoutValidation returns a copy for negative tests.
func (c *Client) WithoutValidation() *Client {
	clone := *c
	clone.validator = nil
	return &clone
}

// GET performs a GET request.
func (c *Client) GET(path string) (*http.Response, error) {
	return c.do(http.MethodGet, path, nil)
}

// POST performs a POST request with a JSON body; a nil body sends none.
func (c *Client) POST(path string, body any) (*http.Response, error) {
	return c.do(http.MethodPost, path, body)
}

// CampaignAction posts a lifecycle action such as send or pause.
func (c *Client) CampaignAction(campaignID, action string) (*http.Response, error) {
	return c.POST("/api/v1/campaigns/"+campaignID+"/"+action, nil)
}

// Progress fetches campaign progress. ok is false on any non-200 answer.
func (c *Client) Progress(t *testing.T, campaignID string) (progress domain.Progress, ok bool) {
	t.Helper()

	resp, err := c.GET("/api/v1/campaigns/" + campaignID + "/progress")
	if err != nil {
		return progress, false
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return progress, false
	}

	var body struct {
		Data domain.Progress `json:"data"`
	}
	DecodeJSON(t, resp, &body)
	return body.Data, true
}

func (c *Client) newRequest(method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(method, path string, payload any) (*http.Response, error) {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
	}

	req, err := c.newRequest(method, path, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if c.validator != nil && c.t != nil {
		// The sent request body is consumed; validate against a fresh copy.
		check, err := c.newRequest(method, path, body)
		if err != nil {
			return nil, err
		}
		c.validator.ValidateRequest(c.t, check)
		c.validator.ValidateResponse(c.t, check, resp)
	}
	return resp, nil
}

// DecodeJSON decodes the response body into v and closes it.
func DecodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}
