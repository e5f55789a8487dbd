// Package domain contains the core delivery entities shared across packages.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidArgument is returned for pacing, quota or window parameters
// that cannot be scheduled.
var ErrInvalidArgument = errors.New("invalid argument")

// CampaignStatus represents the delivery state of a campaign.
type CampaignStatus string

// Campaign statuses.
const (
	CampaignStatusDraft     CampaignStatus = "draft"
	CampaignStatusActive    CampaignStatus = "active"
	CampaignStatusPaused    CampaignStatus = "paused"
	CampaignStatusCompleted CampaignStatus = "completed"
	CampaignStatusFailed    CampaignStatus = "failed"
)

// IsValid checks if the status is a known campaign status.
func (s CampaignStatus) IsValid() bool {
	switch s {
	case CampaignStatusDraft, CampaignStatusActive, CampaignStatusPaused,
		CampaignStatusCompleted, CampaignStatusFailed:
		return true
	}
	return false
}

// IsHalted reports whether delivery stopped and needs an explicit resume.
func (s CampaignStatus) IsHalted() bool {
	return s == CampaignStatusPaused || s == CampaignStatusFailed
}

// Content is the message sent to every recipient of a campaign.
type Content struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// SendWindow restricts sends to a daily local-time range [StartHour, EndHour).
type SendWindow struct {
	StartHour        int    `json:"start_hour"`
	EndHour          int    `json:"end_hour"`
	Timezone         string `json:"timezone"`
	MaxJitterSeconds int    `json:"max_jitter_seconds"`
}

// Validate checks hour bounds and timezone.
func (w SendWindow) Validate() error {
	if w.StartHour < 0 || w.StartHour > 23 {
		return fmt.Errorf("%w: start hour %d out of range", ErrInvalidArgument, w.StartHour)
	}
	if w.EndHour < 1 || w.EndHour > 24 {
		return fmt.Errorf("%w: end hour %d out of range", ErrInvalidArgument, w.EndHour)
	}
	if w.EndHour <= w.StartHour {
		return fmt.Errorf("%w: end hour must be greater than start hour", ErrInvalidArgument)
	}
	if w.MaxJitterSeconds < 0 {
		return fmt.Errorf("%w: max jitter must be non-negative", ErrInvalidArgument)
	}
	if _, err := time.LoadLocation(w.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidArgument, w.Timezone)
	}
	return nil
}

// PacingConfig controls how fast a campaign is paged and dispatched.
type PacingConfig struct {
	BatchSize       int         `json:"batch_size"`
	IntervalSeconds int         `json:"interval_seconds"`
	WarmupEnabled   bool        `json:"warmup_enabled"`
	Window          *SendWindow `json:"window,omitempty"`
}

// Validate rejects parameters that cannot be scheduled.
func (p PacingConfig) Validate() error {
	if p.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be at least 1", ErrInvalidArgument)
	}
	if p.IntervalSeconds < 0 {
		return fmt.Errorf("%w: interval must be non-negative", ErrInvalidArgument)
	}
	if p.Window != nil {
		return p.Window.Validate()
	}
	return nil
}

// Interval returns the per-recipient spacing as a duration.
func (p PacingConfig) Interval() time.Duration {
	return time.Duration(p.IntervalSeconds) * time.Second
}

// Campaign is a bulk send from one sender identity to many recipients.
type Campaign struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Status           CampaignStatus `json:"status"`
	SenderIdentityID string         `json:"sender_identity_id"`
	Content          Content        `json:"content"`
	Pacing           PacingConfig   `json:"pacing"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	StartedAt        *time.Time     `json:"started_at,omitempty"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
}
