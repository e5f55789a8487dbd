package domain

import "time"

// RecipientStatus represents the delivery state of a single recipient.
type RecipientStatus string

// Recipient statuses.
const (
	RecipientStatusPending    RecipientStatus = "pending"
	RecipientStatusSent       RecipientStatus = "sent"
	RecipientStatusFailed     RecipientStatus = "failed"
	RecipientStatusSuppressed RecipientStatus = "suppressed"
)

// IsTerminal reports whether delivery will not touch the recipient again.
func (s RecipientStatus) IsTerminal() bool {
	return s != RecipientStatusPending
}

// FailureKind classifies why a recipient ended up failed.
type FailureKind string

// Failure kinds.
const (
	FailureKindTransient FailureKind = "transient"
	FailureKindPermanent FailureKind = "permanent"
	FailureKindAuth      FailureKind = "auth"
)

// IsRetryable reports whether an explicit retry may reset the recipient.
func (k FailureKind) IsRetryable() bool {
	return k == FailureKindTransient || k == FailureKindAuth
}

// Recipient is one address in a campaign.
type Recipient struct {
	ID             string
	CampaignID     string
	Email          string
	Status         RecipientStatus
	FailureKind    FailureKind
	LastError      string
	LastAttemptAt  *time.Time
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
}

// Leased reports whether a dispatch for the recipient is already scheduled at t.
func (r *Recipient) Leased(t time.Time) bool {
	return r.LeaseExpiresAt != nil && r.LeaseExpiresAt.After(t)
}

// Outcome is the result of a status update written by the dispatcher.
type Outcome struct {
	Status      RecipientStatus
	FailureKind FailureKind
	Error       string
	AttemptedAt time.Time
}

// Progress holds per-status recipient counts for a campaign.
type Progress struct {
	CampaignID string         `json:"campaign_id"`
	Status     CampaignStatus `json:"status"`
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	Sent       int            `json:"sent"`
	Failed     int            `json:"failed"`
	Suppressed int            `json:"suppressed"`
}

// Suppression is an address that must never receive campaign mail.
type Suppression struct {
	Email     string
	Reason    string
	CreatedAt time.Time
}
