package delivery

import "errors"

// Repository errors.
var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrRecipientNotFound = errors.New("recipient not found")
)

// Lifecycle errors.
var (
	ErrCampaignCompleted = errors.New("campaign already completed")
	ErrInvalidTransition = errors.New("invalid campaign status transition")
)
