package delivery

import (
	"context"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
)

// Repository defines the persistence operations used by delivery.
// Every mutation is a single-row (or single-statement) atomic update.
type Repository interface {
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	// UpdateCampaignStatus moves the campaign to status `to` only when its
	// current status is one of `from`. Reports whether a row changed.
	UpdateCampaignStatus(ctx context.Context, id string, to domain.CampaignStatus, from ...domain.CampaignStatus) (bool, error)
	ListCampaignIDsByStatus(ctx context.Context, status domain.CampaignStatus) ([]string, error)

	// FetchPendingRecipients returns up to limit pending recipients without a
	// live lease at now, ordered by (created_at, id).
	FetchPendingRecipients(ctx context.Context, campaignID string, limit int, now time.Time) ([]*domain.Recipient, error)
	CountPending(ctx context.Context, campaignID string) (int, error)
	LeaseRecipients(ctx context.Context, ids []string, until time.Time) error
	ReleaseLease(ctx context.Context, recipientID string) error
	GetRecipient(ctx context.Context, id string) (*domain.Recipient, error)
	// UpdateRecipientStatus records an outcome for a pending recipient and
	// clears its lease. Reports false when the recipient was no longer pending.
	UpdateRecipientStatus(ctx context.Context, id string, outcome domain.Outcome) (bool, error)
	ResetFailedRecipients(ctx context.Context, campaignID string, kinds []domain.FailureKind) (int64, error)
	CountSentSince(ctx context.Context, identityID string, since time.Time) (int, error)
	GetProgress(ctx context.Context, campaignID string) (*domain.Progress, error)

	IsSuppressed(ctx context.Context, email string) (bool, error)
	AddSuppression(ctx context.Context, s *domain.Suppression) error
}
