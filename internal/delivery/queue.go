package delivery

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UnitKind identifies what a work unit asks the worker to do.
type UnitKind string

// Unit kinds.
const (
	UnitKindPage     UnitKind = "page"
	UnitKindDispatch UnitKind = "dispatch"
)

// Unit is a delayed piece of work. Page units carry a campaign,
// dispatch units a campaign and a recipient.
type Unit struct {
	ID          string    `json:"id"`
	Kind        UnitKind  `json:"kind"`
	CampaignID  string    `json:"campaign_id"`
	RecipientID string    `json:"recipient_id,omitempty"`
	NotBefore   time.Time `json:"not_before"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
}

// NewPageUnit creates a page unit due at notBefore.
func NewPageUnit(campaignID string, notBefore time.Time) *Unit {
	return &Unit{
		ID:         uuid.New().String(),
		Kind:       UnitKindPage,
		CampaignID: campaignID,
		NotBefore:  notBefore,
	}
}

// NewDispatchUnit creates a dispatch unit due at notBefore.
func NewDispatchUnit(campaignID, recipientID string, notBefore time.Time) *Unit {
	return &Unit{
		ID:          uuid.New().String(),
		Kind:        UnitKindDispatch,
		CampaignID:  campaignID,
		RecipientID: recipientID,
		NotBefore:   notBefore,
	}
}

// Queue stores delayed work units. FetchDue claims units so that no other
// caller receives them until they are acked, retried, or their claim lapses.
type Queue interface {
	Enqueue(ctx context.Context, unit *Unit) error
	FetchDue(ctx context.Context, now time.Time, limit int) ([]*Unit, error)
	Ack(ctx context.Context, unitID string) error
	Retry(ctx context.Context, unit *Unit, cause error, notBefore time.Time) error
	Depth(ctx context.Context) (int64, error)
}

// UnitHandler executes one claimed unit. A returned error means the unit
// could not be processed and should be retried.
type UnitHandler interface {
	HandleUnit(ctx context.Context, unit *Unit) error
}
