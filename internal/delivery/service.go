package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/campaign-relay/internal/domain"
)

// Service exposes the campaign lifecycle operations that start, halt and
// resume delivery.
type Service struct {
	repo  Repository
	queue Queue
	now   func() time.Time
}

// NewService creates a new delivery service.
func NewService(repo Repository, queue Queue) *Service {
	return &Service{
		repo:  repo,
		queue: queue,
		now:   time.Now,
	}
}

// RequestSend activates a draft campaign and enqueues its first page unit.
// Triggering an already active campaign is a no-op.
func (s *Service) RequestSend(ctx context.Context, campaignID string) error {
	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case domain.CampaignStatusActive:
		return nil
	case domain.CampaignStatusCompleted:
		return ErrCampaignCompleted
	case domain.CampaignStatusDraft:
	default:
		return fmt.Errorf("%w: send requested for %s campaign, use resume", ErrInvalidTransition, campaign.Status)
	}

	if err := campaign.Pacing.Validate(); err != nil {
		return err
	}

	changed, err := s.repo.UpdateCampaignStatus(ctx, campaignID, domain.CampaignStatusActive, domain.CampaignStatusDraft)
	if err != nil {
		return fmt.Errorf("activate campaign: %w", err)
	}
	if !changed {
		// A concurrent trigger won the transition and enqueued the page.
		return nil
	}
	recordTransition(string(domain.CampaignStatusActive))

	if err := s.queue.Enqueue(ctx, NewPageUnit(campaignID, s.now())); err != nil {
		return fmt.Errorf("enqueue first page: %w", err)
	}

	slog.Info("campaign send requested", "campaign_id", campaignID)
	return nil
}

// Pause stops paging an active campaign. Already scheduled dispatches still run.
func (s *Service) Pause(ctx context.Context, campaignID string) error {
	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case domain.CampaignStatusPaused:
		return nil
	case domain.CampaignStatusCompleted:
		return ErrCampaignCompleted
	case domain.CampaignStatusActive:
	default:
		return fmt.Errorf("%w: cannot pause %s campaign", ErrInvalidTransition, campaign.Status)
	}

	changed, err := s.repo.UpdateCampaignStatus(ctx, campaignID, domain.CampaignStatusPaused, domain.CampaignStatusActive)
	if err != nil {
		return fmt.Errorf("pause campaign: %w", err)
	}
	if changed {
		recordTransition(string(domain.CampaignStatusPaused))
		slog.Info("campaign paused", "campaign_id", campaignID)
	}
	return nil
}

// Resume re-activates a paused or failed campaign and re-enters paging.
// Resuming an active campaign enqueues one extra page unit, which restarts a
// paging chain that was lost; a duplicate chain only re-reads pending
// recipients.
func (s *Service) Resume(ctx context.Context, campaignID string) error {
	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}

	switch campaign.Status {
	case domain.CampaignStatusActive:
		if err := s.queue.Enqueue(ctx, NewPageUnit(campaignID, s.now())); err != nil {
			return fmt.Errorf("enqueue page: %w", err)
		}
		slog.Info("paging restarted", "campaign_id", campaignID)
		return nil
	case domain.CampaignStatusCompleted:
		return ErrCampaignCompleted
	case domain.CampaignStatusPaused, domain.CampaignStatusFailed:
	default:
		return fmt.Errorf("%w: cannot resume %s campaign", ErrInvalidTransition, campaign.Status)
	}

	return s.activate(ctx, campaignID, campaign.Status)
}

// RetryFailed resets recipients that failed for transient or auth reasons back
// to pending. A campaign halted by an auth failure is resumed. Permanent
// failures are never retried.
func (s *Service) RetryFailed(ctx context.Context, campaignID string) (int64, error) {
	campaign, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	if campaign.Status == domain.CampaignStatusCompleted {
		return 0, ErrCampaignCompleted
	}
	if campaign.Status == domain.CampaignStatusDraft {
		return 0, fmt.Errorf("%w: campaign was never sent", ErrInvalidTransition)
	}

	reset, err := s.repo.ResetFailedRecipients(ctx, campaignID,
		[]domain.FailureKind{domain.FailureKindTransient, domain.FailureKindAuth})
	if err != nil {
		return 0, fmt.Errorf("reset failed recipients: %w", err)
	}

	slog.Info("failed recipients reset", "campaign_id", campaignID, "count", reset)

	if campaign.Status == domain.CampaignStatusFailed {
		if err := s.activate(ctx, campaignID, campaign.Status); err != nil {
			return reset, err
		}
	}
	return reset, nil
}

// Progress returns per-status recipient counts.
func (s *Service) Progress(ctx context.Context, campaignID string) (*domain.Progress, error) {
	return s.repo.GetProgress(ctx, campaignID)
}

// AddSuppression adds an address to the suppression list.
func (s *Service) AddSuppression(ctx context.Context, email, reason string) error {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return fmt.Errorf("%w: invalid email %q", domain.ErrInvalidArgument, email)
	}
	return s.repo.AddSuppression(ctx, &domain.Suppression{
		Email:     email,
		Reason:    reason,
		CreatedAt: s.now(),
	})
}

// ResumeActive enqueues a page unit for every active campaign. It restores
// progress after a restart when the queue does not survive the process.
func (s *Service) ResumeActive(ctx context.Context) (int, error) {
	ids, err := s.repo.ListCampaignIDsByStatus(ctx, domain.CampaignStatusActive)
	if err != nil {
		return 0, fmt.Errorf("list active campaigns: %w", err)
	}
	for _, id := range ids {
		if err := s.queue.Enqueue(ctx, NewPageUnit(id, s.now())); err != nil {
			return 0, fmt.Errorf("enqueue page for %s: %w", id, err)
		}
	}
	return len(ids), nil
}

func (s *Service) activate(ctx context.Context, campaignID string, from domain.CampaignStatus) error {
	changed, err := s.repo.UpdateCampaignStatus(ctx, campaignID, domain.CampaignStatusActive, from)
	if err != nil {
		return fmt.Errorf("resume campaign: %w", err)
	}
	if !changed {
		return nil
	}
	recordTransition(string(domain.CampaignStatusActive))

	if err := s.queue.Enqueue(ctx, NewPageUnit(campaignID, s.now())); err != nil {
		return fmt.Errorf("enqueue page: %w", err)
	}

	slog.Info("campaign resumed", "campaign_id", campaignID, "from", from)
	return nil
}
