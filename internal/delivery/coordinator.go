package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/campaign-relay/internal/credentials"
	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/pacing"
	"github.com/bissquit/campaign-relay/internal/pkg/ctxlog"
	"github.com/bissquit/campaign-relay/internal/warmup"
)

// IdentitySource resolves sender identities and their credentials.
type IdentitySource interface {
	Acquire(ctx context.Context, identityID string) (*domain.Credential, error)
	Identity(ctx context.Context, identityID string) (*domain.SenderIdentity, error)
	Invalidate(identityID string)
}

// StatusNotifier is told when delivery moves a campaign to completed or failed.
type StatusNotifier interface {
	CampaignFinished(ctx context.Context, campaignID string, status domain.CampaignStatus, cause error)
}

// PageOutcome describes what a page pass did.
type PageOutcome string

// Page outcomes.
const (
	PageStopped   PageOutcome = "stopped"
	PageDeferred  PageOutcome = "deferred"
	PageWaiting   PageOutcome = "waiting"
	PageDrained   PageOutcome = "drained"
	PageCompleted PageOutcome = "completed"
)

// PageResult is returned by HandlePage.
type PageResult struct {
	Outcome    PageOutcome
	Scheduled  int
	NextPageAt time.Time
}

// CoordinatorConfig contains coordinator configuration.
type CoordinatorConfig struct {
	DefaultBatchSize int
	// LeaseGrace is added past the last scheduled dispatch of a page.
	LeaseGrace time.Duration
}

// DefaultCoordinatorConfig returns default coordinator configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		DefaultBatchSize: 100,
		LeaseGrace:       5 * time.Minute,
	}
}

// Coordinator pages through a campaign's pending recipients, schedules one
// dispatch unit per recipient and re-schedules itself until nothing is pending.
//
// The next page is due after half the span of the current one, so consecutive
// pages overlap. Leases keep an overlapping page from picking up recipients
// whose dispatch is already scheduled: the fetch is a pure read over pending
// status and lease expiry, and two passes with no dispatch in between return
// the same recipients once the first pass's leases have lapsed.
type Coordinator struct {
	config     CoordinatorConfig
	repo       Repository
	queue      Queue
	identities IdentitySource
	selector   *pacing.Selector
	notifier   StatusNotifier
	now        func() time.Time
}

// NewCoordinator creates a new batch coordinator. notifier may be nil.
func NewCoordinator(config CoordinatorConfig, repo Repository, queue Queue, identities IdentitySource, selector *pacing.Selector, notifier StatusNotifier) *Coordinator {
	if config.DefaultBatchSize <= 0 {
		config.DefaultBatchSize = DefaultCoordinatorConfig().DefaultBatchSize
	}
	return &Coordinator{
		config:     config,
		repo:       repo,
		queue:      queue,
		identities: identities,
		selector:   selector,
		notifier:   notifier,
		now:        time.Now,
	}
}

// HandleUnit implements UnitHandler for page units. A page that can never
// succeed halts the campaign, so that it surfaces as failed and can be resumed
// once fixed.
func (c *Coordinator) HandleUnit(ctx context.Context, unit *Unit) error {
	_, err := c.HandlePage(ctx, unit.CampaignID)
	var permanent *PermanentError
	if errors.As(err, &permanent) {
		ctx, _ = ctxlog.With(ctx, "campaign_id", unit.CampaignID)
		haltCampaign(ctx, c.repo, c.notifier, unit.CampaignID, err)
		return nil
	}
	return err
}

// HandlePage runs one paging pass for the campaign.
func (c *Coordinator) HandlePage(ctx context.Context, campaignID string) (PageResult, error) {
	now := c.now()
	ctx, log := ctxlog.With(ctx, "campaign_id", campaignID)

	campaign, err := c.repo.GetCampaign(ctx, campaignID)
	if errors.Is(err, ErrCampaignNotFound) {
		log.Warn("page for unknown campaign")
		return c.result(PageResult{Outcome: PageStopped}), nil
	}
	if err != nil {
		return PageResult{}, fmt.Errorf("get campaign: %w", err)
	}

	if campaign.Status != domain.CampaignStatusActive {
		log.Info("paging stopped", "status", campaign.Status)
		return c.result(PageResult{Outcome: PageStopped}), nil
	}

	limit := campaign.Pacing.BatchSize
	if limit <= 0 {
		limit = c.config.DefaultBatchSize
	}
	interval := campaign.Pacing.Interval()
	window := campaign.Pacing.Window

	if window != nil {
		inWindow, err := pacing.InWindow(now, window.StartHour, window.EndHour, window.Timezone)
		if err != nil {
			return PageResult{}, &PermanentError{Err: fmt.Errorf("send window: %w", err)}
		}
		if !inWindow {
			next, err := c.selector.NextSendTime(window.StartHour, window.EndHour, window.Timezone)
			if err != nil {
				return PageResult{}, &PermanentError{Err: fmt.Errorf("next send time: %w", err)}
			}
			log.Debug("outside send window", "next_page_at", next)
			return c.schedulePage(ctx, campaignID, PageResult{Outcome: PageDeferred, NextPageAt: next})
		}
	}

	if campaign.Pacing.WarmupEnabled {
		remaining, err := c.remainingQuota(ctx, campaign, now)
		if credentials.IsAuthFailure(err) {
			c.halt(ctx, campaign, err)
			return c.result(PageResult{Outcome: PageStopped}), nil
		}
		if err != nil {
			return PageResult{}, err
		}
		if remaining == 0 {
			next := warmup.NextDayStart(now)
			log.Info("warm-up quota exhausted", "next_page_at", next)
			return c.schedulePage(ctx, campaignID, PageResult{Outcome: PageDeferred, NextPageAt: next})
		}
		if remaining < limit {
			limit = remaining
		}
	}

	recipients, err := c.repo.FetchPendingRecipients(ctx, campaignID, limit, now)
	if err != nil {
		return PageResult{}, fmt.Errorf("fetch pending recipients: %w", err)
	}

	if len(recipients) == 0 {
		return c.finishOrWait(ctx, campaignID, now, interval)
	}

	schedule, err := c.dispatchTimes(now, len(recipients), interval, window)
	if err != nil {
		return PageResult{}, err
	}

	ids := make([]string, len(recipients))
	for i, r := range recipients {
		ids[i] = r.ID
	}
	leaseUntil := latest(schedule).Add(c.config.LeaseGrace)
	if err := c.repo.LeaseRecipients(ctx, ids, leaseUntil); err != nil {
		return PageResult{}, fmt.Errorf("lease recipients: %w", err)
	}

	// A unit lost here leaves its recipient leased; the lease lapses and a
	// later page schedules the recipient again.
	for i, r := range recipients {
		if err := c.queue.Enqueue(ctx, NewDispatchUnit(campaignID, r.ID, schedule[i])); err != nil {
			return PageResult{}, fmt.Errorf("enqueue dispatch: %w", err)
		}
	}

	next := now.Add(pacing.InterBatchDelay(len(recipients), interval))
	log.Info("page scheduled",
		"recipients", len(recipients),
		"next_page_at", next,
	)
	return c.schedulePage(ctx, campaignID, PageResult{
		Outcome:    PageDrained,
		Scheduled:  len(recipients),
		NextPageAt: next,
	})
}

func (c *Coordinator) finishOrWait(ctx context.Context, campaignID string, now time.Time, interval time.Duration) (PageResult, error) {
	pending, err := c.repo.CountPending(ctx, campaignID)
	if err != nil {
		return PageResult{}, fmt.Errorf("count pending: %w", err)
	}

	if pending > 0 {
		// Everything left is leased to a scheduled dispatch.
		next := now.Add(pacing.InterBatchDelay(0, interval))
		return c.schedulePage(ctx, campaignID, PageResult{Outcome: PageWaiting, NextPageAt: next})
	}

	changed, err := c.repo.UpdateCampaignStatus(ctx, campaignID, domain.CampaignStatusCompleted, domain.CampaignStatusActive)
	if err != nil {
		return PageResult{}, fmt.Errorf("complete campaign: %w", err)
	}
	if changed {
		recordTransition(string(domain.CampaignStatusCompleted))
		ctxlog.FromContext(ctx).Info("campaign completed")
		if c.notifier != nil {
			c.notifier.CampaignFinished(ctx, campaignID, domain.CampaignStatusCompleted, nil)
		}
	}
	return c.result(PageResult{Outcome: PageCompleted}), nil
}

func (c *Coordinator) remainingQuota(ctx context.Context, campaign *domain.Campaign, now time.Time) (int, error) {
	identity, err := c.identities.Identity(ctx, campaign.SenderIdentityID)
	if err != nil {
		return 0, fmt.Errorf("get identity: %w", err)
	}
	sent, err := c.repo.CountSentSince(ctx, campaign.SenderIdentityID, warmup.DayStart(now))
	if err != nil {
		return 0, fmt.Errorf("count sent today: %w", err)
	}
	return warmup.NewPlan(identity.Warmup).Remaining(now, sent)
}

// dispatchTimes returns the due time of each recipient in a page.
func (c *Coordinator) dispatchTimes(now time.Time, n int, interval time.Duration, window *domain.SendWindow) ([]time.Time, error) {
	offsets := pacing.Offsets(n, interval)
	times := make([]time.Time, n)
	for k, offset := range offsets {
		at := now.Add(offset)
		if window != nil {
			var err error
			at, err = c.selector.AddJitter(at, jitterSeconds(window))
			if err != nil {
				return nil, &PermanentError{Err: err}
			}
		}
		times[k] = at
	}
	return times, nil
}

func (c *Coordinator) schedulePage(ctx context.Context, campaignID string, res PageResult) (PageResult, error) {
	if err := c.queue.Enqueue(ctx, NewPageUnit(campaignID, res.NextPageAt)); err != nil {
		return PageResult{}, fmt.Errorf("enqueue page: %w", err)
	}
	return c.result(res), nil
}

func (c *Coordinator) halt(ctx context.Context, campaign *domain.Campaign, cause error) {
	haltCampaign(ctx, c.repo, c.notifier, campaign.ID, cause)
}

func (c *Coordinator) result(res PageResult) PageResult {
	recordPage(res.Outcome)
	return res
}

func latest(times []time.Time) time.Time {
	var last time.Time
	for _, t := range times {
		if t.After(last) {
			last = t
		}
	}
	return last
}

func jitterSeconds(w *domain.SendWindow) int {
	if w.MaxJitterSeconds > 0 {
		return w.MaxJitterSeconds
	}
	return int(pacing.DefaultMaxJitter / time.Second)
}

// haltCampaign marks an active or paused campaign failed after an identity failure.
func haltCampaign(ctx context.Context, repo Repository, notifier StatusNotifier, campaignID string, cause error) {
	changed, err := repo.UpdateCampaignStatus(ctx, campaignID, domain.CampaignStatusFailed,
		domain.CampaignStatusActive, domain.CampaignStatusPaused)
	if err != nil {
		ctxlog.FromContext(ctx).Error("failed to halt campaign", "error", err)
		return
	}
	if changed {
		recordTransition(string(domain.CampaignStatusFailed))
		ctxlog.FromContext(ctx).Warn("campaign halted", "error", cause)
		if notifier != nil {
			notifier.CampaignFinished(ctx, campaignID, domain.CampaignStatusFailed, cause)
		}
	}
}
