package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bissquit/campaign-relay/internal/credentials"
	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/mailer"
	"github.com/bissquit/campaign-relay/internal/pacing"
	"github.com/bissquit/campaign-relay/internal/pkg/ctxlog"
	"github.com/bissquit/campaign-relay/internal/warmup"
	"golang.org/x/text/cases"
	"golang.org/x/time/rate"
)

// Result is what a dispatch did with its recipient.
type Result string

// Dispatch results.
const (
	ResultSent       Result = "sent"
	ResultFailed     Result = "failed"
	ResultSuppressed Result = "suppressed"
	ResultSkipped    Result = "skipped"
	ResultDeferred   Result = "deferred"
)

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	SendTimeout time.Duration
	LeaseGrace  time.Duration
	// RatePerSecond limits sends per identity; zero disables the limiter.
	RatePerSecond float64
	RateBurst     int
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		SendTimeout:   30 * time.Second,
		LeaseGrace:    5 * time.Minute,
		RatePerSecond: 5,
		RateBurst:     1,
	}
}

// Dispatcher sends one campaign message to one recipient.
type Dispatcher struct {
	config     DispatcherConfig
	repo       Repository
	queue      Queue
	identities IdentitySource
	selector   *pacing.Selector
	senders    map[domain.Provider]mailer.Sender
	notifier   StatusNotifier
	now        func() time.Time

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a new recipient dispatcher. notifier may be nil.
func NewDispatcher(config DispatcherConfig, repo Repository, queue Queue, identities IdentitySource, selector *pacing.Selector, notifier StatusNotifier, senders ...mailer.Sender) *Dispatcher {
	senderMap := make(map[domain.Provider]mailer.Sender)
	for _, s := range senders {
		senderMap[s.Provider()] = s
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = DefaultDispatcherConfig().SendTimeout
	}
	return &Dispatcher{
		config:     config,
		repo:       repo,
		queue:      queue,
		identities: identities,
		selector:   selector,
		senders:    senderMap,
		notifier:   notifier,
		now:        time.Now,
		limiters:   make(map[string]*rate.Limiter),
	}
}

// HandleUnit implements UnitHandler for dispatch units.
func (d *Dispatcher) HandleUnit(ctx context.Context, unit *Unit) error {
	_, err := d.Dispatch(ctx, unit.CampaignID, unit.RecipientID)
	return err
}

// Dispatch delivers the campaign message to one recipient and records the
// outcome. Errors are returned only when the outcome could not be decided or
// stored; delivery failures are recorded on the recipient instead.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID, recipientID string) (Result, error) {
	ctx, log := ctxlog.With(ctx, "campaign_id", campaignID, "recipient_id", recipientID)

	recipient, err := d.repo.GetRecipient(ctx, recipientID)
	if errors.Is(err, ErrRecipientNotFound) {
		log.Warn("dispatch for unknown recipient")
		return ResultSkipped, nil
	}
	if err != nil {
		return "", fmt.Errorf("get recipient: %w", err)
	}
	if recipient.Status != domain.RecipientStatusPending {
		log.Debug("recipient no longer pending", "status", recipient.Status)
		return d.record("", ResultSkipped), nil
	}

	campaign, err := d.repo.GetCampaign(ctx, campaignID)
	if errors.Is(err, ErrCampaignNotFound) {
		return d.record("", ResultSkipped), nil
	}
	if err != nil {
		return "", fmt.Errorf("get campaign: %w", err)
	}
	if campaign.Status == domain.CampaignStatusFailed || campaign.Status == domain.CampaignStatusCompleted {
		if err := d.repo.ReleaseLease(ctx, recipientID); err != nil {
			return "", fmt.Errorf("release lease: %w", err)
		}
		log.Debug("campaign halted, dispatch skipped", "status", campaign.Status)
		return d.record("", ResultSkipped), nil
	}

	suppressed, err := d.repo.IsSuppressed(ctx, NormalizeEmail(recipient.Email))
	if err != nil {
		return "", fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		return d.finish(ctx, recipient, "", domain.Outcome{Status: domain.RecipientStatusSuppressed}, ResultSuppressed)
	}

	if campaign.Pacing.WarmupEnabled {
		deferred, err := d.deferIfOverQuota(ctx, campaign, recipient)
		if credentials.IsAuthFailure(err) {
			return d.failAuth(ctx, campaign, recipient, "", err)
		}
		if err != nil {
			return "", err
		}
		if deferred {
			return d.record("", ResultDeferred), nil
		}
	}

	cred, err := d.identities.Acquire(ctx, campaign.SenderIdentityID)
	if credentials.IsAuthFailure(err) {
		return d.failAuth(ctx, campaign, recipient, "", err)
	}
	if err != nil {
		return d.finish(ctx, recipient, "", failedOutcome(domain.FailureKindTransient, err), ResultFailed)
	}
	provider := string(cred.Provider)

	sender, ok := d.senders[cred.Provider]
	if !ok {
		// A configuration problem, like an auth failure: the operator fixes it
		// and retries the campaign's failed recipients.
		return d.failAuth(ctx, campaign, recipient, provider, fmt.Errorf("no sender for provider %q", cred.Provider))
	}

	if err := d.limiter(cred.IdentityID).Wait(ctx); err != nil {
		return "", fmt.Errorf("wait for rate limiter: %w", err)
	}

	msg := mailer.Message{
		FromAddress: cred.FromAddress,
		FromName:    cred.FromName,
		To:          recipient.Email,
		Subject:     campaign.Content.Subject,
		HTML:        campaign.Content.HTML,
		Text:        campaign.Content.Text,
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	start := time.Now()
	err = sender.Send(sendCtx, cred, msg)
	cancel()
	recordSendDuration(provider, time.Since(start))

	if err == nil {
		return d.finish(ctx, recipient, provider, domain.Outcome{Status: domain.RecipientStatusSent}, ResultSent)
	}

	log.Warn("send failed", "identity_id", cred.IdentityID, "kind", mailer.KindOf(err), "error", err)

	switch mailer.KindOf(err) {
	case mailer.KindAuthExpired:
		d.identities.Invalidate(cred.IdentityID)
		return d.failAuth(ctx, campaign, recipient, provider, err)
	case mailer.KindPermanent:
		return d.finish(ctx, recipient, provider, failedOutcome(domain.FailureKindPermanent, err), ResultFailed)
	default:
		return d.finish(ctx, recipient, provider, failedOutcome(domain.FailureKindTransient, err), ResultFailed)
	}
}

// deferIfOverQuota re-schedules the dispatch for the next UTC day when the
// identity has used today's warm-up quota.
func (d *Dispatcher) deferIfOverQuota(ctx context.Context, campaign *domain.Campaign, recipient *domain.Recipient) (bool, error) {
	now := d.now()

	identity, err := d.identities.Identity(ctx, campaign.SenderIdentityID)
	if err != nil {
		return false, fmt.Errorf("get identity: %w", err)
	}
	sent, err := d.repo.CountSentSince(ctx, campaign.SenderIdentityID, warmup.DayStart(now))
	if err != nil {
		return false, fmt.Errorf("count sent today: %w", err)
	}
	remaining, err := warmup.NewPlan(identity.Warmup).Remaining(now, sent)
	if err != nil {
		return false, &PermanentError{Err: err}
	}
	if remaining > 0 {
		return false, nil
	}

	at, err := d.selector.AddJitter(warmup.NextDayStart(now), int(pacing.DefaultMaxJitter/time.Second))
	if err != nil {
		return false, err
	}
	if err := d.repo.LeaseRecipients(ctx, []string{recipient.ID}, at.Add(d.config.LeaseGrace)); err != nil {
		return false, fmt.Errorf("extend lease: %w", err)
	}
	if err := d.queue.Enqueue(ctx, NewDispatchUnit(campaign.ID, recipient.ID, at)); err != nil {
		return false, fmt.Errorf("enqueue deferred dispatch: %w", err)
	}

	ctxlog.FromContext(ctx).Info("dispatch deferred by warm-up quota",
		"identity_id", campaign.SenderIdentityID,
		"not_before", at,
	)
	return true, nil
}

func (d *Dispatcher) failAuth(ctx context.Context, campaign *domain.Campaign, recipient *domain.Recipient, provider string, cause error) (Result, error) {
	result, err := d.finish(ctx, recipient, provider, failedOutcome(domain.FailureKindAuth, cause), ResultFailed)
	haltCampaign(ctx, d.repo, d.notifier, campaign.ID, cause)
	return result, err
}

// finish writes the recipient outcome. The write is conditional on the
// recipient still being pending.
func (d *Dispatcher) finish(ctx context.Context, recipient *domain.Recipient, provider string, outcome domain.Outcome, result Result) (Result, error) {
	outcome.AttemptedAt = d.now()

	changed, err := d.repo.UpdateRecipientStatus(ctx, recipient.ID, outcome)
	if err != nil {
		return "", fmt.Errorf("update recipient status: %w", err)
	}
	if !changed {
		ctxlog.FromContext(ctx).Debug("recipient changed concurrently")
		return d.record(provider, ResultSkipped), nil
	}

	ctxlog.FromContext(ctx).Debug("recipient dispatched",
		"result", result,
		"failure_kind", outcome.FailureKind,
	)
	return d.record(provider, result), nil
}

func (d *Dispatcher) record(provider string, result Result) Result {
	if provider == "" {
		provider = "none"
	}
	recordSend(provider, string(result))
	return result
}

func (d *Dispatcher) limiter(identityID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.limiters[identityID]
	if !ok {
		limit := rate.Inf
		if d.config.RatePerSecond > 0 {
			limit = rate.Limit(d.config.RatePerSecond)
		}
		burst := d.config.RateBurst
		if burst < 1 {
			burst = 1
		}
		l = rate.NewLimiter(limit, burst)
		d.limiters[identityID] = l
	}
	return l
}

func failedOutcome(kind domain.FailureKind, err error) domain.Outcome {
	return domain.Outcome{
		Status:      domain.RecipientStatusFailed,
		FailureKind: kind,
		Error:       err.Error(),
	}
}

// NormalizeEmail returns the case-folded, trimmed form used for suppression matching.
func NormalizeEmail(email string) string {
	return cases.Fold().String(strings.TrimSpace(email))
}
