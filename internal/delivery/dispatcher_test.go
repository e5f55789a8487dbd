package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/campaign-relay/internal/credentials"
	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/bissquit/campaign-relay/internal/mailer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDelivery_EndToEnd(t *testing.T) {
	h := newHarness(t)
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusDraft, domain.PacingConfig{BatchSize: 2, IntervalSeconds: 3}))
	ids := h.repo.addRecipients("c-1", "a@example.org", "b@example.org", "c@example.org")

	service := NewService(h.repo, h.queue)
	service.now = h.clock.Now
	require.NoError(t, service.RequestSend(context.Background(), "c-1"))

	h.drain(t, 50)

	assert.ElementsMatch(t, []string{"a@example.org", "b@example.org", "c@example.org"}, h.sender.sentTo())
	assert.Equal(t, domain.CampaignStatusCompleted, h.repo.campaignStatus("c-1"))
	for _, id := range ids {
		assert.Equal(t, domain.RecipientStatusSent, h.repo.recipient(id).Status)
		assert.Equal(t, 1, h.repo.writeCount(id))
	}

	progress, err := service.Progress(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, &domain.Progress{
		CampaignID: "c-1",
		Status:     domain.CampaignStatusCompleted,
		Total:      3,
		Sent:       3,
	}, progress)
	assert.Equal(t, []finishedCampaign{{CampaignID: "c-1", Status: domain.CampaignStatusCompleted}}, h.notifier.events())
}

func TestDelivery_EndToEnd_PacedSendTimes(t *testing.T) {
	h := newHarness(t)
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 3, IntervalSeconds: 4}))
	ids := h.repo.addRecipients("c-1", emails(3)...)
	require.NoError(t, h.queue.Enqueue(context.Background(), NewPageUnit("c-1", testNow)))

	h.drain(t, 50)

	for k, id := range ids {
		rec := h.repo.recipient(id)
		require.NotNil(t, rec.LastAttemptAt)
		assert.Equal(t, testNow.Add(time.Duration(4*k)*time.Second), *rec.LastAttemptAt)
	}
}

func TestDispatcher_AuthRevokedMidBatchHaltsCampaign(t *testing.T) {
	h := newHarness(t)
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 3, IntervalSeconds: 1}))
	ids := h.repo.addRecipients("c-1", emails(3)...)
	ctx := context.Background()

	_, err := h.coordinator.HandlePage(ctx, "c-1")
	require.NoError(t, err)

	res, err := h.dispatcher.Dispatch(ctx, "c-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)

	h.identities.setAcquireErr(credentials.ErrAuthRevoked)

	res, err = h.dispatcher.Dispatch(ctx, "c-1", ids[1])
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)

	failed := h.repo.recipient(ids[1])
	assert.Equal(t, domain.RecipientStatusFailed, failed.Status)
	assert.Equal(t, domain.FailureKindAuth, failed.FailureKind)
	assert.Equal(t, domain.CampaignStatusFailed, h.repo.campaignStatus("c-1"))

	res, err = h.dispatcher.Dispatch(ctx, "c-1", ids[2])
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)

	untouched := h.repo.recipient(ids[2])
	assert.Equal(t, domain.RecipientStatusPending, untouched.Status)
	assert.Nil(t, untouched.LeaseExpiresAt)

	assert.Equal(t, []string{"user1@example.org"}, h.sender.sentTo())

	// The next page sees the failed campaign and stops.
	h.queue.reset()
	page, err := h.coordinator.HandlePage(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, PageStopped, page.Outcome)
	assert.Equal(t, []finishedCampaign{{CampaignID: "c-1", Status: domain.CampaignStatusFailed}}, h.notifier.events())
}

func TestDispatcher_SuppressionAddedAfterFetch(t *testing.T) {
	h := newHarness(t)
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 3}))
	ids := h.repo.addRecipients("c-1", "a@example.org", "Blocked@Example.org", "c@example.org")

	_, err := h.coordinator.HandlePage(context.Background(), "c-1")
	require.NoError(t, err)

	service := NewService(h.repo, h.queue)
	require.NoError(t, service.AddSuppression(context.Background(), "  BLOCKED@example.ORG ", "unsubscribed"))

	h.drain(t, 50)

	assert.Equal(t, domain.RecipientStatusSuppressed, h.repo.recipient(ids[1]).Status)
	assert.ElementsMatch(t, []string{"a@example.org", "c@example.org"}, h.sender.sentTo())
	assert.Equal(t, domain.CampaignStatusCompleted, h.repo.campaignStatus("c-1"))
}

func TestDispatcher_SendFailureKinds(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		wantKind       domain.FailureKind
		wantCampaign   domain.CampaignStatus
		wantInvalidate bool
	}{
		{"permanent", mailer.Permanent(errors.New("550 no such user")), domain.FailureKindPermanent, domain.CampaignStatusActive, false},
		{"transient", mailer.Transient(errors.New("421 try later")), domain.FailureKindTransient, domain.CampaignStatusActive, false},
		{"unclassified", errors.New("connection reset"), domain.FailureKindTransient, domain.CampaignStatusActive, false},
		{"auth expired", mailer.AuthExpired(errors.New("401")), domain.FailureKindAuth, domain.CampaignStatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 1}))
			ids := h.repo.addRecipients("c-1", "a@example.org")
			h.sender.errs["a@example.org"] = tt.err

			res, err := h.dispatcher.Dispatch(context.Background(), "c-1", ids[0])
			require.NoError(t, err)
			assert.Equal(t, ResultFailed, res)

			rec := h.repo.recipient(ids[0])
			assert.Equal(t, domain.RecipientStatusFailed, rec.Status)
			assert.Equal(t, tt.wantKind, rec.FailureKind)
			assert.NotEmpty(t, rec.LastError)
			assert.Equal(t, tt.wantCampaign, h.repo.campaignStatus("c-1"))
			if tt.wantInvalidate {
				assert.Equal(t, []string{"identity-1"}, h.identities.invalidated)
			} else {
				assert.Empty(t, h.identities.invalidated)
			}
		})
	}
}

func TestDispatcher_SkipsRecipientNoLongerPending(t *testing.T) {
	h := newHarness(t)
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 1}))
	ids := h.repo.addRecipients("c-1", "a@example.org")
	ctx := context.Background()

	res, err := h.dispatcher.Dispatch(ctx, "c-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)

	// A redelivered unit must not send twice.
	res, err = h.dispatcher.Dispatch(ctx, "c-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)

	assert.Len(t, h.sender.sentTo(), 1)
	assert.Equal(t, 1, h.repo.writeCount(ids[0]))
}

func TestDispatcher_UnknownRecipient(t *testing.T) {
	h := newHarness(t)

	res, err := h.dispatcher.Dispatch(context.Background(), "c-1", "missing")
	require.NoError(t, err)
	assert.Equal(t, ResultSkipped, res)
}

func TestDispatcher_PausedCampaignStillDispatches(t *testing.T) {
	h := newHarness(t)
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusPaused, domain.PacingConfig{BatchSize: 1}))
	ids := h.repo.addRecipients("c-1", "a@example.org")

	res, err := h.dispatcher.Dispatch(context.Background(), "c-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ResultSent, res)
}

func TestDispatcher_WarmupQuotaDefersToNextDay(t *testing.T) {
	h := newHarness(t)
	sendToday(t, h.repo, 10)
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 1, WarmupEnabled: true}))
	ids := h.repo.addRecipients("c-1", "a@example.org")

	res, err := h.dispatcher.Dispatch(context.Background(), "c-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ResultDeferred, res)

	rec := h.repo.recipient(ids[0])
	assert.Equal(t, domain.RecipientStatusPending, rec.Status)
	require.NotNil(t, rec.LeaseExpiresAt)

	nextDay := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	dispatches := h.queue.ofKind(UnitKindDispatch)
	require.Len(t, dispatches, 1)
	assert.False(t, dispatches[0].NotBefore.Before(nextDay))
	assert.True(t, rec.LeaseExpiresAt.After(dispatches[0].NotBefore))
	assert.Empty(t, h.sender.sentTo())
	assert.Zero(t, h.identities.acquired)
}

func TestDispatcher_MissingSenderHaltsCampaign(t *testing.T) {
	h := newHarness(t)
	h.identities.cred.Provider = domain.ProviderBrevo
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 1}))
	ids := h.repo.addRecipients("c-1", "a@example.org")

	res, err := h.dispatcher.Dispatch(context.Background(), "c-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)

	rec := h.repo.recipient(ids[0])
	assert.Equal(t, domain.FailureKindAuth, rec.FailureKind)
	assert.Equal(t, domain.CampaignStatusFailed, h.repo.campaignStatus("c-1"))

	// Once the provider is configured, retrying failed recipients picks it up again.
	reset, err := NewService(h.repo, h.queue).RetryFailed(context.Background(), "c-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)
	assert.Equal(t, domain.RecipientStatusPending, h.repo.recipient(ids[0]).Status)
}

func TestDispatcher_AcquireErrorIsTransient(t *testing.T) {
	h := newHarness(t)
	h.identities.setAcquireErr(errors.New("token endpoint unavailable"))
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 1}))
	ids := h.repo.addRecipients("c-1", "a@example.org")

	res, err := h.dispatcher.Dispatch(context.Background(), "c-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)
	assert.Equal(t, domain.FailureKindTransient, h.repo.recipient(ids[0]).FailureKind)
	assert.Equal(t, domain.CampaignStatusActive, h.repo.campaignStatus("c-1"))
}

func TestDispatcher_SendTimeout(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.config.SendTimeout = 20 * time.Millisecond
	h.sender.send = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	h.repo.addCampaign(testCampaign("c-1", domain.CampaignStatusActive, domain.PacingConfig{BatchSize: 1}))
	ids := h.repo.addRecipients("c-1", "a@example.org")

	res, err := h.dispatcher.Dispatch(context.Background(), "c-1", ids[0])
	require.NoError(t, err)
	assert.Equal(t, ResultFailed, res)
	assert.Equal(t, domain.FailureKindTransient, h.repo.recipient(ids[0]).FailureKind)
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.org", NormalizeEmail("  User@Example.ORG\n"))
	assert.Equal(t, NormalizeEmail("STRASSE@example.org"), NormalizeEmail("strasse@EXAMPLE.org"))
}
