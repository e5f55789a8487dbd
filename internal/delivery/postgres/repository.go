// Package postgres provides PostgreSQL storage for campaigns, recipients,
// suppressions and delivery work units.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/campaign-relay/internal/delivery"
	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// invalidTextRepresentation is raised for malformed UUID parameters.
const invalidTextRepresentation = "22P02"

// Repository implements delivery.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const campaignColumns = `
	id, name, status, sender_identity_id, subject, html_body, text_body,
	batch_size, interval_seconds, warmup_enabled,
	window_start_hour, window_end_hour, window_timezone, window_max_jitter_seconds,
	created_at, updated_at, started_at, completed_at`

// CreateCampaign inserts a draft campaign.
func (r *Repository) CreateCampaign(ctx context.Context, c *domain.Campaign) error {
	query := `
		INSERT INTO campaigns (
			name, status, sender_identity_id, subject, html_body, text_body,
			batch_size, interval_seconds, warmup_enabled,
			window_start_hour, window_end_hour, window_timezone, window_max_jitter_seconds
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at
	`
	if c.Status == "" {
		c.Status = domain.CampaignStatusDraft
	}
	var startHour, endHour *int
	var timezone *string
	jitter := 0
	if w := c.Pacing.Window; w != nil {
		startHour, endHour, timezone = &w.StartHour, &w.EndHour, &w.Timezone
		jitter = w.MaxJitterSeconds
	}

	err := r.db.QueryRow(ctx, query,
		c.Name,
		c.Status,
		c.SenderIdentityID,
		c.Content.Subject,
		c.Content.HTML,
		c.Content.Text,
		c.Pacing.BatchSize,
		c.Pacing.IntervalSeconds,
		c.Pacing.WarmupEnabled,
		startHour,
		endHour,
		timezone,
		jitter,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

// GetCampaign retrieves a campaign by ID.
func (r *Repository) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`

	var c domain.Campaign
	var startHour, endHour *int
	var timezone *string
	var jitter int
	err := r.db.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.Name,
		&c.Status,
		&c.SenderIdentityID,
		&c.Content.Subject,
		&c.Content.HTML,
		&c.Content.Text,
		&c.Pacing.BatchSize,
		&c.Pacing.IntervalSeconds,
		&c.Pacing.WarmupEnabled,
		&startHour,
		&endHour,
		&timezone,
		&jitter,
		&c.CreatedAt,
		&c.UpdatedAt,
		&c.StartedAt,
		&c.CompletedAt,
	)
	if err != nil {
		if notFound(err) {
			return nil, delivery.ErrCampaignNotFound
		}
		return nil, fmt.Errorf("get campaign: %w", err)
	}

	if startHour != nil && endHour != nil && timezone != nil {
		c.Pacing.Window = &domain.SendWindow{
			StartHour:        *startHour,
			EndHour:          *endHour,
			Timezone:         *timezone,
			MaxJitterSeconds: jitter,
		}
	}
	return &c, nil
}

// UpdateCampaignStatus performs a conditional status transition.
func (r *Repository) UpdateCampaignStatus(ctx context.Context, id string, to domain.CampaignStatus, from ...domain.CampaignStatus) (bool, error) {
	query := `
		UPDATE campaigns
		SET status = $2,
		    started_at = CASE WHEN $2 = 'active' THEN COALESCE(started_at, NOW()) ELSE started_at END,
		    completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`
	result, err := r.db.Exec(ctx, query, id, string(to), statusStrings(from))
	if err != nil {
		if notFound(err) {
			return false, delivery.ErrCampaignNotFound
		}
		return false, fmt.Errorf("update campaign status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ListCampaignIDsByStatus returns IDs of campaigns in the given status.
func (r *Repository) ListCampaignIDsByStatus(ctx context.Context, status domain.CampaignStatus) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM campaigns WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan campaigns: %w", err)
	}
	return ids, nil
}

// AddRecipients inserts pending recipients, skipping addresses already in the campaign.
func (r *Repository) AddRecipients(ctx context.Context, campaignID string, emails []string) (int64, error) {
	query := `
		INSERT INTO recipients (campaign_id, email)
		SELECT $1, e FROM UNNEST($2::text[]) AS e
		ON CONFLICT (campaign_id, email) DO NOTHING
	`
	result, err := r.db.Exec(ctx, query, campaignID, emails)
	if err != nil {
		return 0, fmt.Errorf("add recipients: %w", err)
	}
	return result.RowsAffected(), nil
}

const recipientColumns = `
	id, campaign_id, email, status, COALESCE(failure_kind, ''), COALESCE(last_error, ''),
	last_attempt_at, lease_expires_at, created_at`

func scanRecipient(row pgx.Row) (*domain.Recipient, error) {
	var rec domain.Recipient
	err := row.Scan(
		&rec.ID,
		&rec.CampaignID,
		&rec.Email,
		&rec.Status,
		&rec.FailureKind,
		&rec.LastError,
		&rec.LastAttemptAt,
		&rec.LeaseExpiresAt,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// FetchPendingRecipients returns pending, unleased recipients in (created_at, id) order.
func (r *Repository) FetchPendingRecipients(ctx context.Context, campaignID string, limit int, now time.Time) ([]*domain.Recipient, error) {
	query := `
		SELECT ` + recipientColumns + `
		FROM recipients
		WHERE campaign_id = $1
		  AND status = 'pending'
		  AND (lease_expires_at IS NULL OR lease_expires_at <= $3)
		ORDER BY created_at, id
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, campaignID, limit, now)
	if err != nil {
		return nil, fmt.Errorf("fetch pending recipients: %w", err)
	}
	defer rows.Close()

	var recipients []*domain.Recipient
	for rows.Next() {
		rec, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		recipients = append(recipients, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return recipients, nil
}

// CountPending counts pending recipients, leased or not.
func (r *Repository) CountPending(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM recipients WHERE campaign_id = $1 AND status = 'pending'`,
		campaignID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

// LeaseRecipients marks pending recipients as scheduled until the given time.
func (r *Repository) LeaseRecipients(ctx context.Context, ids []string, until time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE recipients
		SET lease_expires_at = $2
		WHERE id = ANY($1) AND status = 'pending'
	`
	if _, err := r.db.Exec(ctx, query, ids, until); err != nil {
		return fmt.Errorf("lease recipients: %w", err)
	}
	return nil
}

// ReleaseLease clears a recipient's lease.
func (r *Repository) ReleaseLease(ctx context.Context, recipientID string) error {
	if _, err := r.db.Exec(ctx, `UPDATE recipients SET lease_expires_at = NULL WHERE id = $1`, recipientID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// GetRecipient retrieves a recipient by ID.
func (r *Repository) GetRecipient(ctx context.Context, id string) (*domain.Recipient, error) {
	query := `SELECT ` + recipientColumns + ` FROM recipients WHERE id = $1`
	rec, err := scanRecipient(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if notFound(err) {
			return nil, delivery.ErrRecipientNotFound
		}
		return nil, fmt.Errorf("get recipient: %w", err)
	}
	return rec, nil
}

// UpdateRecipientStatus records an outcome for a still pending recipient.
func (r *Repository) UpdateRecipientStatus(ctx context.Context, id string, outcome domain.Outcome) (bool, error) {
	query := `
		UPDATE recipients
		SET status = $2,
		    failure_kind = NULLIF($3, ''),
		    last_error = NULLIF($4, ''),
		    last_attempt_at = $5,
		    lease_expires_at = NULL
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query,
		id,
		string(outcome.Status),
		string(outcome.FailureKind),
		outcome.Error,
		outcome.AttemptedAt,
	)
	if err != nil {
		return false, fmt.Errorf("update recipient status: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// ResetFailedRecipients returns failed recipients of the given kinds to pending.
func (r *Repository) ResetFailedRecipients(ctx context.Context, campaignID string, kinds []domain.FailureKind) (int64, error) {
	names := make([]string, len(kinds))
	for i, k := range kinds {
		names[i] = string(k)
	}

	query := `
		UPDATE recipients
		SET status = 'pending',
		    failure_kind = NULL,
		    last_error = NULL,
		    lease_expires_at = NULL
		WHERE campaign_id = $1 AND status = 'failed' AND failure_kind = ANY($2)
	`
	result, err := r.db.Exec(ctx, query, campaignID, names)
	if err != nil {
		return 0, fmt.Errorf("reset failed recipients: %w", err)
	}
	return result.RowsAffected(), nil
}

// CountSentSince counts messages sent by an identity across all its campaigns.
func (r *Repository) CountSentSince(ctx context.Context, identityID string, since time.Time) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM recipients r
		JOIN campaigns c ON c.id = r.campaign_id
		WHERE c.sender_identity_id = $1
		  AND r.status = 'sent'
		  AND r.last_attempt_at >= $2
	`
	var n int
	if err := r.db.QueryRow(ctx, query, identityID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sent: %w", err)
	}
	return n, nil
}

// GetProgress returns per-status recipient counts.
func (r *Repository) GetProgress(ctx context.Context, campaignID string) (*domain.Progress, error) {
	query := `
		SELECT c.id, c.status,
		       COUNT(rc.id),
		       COUNT(rc.id) FILTER (WHERE rc.status = 'pending'),
		       COUNT(rc.id) FILTER (WHERE rc.status = 'sent'),
		       COUNT(rc.id) FILTER (WHERE rc.status = 'failed'),
		       COUNT(rc.id) FILTER (WHERE rc.status = 'suppressed')
		FROM campaigns c
		LEFT JOIN recipients rc ON rc.campaign_id = c.id
		WHERE c.id = $1
		GROUP BY c.id, c.status
	`
	var p domain.Progress
	err := r.db.QueryRow(ctx, query, campaignID).Scan(
		&p.CampaignID,
		&p.Status,
		&p.Total,
		&p.Pending,
		&p.Sent,
		&p.Failed,
		&p.Suppressed,
	)
	if err != nil {
		if notFound(err) {
			return nil, delivery.ErrCampaignNotFound
		}
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return &p, nil
}

// IsSuppressed reports whether a normalized address is on the suppression list.
func (r *Repository) IsSuppressed(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM suppressions WHERE email = $1)`, email).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check suppression: %w", err)
	}
	return exists, nil
}

// AddSuppression inserts or updates a suppression entry.
func (r *Repository) AddSuppression(ctx context.Context, s *domain.Suppression) error {
	query := `
		INSERT INTO suppressions (email, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET reason = EXCLUDED.reason
	`
	if _, err := r.db.Exec(ctx, query, s.Email, s.Reason, s.CreatedAt); err != nil {
		return fmt.Errorf("add suppression: %w", err)
	}
	return nil
}

func statusStrings(statuses []domain.CampaignStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// notFound treats missing rows and malformed IDs alike.
func notFound(err error) bool {
	if errors.Is(err, pgx.ErrNoRows) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation
}
