// Package postgres provides PostgreSQL storage for sender identities.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/campaign-relay/internal/credentials"
	"github.com/bissquit/campaign-relay/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements credentials.Store using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateIdentity inserts a sender identity with already encrypted tokens.
func (r *Repository) CreateIdentity(ctx context.Context, identity *domain.SenderIdentity) error {
	query := `
		INSERT INTO sender_identities (
			from_address, from_name, provider, access_token_enc, refresh_token_enc,
			token_expiry, scopes, active, warmup_start, warmup_base, warmup_multiplier, warmup_cap
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at, updated_at
	`
	warmupStart := identity.Warmup.StartDate
	if warmupStart.IsZero() {
		warmupStart = time.Now().UTC()
	}
	err := r.db.QueryRow(ctx, query,
		identity.FromAddress,
		identity.FromName,
		identity.Provider,
		identity.AccessTokenEnc,
		identity.RefreshTokenEnc,
		identity.TokenExpiry,
		identity.Scopes,
		identity.Active,
		warmupStart,
		identity.Warmup.Base,
		identity.Warmup.Multiplier,
		identity.Warmup.Cap,
	).Scan(&identity.ID, &identity.CreatedAt, &identity.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create identity: %w", err)
	}
	identity.Warmup.StartDate = warmupStart
	return nil
}

// GetIdentity retrieves a sender identity by ID.
func (r *Repository) GetIdentity(ctx context.Context, id string) (*domain.SenderIdentity, error) {
	query := `
		SELECT id, from_address, from_name, provider, access_token_enc, refresh_token_enc,
		       token_expiry, scopes, active, warmup_start, warmup_base, warmup_multiplier,
		       warmup_cap, created_at, updated_at
		FROM sender_identities
		WHERE id = $1
	`
	var identity domain.SenderIdentity
	err := r.db.QueryRow(ctx, query, id).Scan(
		&identity.ID,
		&identity.FromAddress,
		&identity.FromName,
		&identity.Provider,
		&identity.AccessTokenEnc,
		&identity.RefreshTokenEnc,
		&identity.TokenExpiry,
		&identity.Scopes,
		&identity.Active,
		&identity.Warmup.StartDate,
		&identity.Warmup.Base,
		&identity.Warmup.Multiplier,
		&identity.Warmup.Cap,
		&identity.CreatedAt,
		&identity.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, credentials.ErrIdentityNotFound
		}
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &identity, nil
}

// UpdateTokens stores a refreshed token pair. A nil refreshEnc keeps the
// current refresh token. Storing tokens reactivates the identity.
func (r *Repository) UpdateTokens(ctx context.Context, id string, accessEnc, refreshEnc []byte, expiry *time.Time) error {
	query := `
		UPDATE sender_identities
		SET access_token_enc = $2,
		    refresh_token_enc = COALESCE($3, refresh_token_enc),
		    token_expiry = $4,
		    active = TRUE,
		    updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Exec(ctx, query, id, accessEnc, refreshEnc, expiry)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if result.RowsAffected() == 0 {
		return credentials.ErrIdentityNotFound
	}
	return nil
}

// DeactivateIdentity marks an identity unusable until re-authorized.
func (r *Repository) DeactivateIdentity(ctx context.Context, id string) error {
	query := `UPDATE sender_identities SET active = FALSE, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("deactivate identity: %w", err)
	}
	if result.RowsAffected() == 0 {
		return credentials.ErrIdentityNotFound
	}
	return nil
}
