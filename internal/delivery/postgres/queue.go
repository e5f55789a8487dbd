package postgres

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/bissquit/campaign-relay/internal/delivery"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultLockTimeout bounds how long a claimed unit stays invisible.
const DefaultLockTimeout = 2 * time.Minute

// Queue implements delivery.Queue on the work_units table.
type Queue struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewQueue creates a PostgreSQL-backed work queue.
func NewQueue(db *pgxpool.Pool, lockTimeout time.Duration) *Queue {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Queue{db: db, lockTimeout: lockTimeout}
}

// Enqueue inserts a unit.
func (q *Queue) Enqueue(ctx context.Context, unit *delivery.Unit) error {
	query := `
		INSERT INTO work_units (id, kind, campaign_id, recipient_id, not_before, attempts)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6)
	`
	_, err := q.db.Exec(ctx, query,
		unit.ID,
		string(unit.Kind),
		unit.CampaignID,
		unit.RecipientID,
		unit.NotBefore,
		unit.Attempts,
	)
	if err != nil {
		return fmt.Errorf("enqueue unit: %w", err)
	}
	return nil
}

// FetchDue claims up to limit due units. Concurrent callers skip rows
// locked by each other.
func (q *Queue) FetchDue(ctx context.Context, now time.Time, limit int) ([]*delivery.Unit, error) {
	query := `
		UPDATE work_units
		SET locked_until = $2
		WHERE id IN (
			SELECT id FROM work_units
			WHERE not_before <= $1
			  AND (locked_until IS NULL OR locked_until <= $1)
			ORDER BY not_before
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, campaign_id, COALESCE(recipient_id::text, ''), not_before, attempts, COALESCE(last_error, '')
	`
	rows, err := q.db.Query(ctx, query, now, now.Add(q.lockTimeout), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due units: %w", err)
	}
	defer rows.Close()

	var units []*delivery.Unit
	for rows.Next() {
		var u delivery.Unit
		if err := rows.Scan(&u.ID, &u.Kind, &u.CampaignID, &u.RecipientID, &u.NotBefore, &u.Attempts, &u.LastError); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate units: %w", err)
	}

	// RETURNING does not preserve the subquery order.
	slices.SortFunc(units, func(a, b *delivery.Unit) int {
		return cmp.Compare(a.NotBefore.UnixNano(), b.NotBefore.UnixNano())
	})
	return units, nil
}

// Ack deletes a processed unit.
func (q *Queue) Ack(ctx context.Context, unitID string) error {
	if _, err := q.db.Exec(ctx, `DELETE FROM work_units WHERE id = $1`, unitID); err != nil {
		return fmt.Errorf("ack unit: %w", err)
	}
	return nil
}

// Retry releases the claim and re-schedules the unit.
func (q *Queue) Retry(ctx context.Context, unit *delivery.Unit, cause error, notBefore time.Time) error {
	query := `
		UPDATE work_units
		SET attempts = attempts + 1,
		    last_error = $2,
		    not_before = $3,
		    locked_until = NULL
		WHERE id = $1
	`
	if _, err := q.db.Exec(ctx, query, unit.ID, cause.Error(), notBefore); err != nil {
		return fmt.Errorf("retry unit: %w", err)
	}
	return nil
}

// Depth counts stored units, claimed or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	var n int64
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM work_units`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count units: %w", err)
	}
	return n, nil
}
