package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bissquit/campaign-relay/internal/delivery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

const testLockTimeout = time.Minute

// runQueueContract exercises the behavior every delivery.Queue driver shares.
// newQueue must return an empty queue claiming units for testLockTimeout.
func runQueueContract(t *testing.T, newQueue func(t *testing.T) delivery.Queue) {
	t.Run("fetches due units in order", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()

		late := delivery.NewDispatchUnit("c-1", "r-late", testNow)
		early := delivery.NewDispatchUnit("c-1", "r-early", testNow.Add(-time.Second))
		future := delivery.NewPageUnit("c-1", testNow.Add(time.Hour))
		for _, u := range []*delivery.Unit{late, early, future} {
			require.NoError(t, q.Enqueue(ctx, u))
		}

		units, err := q.FetchDue(ctx, testNow, 10)
		require.NoError(t, err)
		require.Len(t, units, 2)
		assert.Equal(t, early.ID, units[0].ID)
		assert.Equal(t, late.ID, units[1].ID)
		assert.Equal(t, delivery.UnitKindDispatch, units[0].Kind)
		assert.Equal(t, "r-early", units[0].RecipientID)
		assert.True(t, units[0].NotBefore.Equal(early.NotBefore))

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(3), depth)
	})

	t.Run("claimed units are invisible", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, delivery.NewPageUnit("c-1", testNow)))

		first, err := q.FetchDue(ctx, testNow, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := q.FetchDue(ctx, testNow.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, second)
	})

	t.Run("respects limit", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			require.NoError(t, q.Enqueue(ctx, delivery.NewPageUnit("c-1", testNow.Add(-time.Duration(i)*time.Second))))
		}

		units, err := q.FetchDue(ctx, testNow, 2)
		require.NoError(t, err)
		assert.Len(t, units, 2)

		units, err = q.FetchDue(ctx, testNow, 10)
		require.NoError(t, err)
		assert.Len(t, units, 3)
	})

	t.Run("ack removes unit", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		unit := delivery.NewPageUnit("c-1", testNow)
		require.NoError(t, q.Enqueue(ctx, unit))

		units, err := q.FetchDue(ctx, testNow, 10)
		require.NoError(t, err)
		require.Len(t, units, 1)
		require.NoError(t, q.Ack(ctx, unit.ID))

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth)

		units, err = q.FetchDue(ctx, testNow.Add(time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, units)
	})

	t.Run("retry reschedules with attempt count", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		require.NoError(t, q.Enqueue(ctx, delivery.NewDispatchUnit("c-1", "r-1", testNow)))

		units, err := q.FetchDue(ctx, testNow, 10)
		require.NoError(t, err)
		require.Len(t, units, 1)

		retryAt := testNow.Add(30 * time.Second)
		require.NoError(t, q.Retry(ctx, units[0], errors.New("db unavailable"), retryAt))

		units, err = q.FetchDue(ctx, testNow.Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, units)

		units, err = q.FetchDue(ctx, retryAt, 10)
		require.NoError(t, err)
		require.Len(t, units, 1)
		assert.Equal(t, 1, units[0].Attempts)
		assert.Equal(t, "db unavailable", units[0].LastError)
		assert.Equal(t, "r-1", units[0].RecipientID)
	})

	t.Run("lapsed claim is redelivered", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		unit := delivery.NewPageUnit("c-1", testNow)
		require.NoError(t, q.Enqueue(ctx, unit))

		units, err := q.FetchDue(ctx, testNow, 10)
		require.NoError(t, err)
		require.Len(t, units, 1)

		units, err = q.FetchDue(ctx, testNow.Add(testLockTimeout+time.Second), 10)
		require.NoError(t, err)
		require.Len(t, units, 1)
		assert.Equal(t, unit.ID, units[0].ID)
	})

	t.Run("late ack removes redelivered unit", func(t *testing.T) {
		q := newQueue(t)
		ctx := context.Background()
		unit := delivery.NewDispatchUnit("c-1", "r-1", testNow)
		require.NoError(t, q.Enqueue(ctx, unit))

		units, err := q.FetchDue(ctx, testNow, 10)
		require.NoError(t, err)
		require.Len(t, units, 1)

		lapsed := testNow.Add(testLockTimeout + time.Second)
		units, err = q.FetchDue(ctx, lapsed, 10)
		require.NoError(t, err)
		require.Len(t, units, 1)

		require.NoError(t, q.Ack(ctx, unit.ID))

		units, err = q.FetchDue(ctx, lapsed.Add(2*testLockTimeout), 10)
		require.NoError(t, err)
		assert.Empty(t, units)

		depth, err := q.Depth(ctx)
		require.NoError(t, err)
		assert.Zero(t, depth)
	})
}
