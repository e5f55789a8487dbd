package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/campaign-relay/internal/delivery"
	"github.com/redis/go-redis/v9"
)

// Redis is a delay queue on two sorted sets: ready units scored by NotBefore
// and claimed units scored by claim expiry. Unit bodies live in a hash.
type Redis struct {
	rc          *redis.Client
	readyKey    string
	claimedKey  string
	unitsKey    string
	lockTimeout time.Duration
}

// NewRedis creates a Redis-backed queue with keys under prefix.
func NewRedis(rc *redis.Client, prefix string, lockTimeout time.Duration) *Redis {
	if prefix == "" {
		prefix = "campaignrelay"
	}
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Redis{
		rc:          rc,
		readyKey:    prefix + ":units:ready",
		claimedKey:  prefix + ":units:claimed",
		unitsKey:    prefix + ":units:body",
		lockTimeout: lockTimeout,
	}
}

// claimScript returns lapsed claims to the ready set, then moves up to
// ARGV[3] due units to the claimed set and returns their IDs.
var claimScript = redis.NewScript(`
local lapsed = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(lapsed) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('ZADD', KEYS[2], ARGV[2], id)
end
return ids
`)

// Enqueue stores the unit body and schedules it.
func (q *Redis) Enqueue(ctx context.Context, unit *delivery.Unit) error {
	body, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}

	_, err = q.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.unitsKey, unit.ID, body)
		p.ZAdd(ctx, q.readyKey, redis.Z{Score: score(unit.NotBefore), Member: unit.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("enqueue unit: %w", err)
	}
	return nil
}

// FetchDue claims up to limit due units, earliest first.
func (q *Redis) FetchDue(ctx context.Context, now time.Time, limit int) ([]*delivery.Unit, error) {
	ids, err := claimScript.Run(ctx, q.rc,
		[]string{q.readyKey, q.claimedKey},
		score(now), score(now.Add(q.lockTimeout)), limit,
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim units: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	bodies, err := q.rc.HMGet(ctx, q.unitsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load units: %w", err)
	}

	units := make([]*delivery.Unit, 0, len(ids))
	for i, raw := range bodies {
		s, ok := raw.(string)
		if !ok {
			// Body already acked by a previous claimant.
			q.rc.ZRem(ctx, q.claimedKey, ids[i])
			continue
		}
		var u delivery.Unit
		if err := json.Unmarshal([]byte(s), &u); err != nil {
			return nil, fmt.Errorf("unmarshal unit %s: %w", ids[i], err)
		}
		units = append(units, &u)
	}
	return units, nil
}

// Ack removes the unit everywhere.
func (q *Redis) Ack(ctx context.Context, unitID string) error {
	_, err := q.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.claimedKey, unitID)
		p.ZRem(ctx, q.readyKey, unitID)
		p.HDel(ctx, q.unitsKey, unitID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack unit: %w", err)
	}
	return nil
}

// Retry stores the updated attempt count and moves the unit back to ready.
func (q *Redis) Retry(ctx context.Context, unit *delivery.Unit, cause error, notBefore time.Time) error {
	u := *unit
	u.Attempts++
	u.NotBefore = notBefore
	if cause != nil {
		u.LastError = cause.Error()
	}
	body, err := json.Marshal(&u)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}

	_, err = q.rc.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.unitsKey, u.ID, body)
		p.ZRem(ctx, q.claimedKey, u.ID)
		p.ZAdd(ctx, q.readyKey, redis.Z{Score: score(notBefore), Member: u.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("retry unit: %w", err)
	}
	return nil
}

// Depth counts ready and claimed units.
func (q *Redis) Depth(ctx context.Context) (int64, error) {
	var ready, claimed *redis.IntCmd
	_, err := q.rc.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.ZCard(ctx, q.readyKey)
		claimed = p.ZCard(ctx, q.claimedKey)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return ready.Val() + claimed.Val(), nil
}

// score converts a time to a sorted-set score in milliseconds.
func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

