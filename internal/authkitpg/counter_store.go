package authkitpg

import (
	"context"
	"fmt"
	"time"
)

// CounterStore shares fixed-window rate-limit counters across instances.
type CounterStore struct {
	querier Querier
}

// NewCounterStore constructs a store over an opened pool.
func NewCounterStore(querier Querier) *CounterStore {
	return &CounterStore{querier: querier}
}

// The upsert is a single statement, so concurrent hits on one key serialise on the row lock.
const incrementSQL = `
INSERT INTO rate_limit_counters (counter_key, hit_count, reset_at)
VALUES ($1, 1, $2)
ON CONFLICT (counter_key) DO UPDATE SET
    hit_count = CASE WHEN rate_limit_counters.reset_at <= $3 THEN 1 ELSE rate_limit_counters.hit_count + 1 END,
    reset_at = CASE WHEN rate_limit_counters.reset_at <= $3 THEN EXCLUDED.reset_at ELSE rate_limit_counters.reset_at END
RETURNING hit_count, reset_at`

const sweepSQL = `DELETE FROM rate_limit_counters WHERE reset_at <= $1`

// Increment counts one hit for key in the current window.
func (store *CounterStore) Increment(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	var hitCount int64
	var resetAt time.Time
	if err := store.querier.QueryRow(ctx, incrementSQL, key, now.Add(window), now).Scan(&hitCount, &resetAt); err != nil {
		return 0, time.Time{}, fmt.Errorf("ratelimit_pg.increment: %w", err)
	}
	return hitCount, resetAt.UTC(), nil
}

// Sweep deletes counters whose window has ended.
func (store *CounterStore) Sweep(ctx context.Context, now time.Time) (int64, error) {
	tag, err := store.querier.Exec(ctx, sweepSQL, now)
	if err != nil {
		return 0, fmt.Errorf("ratelimit_pg.sweep: %w", err)
	}
	return tag.RowsAffected(), nil
}
