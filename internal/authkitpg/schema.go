package authkitpg

import (
	"context"
	"fmt"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS rate_limit_counters (
    counter_key TEXT PRIMARY KEY,
    hit_count BIGINT NOT NULL,
    reset_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_rate_limit_counters_reset ON rate_limit_counters (reset_at);
`

// EnsureSchema creates the counter table if it does not exist.
func EnsureSchema(ctx context.Context, querier Querier) error {
	if _, err := querier.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ratelimit_pg.schema: %w", err)
	}
	return nil
}
