package postgres

import (
	"context"
	"time"

	"github.com/llm-dev-ops/marketplace/internal/storage"
)

// UpsertQuotaUsage persists a consumer's accumulated token usage for the
// given calendar month, keyed by (consumer, service, month).
func (s *Store) UpsertQuotaUsage(ctx context.Context, consumerID, serviceID, month string, usedTokens int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO quota_usage (consumer_id, service_id, month, used_tokens, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (consumer_id, service_id, month)
		 DO UPDATE SET used_tokens = EXCLUDED.used_tokens, updated_at = EXCLUDED.updated_at`,
		consumerID, serviceID, month, usedTokens, time.Now().UTC(),
	)
	return err
}

// LoadQuotaUsage returns every quota counter persisted for the given month,
// used to seed the in-memory/Redis quota cache on startup.
func (s *Store) LoadQuotaUsage(ctx context.Context, month string) ([]storage.QuotaUsageRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT consumer_id, service_id, used_tokens FROM quota_usage WHERE month = $1`, month,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.QuotaUsageRow
	for rows.Next() {
		var r storage.QuotaUsageRow
		if err := rows.Scan(&r.ConsumerID, &r.ServiceID, &r.UsedTokens); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
