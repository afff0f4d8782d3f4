// Package quota tracks and enforces per-consumer monthly token quotas.
// Redis holds the authoritative live counters; a durable store is updated
// periodically in the background and reloaded at startup.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/storage"
	"github.com/redis/go-redis/v9"
)

// Store persists monthly quota counters, keyed by (consumer, service, month).
// Identical in shape to storage.QuotaStore so a postgres-backed store
// satisfies it directly.
type Store interface {
	UpsertQuotaUsage(ctx context.Context, consumerID, serviceID, month string, usedTokens int64) error
	LoadQuotaUsage(ctx context.Context, month string) ([]UsageRow, error)
}

// UsageRow is a single persisted quota counter.
type UsageRow = storage.QuotaUsageRow

// Manager tracks monthly token usage against tier quotas.
type Manager struct {
	rdb   *redis.Client
	store Store
}

// New returns a Manager backed by rdb for live counters and store for
// durable persistence.
func New(rdb *redis.Client, store Store) *Manager {
	return &Manager{rdb: rdb, store: store}
}

// currentMonth returns the UTC calendar month key, e.g. "2026-07".
func currentMonth(now time.Time) string {
	return now.UTC().Format("2006-01")
}

// quotaKey is month-qualified so a month rollover can never race the
// Redis key's own TTL: each month gets its own key, and counters from a
// prior month simply age out rather than being reset mid-read.
func quotaKey(consumerID, serviceID, month string) string {
	return fmt.Sprintf("quota:%s:%s:%s", consumerID, serviceID, month)
}

// resetTime returns the first instant of the month following now, UTC.
func resetTime(now time.Time) time.Time {
	now = now.UTC()
	year, month := now.Year(), now.Month()
	if month == time.December {
		return time.Date(year+1, time.January, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
}

// Check returns the consumer's current usage against their tier quota for
// the active calendar month.
func (m *Manager) Check(ctx context.Context, consumerID, serviceID string, tier gateway.Tier) (gateway.QuotaStatus, error) {
	now := time.Now()
	key := quotaKey(consumerID, serviceID, currentMonth(now))

	used, err := m.rdb.Get(ctx, key).Int64()
	if err != nil && err != redis.Nil {
		return gateway.QuotaStatus{}, fmt.Errorf("%w: quota check: %w", gateway.ErrCache, err)
	}

	return gateway.QuotaStatus{
		ConsumerID:  consumerID,
		ServiceID:   serviceID,
		Tier:        tier,
		UsedTokens:  used,
		TotalTokens: tier.QuotaLimit(),
		ResetAt:     resetTime(now),
	}, nil
}

// Update adds usage's total tokens to the consumer's monthly counter,
// setting the key to expire at the next month boundary if not already set.
func (m *Manager) Update(ctx context.Context, consumerID, serviceID string, usage gateway.UsageInfo) error {
	now := time.Now()
	key := quotaKey(consumerID, serviceID, currentMonth(now))

	if _, err := m.rdb.IncrBy(ctx, key, usage.TotalTokens).Result(); err != nil {
		return fmt.Errorf("%w: quota update: %w", gateway.ErrCache, err)
	}

	ttl, err := m.rdb.TTL(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("%w: quota ttl: %w", gateway.ErrCache, err)
	}
	if ttl < 0 {
		until := time.Until(resetTime(now))
		if err := m.rdb.Expire(ctx, key, until).Err(); err != nil {
			return fmt.Errorf("%w: quota expire: %w", gateway.ErrCache, err)
		}
	}
	return nil
}

// Reset clears a consumer/service pair's quota counter for the current
// month (admin operation).
func (m *Manager) Reset(ctx context.Context, consumerID, serviceID string) error {
	now := time.Now()
	key := quotaKey(consumerID, serviceID, currentMonth(now))
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: quota reset: %w", gateway.ErrCache, err)
	}
	return nil
}

// Persist scans the current month's quota keys in Redis and upserts them
// into the durable store. Intended to run periodically from a background
// worker.
func (m *Manager) Persist(ctx context.Context) error {
	month := currentMonth(time.Now())
	pattern := fmt.Sprintf("quota:*:*:%s", month)

	var (
		cursor  uint64
		scanned int
	)
	for {
		keys, next, err := m.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("%w: quota scan: %w", gateway.ErrCache, err)
		}
		for _, key := range keys {
			consumerID, serviceID, ok := parseQuotaKey(key)
			if !ok {
				continue
			}
			used, err := m.rdb.Get(ctx, key).Int64()
			if err != nil && err != redis.Nil {
				slog.Error("quota persist: read failed", "key", key, "error", err)
				continue
			}
			if err := m.store.UpsertQuotaUsage(ctx, consumerID, serviceID, month, used); err != nil {
				slog.Error("quota persist: upsert failed", "consumer_id", consumerID, "service_id", serviceID, "error", err)
				continue
			}
			scanned++
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return nil
}

// Load reloads the current month's counters from the durable store into
// Redis. Intended to run once at startup so a restart doesn't forget
// consumption incurred before the process exited.
func (m *Manager) Load(ctx context.Context) error {
	now := time.Now()
	month := currentMonth(now)
	rows, err := m.store.LoadQuotaUsage(ctx, month)
	if err != nil {
		return fmt.Errorf("%w: quota load: %w", gateway.ErrDatabase, err)
	}

	until := time.Until(resetTime(now))
	for _, row := range rows {
		key := quotaKey(row.ConsumerID, row.ServiceID, month)
		if err := m.rdb.Set(ctx, key, row.UsedTokens, until).Err(); err != nil {
			return fmt.Errorf("%w: quota load set: %w", gateway.ErrCache, err)
		}
	}
	return nil
}

// parseQuotaKey splits "quota:{consumer}:{service}:{month}" back into its
// consumer and service components.
func parseQuotaKey(key string) (consumerID, serviceID string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 {
		return "", "", false
	}
	return parts[1], parts[2], true
}
