package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// InsertUsage persists a single billing event.
func (s *Store) InsertUsage(ctx context.Context, record gateway.UsageRecord) error {
	usage, err := json.Marshal(record.Usage)
	if err != nil {
		return fmt.Errorf("marshal usage: %w", err)
	}
	cost, err := json.Marshal(record.Cost)
	if err != nil {
		return fmt.Errorf("marshal cost: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, request_id, service_id, consumer_id, usage, cost, latency_ms, status_code, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID, record.RequestID, record.ServiceID, record.ConsumerID, usage, cost,
		record.LatencyMs, record.StatusCode, record.CreatedAt.UTC(),
	)
	return err
}

// periodWindow translates a "30d", "24h", "5m" style period string into a
// lower bound on created_at. An unrecognized period defaults to 30 days.
func periodWindow(period string) time.Time {
	d, err := parsePeriod(period)
	if err != nil {
		d = 30 * 24 * time.Hour
	}
	return time.Now().UTC().Add(-d)
}

func parsePeriod(period string) (time.Duration, error) {
	if period == "" {
		return 0, fmt.Errorf("empty period")
	}
	unit := period[len(period)-1]
	var scale time.Duration
	switch unit {
	case 's':
		scale = time.Second
	case 'm':
		scale = time.Minute
	case 'h':
		scale = time.Hour
	case 'd':
		scale = 24 * time.Hour
	default:
		return 0, fmt.Errorf("unrecognized period suffix in %q", period)
	}
	var n int64
	if _, err := fmt.Sscanf(period[:len(period)-1], "%d", &n); err != nil {
		return 0, err
	}
	return time.Duration(n) * scale, nil
}

// GetUsageStats aggregates usage_records over serviceID and period. An empty
// consumerID aggregates across every consumer of the service, used by the
// SLA monitor's service-wide error-rate and uptime checks.
func (s *Store) GetUsageStats(ctx context.Context, consumerID, serviceID, period string) (gateway.UsageStats, error) {
	since := periodWindow(period)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM((usage->>'total_tokens')::bigint), 0),
		COALESCE(SUM((cost->>'amount')::double precision), 0),
		COALESCE(AVG(latency_ms), 0),
		COALESCE(AVG(CASE WHEN status_code >= 400 THEN 1.0 ELSE 0.0 END), 0)
		FROM usage_records WHERE service_id = $1 AND created_at >= $2`
	args := []any{serviceID, since}

	if consumerID != "" {
		query += " AND consumer_id = $3"
		args = append(args, consumerID)
	}

	var stats gateway.UsageStats
	row := s.db.QueryRowContext(ctx, query, args...)
	if err := row.Scan(&stats.TotalRequests, &stats.TotalTokens, &stats.TotalCostUSD,
		&stats.AvgLatencyMs, &stats.ErrorRate); err != nil {
		return gateway.UsageStats{}, err
	}

	stats.ServiceID = serviceID
	stats.ConsumerID = consumerID
	stats.Period = period
	return stats, nil
}
