// Package costmeter computes the billable cost of a unit of usage and
// records it to the durable usage store.
package costmeter

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/storage"
	"github.com/llm-dev-ops/marketplace/internal/telemetry"
)

// Meter computes cost and persists usage records.
type Meter struct {
	store   storage.UsageStore
	metrics *telemetry.Metrics
}

// New returns a Meter backed by store. metrics may be nil, in which case
// per-request token counters are not recorded.
func New(store storage.UsageStore, metrics *telemetry.Metrics) *Meter {
	return &Meter{store: store, metrics: metrics}
}

// Compute converts usage into a cost under pricing. breakdown always
// preserves the inputs and applied rate so it is reconstructable from the
// UsageRecord alone, without re-reading the service's pricing config.
func Compute(pricing gateway.PricingModel, usage gateway.UsageInfo) gateway.CostInfo {
	currency := pricing.Currency
	if currency == "" {
		currency = "USD"
	}

	switch pricing.Type {
	case gateway.PricingPerToken:
		amount := float64(usage.TotalTokens) * pricing.PromptTokenRate
		return gateway.CostInfo{
			Amount:   amount,
			Currency: currency,
			Breakdown: map[string]float64{
				"prompt_tokens":     float64(usage.PromptTokens),
				"completion_tokens": float64(usage.CompletionTokens),
				"total_tokens":      float64(usage.TotalTokens),
				"rate_per_token":    pricing.PromptTokenRate,
			},
		}
	case gateway.PricingPerRequest:
		return gateway.CostInfo{
			Amount:   pricing.PerRequestRate,
			Currency: currency,
			Breakdown: map[string]float64{
				"requests":           1,
				"rate_per_request":   pricing.PerRequestRate,
			},
		}
	case gateway.PricingSubscription:
		return gateway.CostInfo{
			Amount:   0,
			Currency: currency,
			Breakdown: map[string]float64{
				"subscription_monthly_rate": pricing.SubscriptionMonthlyRate,
			},
		}
	default:
		return gateway.CostInfo{
			Amount:    0,
			Currency:  currency,
			Breakdown: map[string]float64{"unknown_pricing_model": 1},
		}
	}
}

// Record computes cost for usage and appends a UsageRecord to the durable
// store. Callers treat failures as best-effort: log and swallow, per the
// pipeline's stage 6-9 contract.
func (m *Meter) Record(ctx context.Context, requestID string, service *gateway.Service, consumerID string, usage gateway.UsageInfo, latencyMs int64, statusCode int) (gateway.UsageRecord, error) {
	cost := Compute(service.Pricing, usage)

	record := gateway.UsageRecord{
		ID:         requestID,
		RequestID:  requestID,
		ServiceID:  service.ID,
		ConsumerID: consumerID,
		Usage:      usage,
		Cost:       cost,
		LatencyMs:  latencyMs,
		StatusCode: statusCode,
		CreatedAt:  time.Now(),
	}

	if err := m.store.InsertUsage(ctx, record); err != nil {
		return record, fmt.Errorf("%w: insert usage record: %w", gateway.ErrDatabase, err)
	}

	if m.metrics != nil {
		m.metrics.TokensProcessed.WithLabelValues(service.ID, "prompt").Add(float64(usage.PromptTokens))
		m.metrics.TokensProcessed.WithLabelValues(service.ID, "completion").Add(float64(usage.CompletionTokens))
	}

	return record, nil
}

// GetUsageStats aggregates usage records for a consumer/service pair over
// period (e.g. "30d"); the aggregation runs as a single SQL query against the
// durable store, not in process memory.
func (m *Meter) GetUsageStats(ctx context.Context, consumerID, serviceID, period string) (gateway.UsageStats, error) {
	stats, err := m.store.GetUsageStats(ctx, consumerID, serviceID, period)
	if err != nil {
		return gateway.UsageStats{}, fmt.Errorf("%w: get usage stats: %w", gateway.ErrDatabase, err)
	}
	return stats, nil
}
