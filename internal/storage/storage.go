// Package storage defines persistence interfaces for the consumption gateway.
package storage

import (
	"context"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// ServiceStore manages upstream service configuration persistence.
type ServiceStore interface {
	CreateService(ctx context.Context, s *gateway.Service) error
	GetService(ctx context.Context, id string) (*gateway.Service, error)
	ListServices(ctx context.Context) ([]*gateway.Service, error)
	UpdateService(ctx context.Context, s *gateway.Service) error
	DeleteService(ctx context.Context, id string) error
}

// APIKeyStore manages API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *gateway.APIKey) error
	// GetKeyByLookupPrefix returns candidate keys sharing a lookup prefix.
	// More than one may be returned on a hash collision; the caller verifies
	// the Argon2id hash of each before accepting a match.
	GetKeyByLookupPrefix(ctx context.Context, prefix string) ([]*gateway.APIKey, error)
	ListKeys(ctx context.Context, consumerID string) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, id, consumerID string) error
	TouchKeyUsed(ctx context.Context, id string) error
}

// UsageStore persists and aggregates billing events.
type UsageStore interface {
	InsertUsage(ctx context.Context, record gateway.UsageRecord) error
	// GetUsageStats aggregates over serviceID and period (e.g. "30d", "5m").
	// An empty consumerID aggregates across every consumer of the service,
	// used by the SLA monitor's service-wide error-rate and uptime checks.
	GetUsageStats(ctx context.Context, consumerID, serviceID, period string) (gateway.UsageStats, error)
}

// QuotaStore persists monthly quota counters, keyed by (consumer, service, month).
type QuotaStore interface {
	UpsertQuotaUsage(ctx context.Context, consumerID, serviceID, month string, usedTokens int64) error
	LoadQuotaUsage(ctx context.Context, month string) ([]QuotaUsageRow, error)
}

// QuotaUsageRow is a single persisted quota counter.
type QuotaUsageRow struct {
	ConsumerID string
	ServiceID  string
	UsedTokens int64
}

// SLAStore persists SLA violation records for audit and reporting.
type SLAStore interface {
	InsertSLAViolation(ctx context.Context, v gateway.SLAViolation) error
	ListSLAViolations(ctx context.Context, serviceID string, since int64) ([]gateway.SLAViolation, error)
}

// Store combines all storage interfaces backing the gateway.
type Store interface {
	ServiceStore
	APIKeyStore
	UsageStore
	QuotaStore
	SLAStore
	Close() error
}
