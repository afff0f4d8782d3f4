// Package gateway defines domain types and interfaces for the consumption
// gateway. This package has no project imports -- it is the dependency root.
package gateway

import (
	"context"
	"crypto/rand"
	"net/http"
	"time"
)

// --- Pricing ---

// PricingModelType selects how a service's usage is converted to cost.
type PricingModelType string

const (
	PricingPerToken     PricingModelType = "per_token"
	PricingPerRequest   PricingModelType = "per_request"
	PricingSubscription PricingModelType = "subscription"
	PricingUnknown      PricingModelType = "unknown"
)

// PricingModel describes how to price usage of a service.
type PricingModel struct {
	Type                    PricingModelType `json:"type" yaml:"type"`
	PromptTokenRate         float64          `json:"prompt_token_rate,omitempty" yaml:"prompt_token_rate,omitempty"`
	CompletionTokenRate     float64          `json:"completion_token_rate,omitempty" yaml:"completion_token_rate,omitempty"`
	PerRequestRate          float64          `json:"per_request_rate,omitempty" yaml:"per_request_rate,omitempty"`
	SubscriptionMonthlyRate float64          `json:"subscription_monthly_rate,omitempty" yaml:"subscription_monthly_rate,omitempty"`
	Currency                string           `json:"currency" yaml:"currency"`
}

// --- SLA ---

// SLAConfig defines the latency, error-rate, and availability targets a
// service must meet.
type SLAConfig struct {
	TimeoutMs          int64   `json:"timeout_ms" yaml:"timeout_ms"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"`
	WindowSeconds      int64   `json:"window_seconds" yaml:"window_seconds"`
	Availability       float64 `json:"availability" yaml:"availability"` // target uptime fraction, e.g. 0.999
}

// --- Service ---

// Service represents an upstream LLM endpoint mediated by the gateway.
type Service struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Endpoint     string       `json:"endpoint"`
	UpstreamAuth string       `json:"-"` // bearer token forwarded to Endpoint, never exposed
	TimeoutMs    int64        `json:"timeout_ms"`
	Pricing      PricingModel `json:"pricing"`
	SLA          SLAConfig    `json:"sla"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// --- Tier ---

// Tier names a consumer's service plan. Each tier carries fixed rate limit,
// burst capacity, and monthly token quota values.
type Tier string

const (
	TierBasic      Tier = "basic"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// tierLimits holds the fixed per-tier values. Enterprise tiers may still be
// overridden per-service by policy; these are the defaults applied when no
// override is present.
type tierLimits struct {
	rateLimit     int64 // requests per second
	burstCapacity int64
	quotaLimit    int64 // tokens per calendar month
}

var tierTable = map[Tier]tierLimits{
	TierBasic:      {rateLimit: 10, burstCapacity: 20, quotaLimit: 100_000},
	TierPremium:    {rateLimit: 50, burstCapacity: 100, quotaLimit: 1_000_000},
	TierEnterprise: {rateLimit: 200, burstCapacity: 500, quotaLimit: 10_000_000},
}

// RateLimit returns the sustained requests-per-second rate for the tier.
func (t Tier) RateLimit() int64 { return tierTable[t].rateLimit }

// BurstCapacity returns the token bucket capacity for the tier.
func (t Tier) BurstCapacity() int64 { return tierTable[t].burstCapacity }

// QuotaLimit returns the monthly token quota for the tier.
func (t Tier) QuotaLimit() int64 { return tierTable[t].quotaLimit }

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierTable[t]
	return ok
}

// --- API keys ---

// APIKeyPrefix is the prefix for all plaintext consumption gateway keys.
const APIKeyPrefix = "llm_mk_"

// apiKeySecretLen is the number of random alphanumeric characters following
// APIKeyPrefix. Total plaintext length is len(APIKeyPrefix) + apiKeySecretLen.
const apiKeySecretLen = 48

const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateAPIKeySecret returns a new random plaintext API key with the
// "llm_mk_" prefix and 48 random alphanumeric characters.
func GenerateAPIKeySecret() (string, error) {
	buf := make([]byte, apiKeySecretLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, apiKeySecretLen)
	for i, b := range buf {
		out[i] = apiKeyAlphabet[int(b)%len(apiKeyAlphabet)]
	}
	return APIKeyPrefix + string(out), nil
}

// APIKey represents an issued consumption gateway key. The plaintext secret
// is returned once at creation time and never stored; KeyHash and
// LookupPrefix are the only persisted derivatives.
type APIKey struct {
	ID           string     `json:"id"`
	ConsumerID   string     `json:"consumer_id"`
	ServiceID    string     `json:"service_id"`
	Tier         Tier       `json:"tier"`
	KeyHash      string     `json:"-"` // encoded Argon2id hash
	LookupPrefix string     `json:"-"` // hex HMAC-SHA256(secret) prefix, indexed
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt   *time.Time `json:"last_used_at,omitempty"`
}

// Revoked reports whether the key has been revoked.
func (k *APIKey) Revoked() bool { return k.RevokedAt != nil }

// Expired reports whether the key has passed its expiry time.
func (k *APIKey) Expired() bool { return k.ExpiresAt != nil && k.ExpiresAt.Before(time.Now()) }

// Valid reports whether the key may still be used to authenticate.
func (k *APIKey) Valid() bool { return !k.Revoked() && !k.Expired() }

// --- Identity ---

// Identity is the authenticated caller context attached to the request
// context by the API key authenticator.
type Identity struct {
	ConsumerID string `json:"consumer_id"`
	ServiceID  string `json:"service_id"`
	Tier       Tier   `json:"tier"`
	KeyID      string `json:"key_id"`
}

// --- Consume request/response ---

// ConsumeRequest is the caller-supplied payload for a consumption call.
type ConsumeRequest struct {
	Prompt      string            `json:"prompt"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Temperature float64           `json:"temperature,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// UsageInfo reports token consumption for a single upstream call.
type UsageInfo struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	Estimated        bool  `json:"estimated,omitempty"` // true when len/4 fallback was used
}

// CostInfo is the priced cost of a single upstream call, reconstructable
// from a UsageRecord alone.
type CostInfo struct {
	Amount    float64            `json:"amount"`
	Currency  string             `json:"currency"`
	Breakdown map[string]float64 `json:"breakdown,omitempty"`
}

// ConsumeResponse is returned to the caller on a successful pipeline run.
type ConsumeResponse struct {
	RequestID string    `json:"request_id"`
	Content   string    `json:"content"`
	Usage     UsageInfo `json:"usage"`
	Cost      CostInfo  `json:"cost"`
	LatencyMs int64     `json:"latency_ms"`
}

// --- Usage records ---

// UsageRecord is a single persisted billing event.
type UsageRecord struct {
	ID         string    `json:"id"`
	RequestID  string    `json:"request_id"`
	ServiceID  string    `json:"service_id"`
	ConsumerID string    `json:"consumer_id"`
	Usage      UsageInfo `json:"usage"`
	Cost       CostInfo  `json:"cost"`
	LatencyMs  int64     `json:"latency_ms"`
	StatusCode int       `json:"status_code"`
	CreatedAt  time.Time `json:"created_at"`
}

// UsageStats aggregates UsageRecords for a consumer/service over a period.
type UsageStats struct {
	ServiceID     string  `json:"service_id"`
	ConsumerID    string  `json:"consumer_id"`
	TotalRequests int64   `json:"total_requests"`
	TotalTokens   int64   `json:"total_tokens"`
	TotalCostUSD  float64 `json:"total_cost_usd"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
	Period        string  `json:"period"` // e.g. "2026-07"
}

// --- Rate limiting & quota ---

// RateLimitStatus is the outcome of a token bucket check.
type RateLimitStatus struct {
	Allowed           bool    `json:"allowed"`
	Limit             int64   `json:"limit"`
	Remaining         int64   `json:"remaining"`
	RetryAfterSeconds float64 `json:"retry_after_seconds,omitempty"`
}

// QuotaStatus reports a consumer's monthly token usage against their tier quota.
type QuotaStatus struct {
	ConsumerID  string    `json:"consumer_id"`
	ServiceID   string    `json:"service_id"`
	Tier        Tier      `json:"tier"`
	UsedTokens  int64     `json:"used_tokens"`
	TotalTokens int64     `json:"total_tokens"`
	ResetAt     time.Time `json:"reset_at"`
}

// Exceeded reports whether usage has reached the quota limit.
func (q QuotaStatus) Exceeded() bool { return q.UsedTokens >= q.TotalTokens }

// --- SLA monitoring ---

// SLAViolation records a single latency or error-rate breach.
type SLAViolation struct {
	ServiceID string    `json:"service_id"`
	Metric    string    `json:"metric"` // "latency_ms" or "error_rate"
	Threshold float64   `json:"threshold"`
	Actual    float64   `json:"actual"`
	Severity  string    `json:"severity"` // "warning" or "critical"
	Timestamp time.Time `json:"timestamp"`
}

// SLAStatus is the current compliance snapshot for a service.
type SLAStatus struct {
	ServiceID          string    `json:"service_id"`
	LatencyCompliant   bool      `json:"latency_compliant"`
	ErrorRateCompliant bool      `json:"error_rate_compliant"`
	UptimeCompliant    bool      `json:"uptime_compliant"`
	OverallCompliant   bool      `json:"overall_compliant"`
	AvgLatencyMs       float64   `json:"avg_latency_ms"`
	ErrorRate          float64   `json:"error_rate"`
	UptimePercent      float64   `json:"uptime_percent"`
	ViolationCount     int64     `json:"violation_count"`
	CheckedAt          time.Time `json:"checked_at"`
}

// --- API key admin surface ---

// CreateApiKeyRequest is the admin request to provision a new key.
type CreateApiKeyRequest struct {
	ConsumerID    string `json:"consumer_id"`
	ServiceID     string `json:"service_id"`
	Tier          Tier   `json:"tier"`
	ExpiresInDays *int   `json:"expires_in_days,omitempty"`
}

// ApiKeyResponse is returned once at creation time; PlaintextKey is never
// retrievable afterwards.
type ApiKeyResponse struct {
	ID           string     `json:"id"`
	ConsumerID   string     `json:"consumer_id"`
	ServiceID    string     `json:"service_id"`
	Tier         Tier       `json:"tier"`
	PlaintextKey string     `json:"plaintext_key,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
// The Identity field is set later by the authenticate middleware via mutation
// of the same pointer, avoiding a second context.WithValue + Request.WithContext.
type requestMeta struct {
	RequestID string
	Identity  *Identity
}

// metaFromContext returns the requestMeta stored in ctx, or nil.
func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// IdentityFromContext extracts the authenticated identity from context.
func IdentityFromContext(ctx context.Context) *Identity {
	if m := metaFromContext(ctx); m != nil {
		return m.Identity
	}
	return nil
}

// ContextWithIdentity stores the identity in the existing requestMeta if present,
// avoiding a new context.WithValue allocation. Falls back to creating new metadata
// if none exists (e.g., in tests).
func ContextWithIdentity(ctx context.Context, id *Identity) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Identity = id
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Identity: id})
}

// RequestIDFromContext extracts the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// --- Authenticator interface ---

// Authenticator validates request credentials and returns the caller identity.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*Identity, error)
}
