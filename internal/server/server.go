// Package server implements the HTTP transport layer for the consumption
// gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Consumer drives the Consume pipeline for a single billable request.
type Consumer interface {
	Consume(ctx context.Context, serviceID string, req *gateway.ConsumeRequest, httpReq *http.Request) (*gateway.ConsumeResponse, error)
}

// QuotaReader resolves the current quota snapshot for a consumer/service pair.
type QuotaReader interface {
	Check(ctx context.Context, consumerID, serviceID string, tier gateway.Tier) (gateway.QuotaStatus, error)
}

// UsageReader aggregates historical billing events.
type UsageReader interface {
	GetUsageStats(ctx context.Context, consumerID, serviceID, period string) (gateway.UsageStats, error)
}

// KeyIssuer creates, lists, and revokes API keys.
type KeyIssuer interface {
	CreateKey(ctx context.Context, req gateway.CreateApiKeyRequest) (*gateway.ApiKeyResponse, error)
	ListKeys(ctx context.Context, consumerID string) ([]*gateway.APIKey, error)
	RevokeKey(ctx context.Context, keyID, consumerID string) error
}

// SLAReader evaluates a service's compliance snapshot.
type SLAReader interface {
	GetStatus(ctx context.Context, service *gateway.Service) (gateway.SLAStatus, error)
}

// ServiceResolver looks up a registered service by ID.
type ServiceResolver interface {
	GetService(ctx context.Context, id string) (*gateway.Service, error)
}

// Authenticator resolves the caller's identity from an inbound request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
}

// Deps holds every dependency the HTTP server wires into its routes.
type Deps struct {
	Auth     Authenticator
	Consumer Consumer
	Quota    QuotaReader
	Usage    UsageReader
	Keys     KeyIssuer
	SLA      SLAReader
	Services ServiceResolver

	RateLimiter RateLimitResetter // nil = no rate-limit reset endpoint
	QuotaReset  QuotaResetter     // nil = no quota reset endpoint
	Registry    RegistryReader    // nil = no registry introspection endpoint

	Metrics        *telemetry.Metrics // nil = no request metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// /consume authenticates inside the pipeline itself (stage 1), so it
		// deliberately skips the authenticate middleware below.
		r.Post("/consume/{serviceId}", s.handleConsume)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Get("/quota/{serviceId}", s.handleQuota)
			r.Get("/usage/{serviceId}", s.handleUsage)
			r.Get("/sla/{serviceId}", s.handleSLA)
			r.Post("/keys", s.handleCreateKey)
			r.Get("/keys", s.handleListKeys)
			r.Delete("/keys/{keyId}", s.handleDeleteKey)
			s.registerAdminRoutes(r)
		})
	})

	return r
}

type server struct {
	deps Deps
}
