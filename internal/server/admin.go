package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/upstream"
)

// RateLimitResetter clears a consumer/service token bucket outside its
// normal refill schedule.
type RateLimitResetter interface {
	Reset(ctx context.Context, consumerID, serviceID string) error
}

// QuotaResetter clears a consumer/service's quota counter for the current
// period.
type QuotaResetter interface {
	Reset(ctx context.Context, consumerID, serviceID string) error
}

// RegistryReader exposes the registry's read surface for introspection.
type RegistryReader interface {
	GetServiceRegistryInfo(ctx context.Context, serviceID string) (*upstream.ServiceRegistryInfo, error)
}

// registerAdminRoutes wires the reset/introspection operations ported from
// the original rate_limiter.rs/quota_manager.rs admin surface. Unlike the
// teacher's RBAC-gated admin API, this gateway's Identity carries no
// permission tier, so these operations are scoped to the authenticated
// caller's own consumer_id rather than gated by role -- a consumer can clear
// its own bucket/counter, not anyone else's.
func (s *server) registerAdminRoutes(r chi.Router) {
	if s.deps.RateLimiter != nil {
		r.Post("/admin/ratelimit/reset/{serviceId}", s.handleResetRateLimit)
	}
	if s.deps.QuotaReset != nil {
		r.Post("/admin/quota/reset/{serviceId}", s.handleResetQuota)
	}
	if s.deps.Registry != nil {
		r.Get("/admin/registry/{serviceId}", s.handleRegistryInfo)
	}
}

func (s *server) handleResetRateLimit(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeErrorContext(r.Context(), w, gateway.ErrAuthentication)
		return
	}

	if err := s.deps.RateLimiter.Reset(r.Context(), identity.ConsumerID, serviceID); err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleResetQuota(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeErrorContext(r.Context(), w, gateway.ErrAuthentication)
		return
	}

	if err := s.deps.QuotaReset.Reset(r.Context(), identity.ConsumerID, serviceID); err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRegistryInfo surfaces the upstream registry's record of a service,
// a plain metadata read rather than a gating check (see internal/upstream's
// RegistryClient doc comment): a nil, nil result means the registry simply
// has no record, which is a 404, not a fail-open allow.
func (s *server) handleRegistryInfo(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")

	info, err := s.deps.Registry.GetServiceRegistryInfo(r.Context(), serviceID)
	if err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	if info == nil {
		writeErrorContext(r.Context(), w, gateway.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
