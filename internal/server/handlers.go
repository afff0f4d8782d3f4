package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

const defaultUsageDays = 30

// decodeJSON decodes the request body into v, writing a 400 ValidationError
// response and returning false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorContext(r.Context(), w, gateway.ErrValidation)
		return false
	}
	return true
}

// handleConsume mediates a single billable call to the named service. Auth,
// policy, rate limiting, and quota enforcement all happen inside
// Pipeline.Consume; this handler only decodes the request and translates the
// outcome to HTTP.
func (s *server) handleConsume(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")

	var req gateway.ConsumeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	resp, err := s.deps.Consumer.Consume(r.Context(), serviceID, &req, r)
	if err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQuota returns the caller's current quota snapshot for a service.
func (s *server) handleQuota(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeErrorContext(r.Context(), w, gateway.ErrAuthentication)
		return
	}

	status, err := s.deps.Quota.Check(r.Context(), identity.ConsumerID, serviceID, identity.Tier)
	if err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleUsage aggregates the caller's billing history for a service over the
// trailing N days (default 30, via ?days=).
func (s *server) handleUsage(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeErrorContext(r.Context(), w, gateway.ErrAuthentication)
		return
	}

	days := defaultUsageDays
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeErrorContext(r.Context(), w, gateway.ErrValidation)
			return
		}
		days = n
	}

	stats, err := s.deps.Usage.GetUsageStats(r.Context(), identity.ConsumerID, serviceID, strconv.Itoa(days)+"d")
	if err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleSLA returns the compliance snapshot for a service over the trailing
// N days. Unlike usage/quota, SLA compliance is service-wide, not
// per-consumer, so the caller only needs to be authenticated, not scoped.
func (s *server) handleSLA(w http.ResponseWriter, r *http.Request) {
	serviceID := chi.URLParam(r, "serviceId")

	service, err := s.deps.Services.GetService(r.Context(), serviceID)
	if err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}

	status, err := s.deps.SLA.GetStatus(r.Context(), service)
	if err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleCreateKey issues a new API key for the caller's own consumer_id. The
// plaintext secret is returned exactly once in the response body.
func (s *server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeErrorContext(r.Context(), w, gateway.ErrAuthentication)
		return
	}

	var req gateway.CreateApiKeyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ConsumerID = identity.ConsumerID

	resp, err := s.deps.Keys.CreateKey(r.Context(), req)
	if err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListKeys lists every key issued to the caller's own consumer_id.
func (s *server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeErrorContext(r.Context(), w, gateway.ErrAuthentication)
		return
	}

	keys, err := s.deps.Keys.ListKeys(r.Context(), identity.ConsumerID)
	if err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	if keys == nil {
		keys = []*gateway.APIKey{}
	}
	writeJSON(w, http.StatusOK, keys)
}

// handleDeleteKey revokes a key owned by the caller's own consumer_id.
func (s *server) handleDeleteKey(w http.ResponseWriter, r *http.Request) {
	keyID := chi.URLParam(r, "keyId")
	identity := gateway.IdentityFromContext(r.Context())
	if identity == nil {
		writeErrorContext(r.Context(), w, gateway.ErrAuthentication)
		return
	}

	if err := s.deps.Keys.RevokeKey(r.Context(), keyID, identity.ConsumerID); err != nil {
		writeErrorContext(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
