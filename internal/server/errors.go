package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// errorCode maps a sentinel error to the taxonomy code serialized to
// clients, in the same order gateway.ErrorStatus walks the taxonomy.
var errorCodes = []struct {
	err  error
	code string
}{
	{gateway.ErrValidation, "ValidationError"},
	{gateway.ErrAuthentication, "AuthenticationError"},
	{gateway.ErrKeyExpired, "AuthenticationError"},
	{gateway.ErrKeyBlocked, "AuthenticationError"},
	{gateway.ErrAuthorization, "AuthorizationError"},
	{gateway.ErrPolicyViolation, "PolicyViolation"},
	{gateway.ErrNotFound, "NotFound"},
	{gateway.ErrConflict, "Conflict"},
	{gateway.ErrBusinessRule, "BusinessRuleError"},
	{gateway.ErrRateLimited, "RateLimitExceeded"},
	{gateway.ErrQuotaExceeded, "QuotaExceeded"},
	{gateway.ErrTimeout, "Timeout"},
	{gateway.ErrServiceUnavailable, "ServiceUnavailable"},
	{gateway.ErrExternalService, "ExternalServiceError"},
	{gateway.ErrDatabase, "DatabaseError"},
	{gateway.ErrCache, "CacheError"},
	{gateway.ErrConfiguration, "ConfigurationError"},
	{gateway.ErrInternal, "InternalError"},
}

func errorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return "InternalError"
}

// apiError is the JSON body returned for every non-2xx response.
type apiError struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Status     int    `json:"status"`
	RetryAfter *int64 `json:"retry_after,omitempty"`
}

func errorBody(err error, message string) apiError {
	return apiError{
		Error:   errorCode(err),
		Message: message,
		Status:  gateway.ErrorStatus(err),
	}
}

// writeError classifies err via the gateway taxonomy, logs non-operational
// failures at a higher severity, and writes the corresponding JSON body.
// Internal details (paths, credentials, stack traces) never reach the
// message field.
func writeError(w http.ResponseWriter, err error) {
	writeErrorContext(context.Background(), w, err)
}

// writeErrorContext is writeError with an explicit context for logging.
func writeErrorContext(ctx context.Context, w http.ResponseWriter, err error) {
	status := gateway.ErrorStatus(err)
	body := errorBody(err, sanitizedMessage(err))

	if status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable {
		retryAfter := int64(1)
		var retryable *gateway.RetryableError
		if errors.As(err, &retryable) {
			retryAfter = retryable.RetryAfter
		}
		body.RetryAfter = &retryAfter
		w.Header()["Retry-After"] = []string{strconv.FormatInt(retryAfter, 10)}
	}

	if !gateway.IsOperational(err) {
		slog.LogAttrs(ctx, slog.LevelError, "non-operational error", slog.String("error", err.Error()))
	}

	writeJSON(w, status, body)
}

// sanitizedMessage returns a client-safe message: the taxonomy's generic
// status text for non-operational errors (which may wrap internal detail),
// the error text itself for operational ones (already domain-safe).
func sanitizedMessage(err error) string {
	if gateway.IsOperational(err) {
		return err.Error()
	}
	return http.StatusText(gateway.ErrorStatus(err))
}

var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode response", "error", err)
		return
	}
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	w.Write(data)
}
