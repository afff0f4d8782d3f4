package gateway

import (
	"errors"
	"net/http"
)

// Sentinel errors for the gateway domain. Each maps to an HTTP status and an
// operational classification via ErrorStatus / IsOperational below.
var (
	ErrValidation       = errors.New("validation error")
	ErrAuthentication   = errors.New("authentication error")
	ErrAuthorization    = errors.New("authorization error")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrBusinessRule     = errors.New("business rule violation")
	ErrRateLimited      = errors.New("rate limit exceeded")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrInternal         = errors.New("internal error")
	ErrDatabase         = errors.New("database error")
	ErrCache            = errors.New("cache error")
	ErrExternalService  = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout          = errors.New("timeout")
	ErrConfiguration    = errors.New("configuration error")
	ErrPolicyViolation  = errors.New("policy violation")

	// ErrKeyExpired and ErrKeyBlocked are finer-grained authentication
	// failures; both classify as ErrAuthentication for status/operational
	// purposes.
	ErrKeyExpired = errors.New("api key expired")
	ErrKeyBlocked = errors.New("api key revoked")
)

// RetryableError wraps a sentinel error with a concrete retry-after duration,
// in seconds, that the HTTP layer should surface as a Retry-After header and
// a retry_after body field. errors.Is/errors.As still see through to the
// wrapped sentinel via Unwrap.
type RetryableError struct {
	Err        error
	RetryAfter int64
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// errorClass describes the HTTP status and operational classification for
// one sentinel in the taxonomy. "Operational" errors are expected runtime
// conditions (bad input, exhausted quota, upstream 5xx); non-operational
// errors indicate a bug or unrecoverable environment fault and should page.
type errorClass struct {
	status      int
	operational bool
}

var errorTable = []struct {
	err error
	errorClass
}{
	{ErrValidation, errorClass{http.StatusBadRequest, true}},
	{ErrAuthentication, errorClass{http.StatusUnauthorized, true}},
	{ErrKeyExpired, errorClass{http.StatusUnauthorized, true}},
	{ErrKeyBlocked, errorClass{http.StatusUnauthorized, true}},
	{ErrAuthorization, errorClass{http.StatusForbidden, true}},
	{ErrPolicyViolation, errorClass{http.StatusForbidden, true}},
	{ErrNotFound, errorClass{http.StatusNotFound, true}},
	{ErrConflict, errorClass{http.StatusConflict, true}},
	{ErrBusinessRule, errorClass{http.StatusUnprocessableEntity, true}},
	{ErrRateLimited, errorClass{http.StatusTooManyRequests, true}},
	{ErrQuotaExceeded, errorClass{http.StatusPaymentRequired, true}},
	{ErrTimeout, errorClass{http.StatusGatewayTimeout, true}},
	{ErrServiceUnavailable, errorClass{http.StatusServiceUnavailable, true}},
	{ErrExternalService, errorClass{http.StatusBadGateway, true}},
	{ErrDatabase, errorClass{http.StatusInternalServerError, false}},
	{ErrCache, errorClass{http.StatusInternalServerError, false}},
	{ErrConfiguration, errorClass{http.StatusInternalServerError, false}},
	{ErrInternal, errorClass{http.StatusInternalServerError, false}},
}

// ErrorStatus maps err to its HTTP status code via the taxonomy above,
// walking the errors.Is chain. Unrecognized errors default to 500.
func ErrorStatus(err error) int {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// IsOperational reports whether err represents an expected runtime condition
// rather than a bug or environment fault. Unrecognized errors are treated as
// non-operational so they surface loudly rather than being silently logged
// at a low level.
func IsOperational(err error) bool {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.operational
		}
	}
	return false
}
