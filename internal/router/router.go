// Package router dispatches consumption requests to upstream LLM services
// over HTTP, with retry/backoff and circuit-breaker gating, and extracts
// token usage from the upstream response.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/circuitbreaker"
	"github.com/llm-dev-ops/marketplace/internal/telemetry"
	"github.com/llm-dev-ops/marketplace/internal/upstream"
	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
)

const maxAttempts = 3

// Result is the outcome of a successful dispatch: the raw upstream body, the
// extracted usage, and observed latency.
type Result struct {
	Body      json.RawMessage
	Usage     gateway.UsageInfo
	LatencyMs int64
}

// Router routes requests to a Service's upstream endpoint.
type Router struct {
	client   *http.Client
	breakers *circuitbreaker.Registry
	resolver *dnscache.Resolver
	metrics  *telemetry.Metrics
	registry *upstream.RegistryClient
	verified sync.Map // service ID -> struct{}, registry verification cache
}

// New returns a Router with a connection-pooled, DNS-cached transport and a
// per-service circuit breaker registry using the default breaker config.
// metrics may be nil, in which case breaker state and rejection counters are
// not recorded. registry may be nil, in which case a Service's registered
// status is never checked (no LLM_REGISTRY_URL configured).
func New(metrics *telemetry.Metrics, registry *upstream.RegistryClient) *Router {
	resolver := &dnscache.Resolver{}
	return &Router{
		client:   &http.Client{Transport: newTransport(resolver)},
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		resolver: resolver,
		metrics:  metrics,
		registry: registry,
	}
}

func newTransport(resolver *dnscache.Resolver) *http.Transport {
	return &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		},
	}
}

// Dispatch routes req to service.Endpoint, retrying retryable failures with
// exponential backoff, gated by a per-service circuit breaker. The outer ctx
// deadline (if any) is respected across all attempts; each attempt also gets
// its own timeout of service.TimeoutMs.
func (r *Router) Dispatch(ctx context.Context, service *gateway.Service, req *gateway.ConsumeRequest, requestID, consumerID string) (*Result, error) {
	if err := r.ensureRegistered(ctx, service); err != nil {
		return nil, err
	}

	breaker := r.breakers.GetOrCreate(service.ID)
	if !breaker.Allow() {
		r.recordBreakerState(service.ID, breaker.State())
		if r.metrics != nil {
			r.metrics.CircuitBreakerRejects.WithLabelValues(service.ID).Inc()
		}
		return nil, &gateway.RetryableError{
			Err:        fmt.Errorf("%w: circuit open for service %s", gateway.ErrServiceUnavailable, service.ID),
			RetryAfter: int64(breaker.ResetTimeout().Seconds()),
		}
	}

	payload, err := json.Marshal(struct {
		Prompt      string            `json:"prompt"`
		MaxTokens   int               `json:"max_tokens"`
		Temperature float64           `json:"temperature"`
		Metadata    map[string]string `json:"metadata,omitempty"`
	}{
		Prompt:      req.Prompt,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Metadata:    req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request body: %w", gateway.ErrValidation, err)
	}

	var lastErr error
	start := time.Now()
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result, err := r.attempt(ctx, service, payload, requestID, consumerID)
		if err == nil {
			breaker.RecordSuccess()
			r.recordBreakerState(service.ID, breaker.State())
			result.LatencyMs = time.Since(start).Milliseconds()
			return result, nil
		}

		lastErr = err
		if !retryable(err) {
			breaker.RecordError()
			r.recordBreakerState(service.ID, breaker.State())
			return nil, err
		}
		breaker.RecordError()
		r.recordBreakerState(service.ID, breaker.State())

		if attempt < maxAttempts {
			delay := time.Duration(100*(1<<(attempt-1))) * time.Millisecond
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %w", gateway.ErrTimeout, ctx.Err())
			}
		}
	}

	return nil, fmt.Errorf("%w: upstream failed after %d attempts: %w", gateway.ErrExternalService, maxAttempts, lastErr)
}

func (r *Router) attempt(ctx context.Context, service *gateway.Service, payload []byte, requestID, consumerID string) (*Result, error) {
	timeout := time.Duration(service.TimeoutMs) * time.Millisecond
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, service.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build upstream request: %w", gateway.ErrInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Request-ID", requestID)
	httpReq.Header.Set("X-Consumer-ID", consumerID)
	if service.UpstreamAuth != "" {
		httpReq.Header.Set("Authorization", "Bearer "+service.UpstreamAuth)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read upstream response: %w", gateway.ErrExternalService, err)
	}

	if resp.StatusCode >= 300 {
		return nil, &statusError{status: resp.StatusCode, body: string(body)}
	}

	return &Result{
		Body:  json.RawMessage(body),
		Usage: extractUsage(body),
	}, nil
}

// ensureRegistered validates service against the registry once and caches
// the result; a no-op if the Router was built without a registry client.
// Unlike policy/shield gating this does not fail open: a metadata read that
// errors or finds no record is surfaced to the caller.
func (r *Router) ensureRegistered(ctx context.Context, service *gateway.Service) error {
	if r.registry == nil {
		return nil
	}
	if _, ok := r.verified.Load(service.ID); ok {
		return nil
	}

	info, err := r.registry.GetServiceRegistryInfo(ctx, service.ID)
	if err != nil {
		return fmt.Errorf("%w: registry lookup for service %s: %w", gateway.ErrExternalService, service.ID, err)
	}
	if info == nil {
		return fmt.Errorf("%w: service %s not registered", gateway.ErrValidation, service.ID)
	}

	r.verified.Store(service.ID, struct{}{})
	return nil
}

// recordBreakerState publishes the current breaker state as a gauge, a
// no-op if the Router was built without metrics.
func (r *Router) recordBreakerState(serviceID string, state circuitbreaker.State) {
	if r.metrics == nil {
		return
	}
	r.metrics.CircuitBreakerState.WithLabelValues(serviceID).Set(float64(state))
}

// statusError carries an upstream HTTP status code for retryable classification.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("upstream returned status %d: %s", e.status, e.body)
}

func classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", gateway.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %w", gateway.ErrExternalService, err)
}

// retryable reports whether err should trigger another attempt: any
// transport-level failure, a timeout, or an HTTP 5xx/429 response. 4xx other
// than 429 is terminal.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.status == http.StatusTooManyRequests || se.status >= 500
	}
	return errors.Is(err, gateway.ErrTimeout) || errors.Is(err, gateway.ErrExternalService)
}

// extractUsage reads usage.{prompt_tokens,completion_tokens,total_tokens}
// from the upstream response. If absent, it estimates total_tokens as
// len(body)/4 and marks the result Estimated so callers can surface a
// warning for upstream services that don't report usage.
func extractUsage(body []byte) gateway.UsageInfo {
	usage := gjson.GetBytes(body, "usage")
	if usage.Exists() && usage.IsObject() {
		prompt := usage.Get("prompt_tokens").Int()
		completion := usage.Get("completion_tokens").Int()
		total := usage.Get("total_tokens")
		totalTokens := prompt + completion
		if total.Exists() {
			totalTokens = total.Int()
		}
		return gateway.UsageInfo{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      totalTokens,
		}
	}

	estimated := int64(len(body) / 4)
	return gateway.UsageInfo{
		CompletionTokens: estimated,
		TotalTokens:      estimated,
		Estimated:        true,
	}
}
