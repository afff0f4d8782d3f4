// Package pipeline implements the Consume orchestration: the single
// request path every billable call to an upstream service traverses.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/analytics"
	"github.com/llm-dev-ops/marketplace/internal/costmeter"
	"github.com/llm-dev-ops/marketplace/internal/router"
	"github.com/llm-dev-ops/marketplace/internal/telemetry"
	"github.com/llm-dev-ops/marketplace/internal/upstream"
)

// Authenticator resolves the caller's identity from an inbound request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error)
}

// ServiceResolver looks up a registered Service by id.
type ServiceResolver interface {
	GetService(ctx context.Context, id string) (*gateway.Service, error)
}

// PolicyValidator gates a request against organizational policy.
type PolicyValidator interface {
	Validate(ctx context.Context, consumerID string, service *gateway.Service, req *gateway.ConsumeRequest, ipAddress, userAgent string) (*upstream.ValidationResult, error)
}

// RateLimiter checks and decrements the consumer's token bucket.
type RateLimiter interface {
	Check(ctx context.Context, consumerID, serviceID string, tier gateway.Tier) (gateway.RateLimitStatus, error)
}

// QuotaChecker reads and updates the consumer's monthly quota counter.
type QuotaChecker interface {
	Check(ctx context.Context, consumerID, serviceID string, tier gateway.Tier) (gateway.QuotaStatus, error)
	Update(ctx context.Context, consumerID, serviceID string, usage gateway.UsageInfo) error
}

// Dispatcher routes a request to the upstream service.
type Dispatcher interface {
	Dispatch(ctx context.Context, service *gateway.Service, req *gateway.ConsumeRequest, requestID, consumerID string) (*router.Result, error)
}

// CostRecorder persists a billing record for a completed dispatch.
type CostRecorder interface {
	Record(ctx context.Context, requestID string, service *gateway.Service, consumerID string, usage gateway.UsageInfo, latencyMs int64, statusCode int) (gateway.UsageRecord, error)
}

// SLAChecker evaluates a completed request against its service's SLA.
type SLAChecker interface {
	CheckLatency(ctx context.Context, service *gateway.Service, latencyMs int64) *gateway.SLAViolation
	CheckErrorRateAsync(ctx context.Context, serviceID string)
}

// AnalyticsSender fans out a best-effort event.
type AnalyticsSender interface {
	Send(event analytics.Event)
}

// ShieldScanner performs a real-time content scan ahead of dispatch. It is
// optional: a Pipeline built with a nil ShieldScanner skips scanning
// entirely rather than treating an unconfigured shield as a rejection.
type ShieldScanner interface {
	ScanContent(ctx context.Context, content, contentType, serviceID, consumerID string) *upstream.ScanResult
}

// Pipeline drives a single Consume call through every stage in order.
type Pipeline struct {
	auth      Authenticator
	services  ServiceResolver
	policy    PolicyValidator
	limiter   RateLimiter
	quota     QuotaChecker
	router    Dispatcher
	cost      CostRecorder
	sla       SLAChecker
	analytics AnalyticsSender
	shield    ShieldScanner
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// New assembles a Pipeline from its collaborators. Every parameter is an
// interface declared above; production wiring supplies the Redis/Postgres/
// HTTP-backed concrete types, tests supply fakes. shield and metrics may
// both be nil: a nil shield skips content scanning entirely (no
// LLM_SHIELD_URL configured), and a nil metrics skips rate limit rejection
// counters. Stage boundaries get their own child span whenever
// go.opentelemetry.io/otel's global tracer provider is configured (see
// internal/telemetry.SetupTracing); with no provider configured, Start
// returns a no-op span and the calls below are free.
func New(auth Authenticator, services ServiceResolver, policy PolicyValidator, limiter RateLimiter, quota QuotaChecker, dispatcher Dispatcher, cost CostRecorder, sla SLAChecker, analyticsSender AnalyticsSender, shield ShieldScanner, metrics *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		auth:      auth,
		services:  services,
		policy:    policy,
		limiter:   limiter,
		quota:     quota,
		router:    dispatcher,
		cost:      cost,
		sla:       sla,
		analytics: analyticsSender,
		shield:    shield,
		metrics:   metrics,
		tracer:    telemetry.Tracer("gandalf/pipeline"),
	}
}

// Consume runs stages 1-5 (auth, policy, rate-limit, quota, dispatch) in
// strict order, short-circuiting on the first rejection. On success it
// spawns stages 6-9 (cost, quota increment, SLA, analytics) as a detached,
// best-effort task over context.WithoutCancel and returns immediately; their
// failures are logged, never surfaced to the caller.
func (p *Pipeline) Consume(ctx context.Context, serviceID string, req *gateway.ConsumeRequest, httpReq *http.Request) (*gateway.ConsumeResponse, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.Consume", trace.WithAttributes(attribute.String("service.id", serviceID)))
	defer span.End()

	requestID := uuid.Must(uuid.NewV7()).String()
	span.SetAttributes(attribute.String("request.id", requestID))

	identity, err := p.stageAuthenticate(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	if identity.ServiceID != serviceID {
		return nil, fmt.Errorf("%w: key not scoped to service %s", gateway.ErrAuthorization, serviceID)
	}

	service, err := p.stageResolveService(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	if rejected := p.checkPolicy(ctx, identity, service, req, httpReq); rejected != nil {
		return nil, rejected
	}

	rlStatus, err := p.stageRateLimit(ctx, identity, service)
	if err != nil {
		return nil, err
	}
	if !rlStatus.Allowed {
		if p.metrics != nil {
			p.metrics.RateLimitRejects.WithLabelValues(service.ID).Inc()
		}
		p.analytics.Send(analytics.Event{
			Type:      analytics.EventRateLimitExceeded,
			Timestamp: time.Now().UTC(),
			RateLimitExceeded: &analytics.RateLimitExceeded{
				ServiceID:  service.ID,
				ConsumerID: identity.ConsumerID,
				Tier:       identity.Tier,
				Limit:      rlStatus.Limit,
			},
		})
		return nil, &gateway.RetryableError{
			Err:        fmt.Errorf("%w: retry after %.0fs", gateway.ErrRateLimited, rlStatus.RetryAfterSeconds),
			RetryAfter: int64(math.Ceil(rlStatus.RetryAfterSeconds)),
		}
	}

	quotaStatus, err := p.stageQuota(ctx, identity, service)
	if err != nil {
		return nil, err
	}
	if quotaStatus.Exceeded() {
		p.analytics.Send(analytics.Event{
			Type:      analytics.EventQuotaExceeded,
			Timestamp: time.Now().UTC(),
			QuotaExceeded: &analytics.QuotaExceeded{
				ServiceID:   service.ID,
				ConsumerID:  identity.ConsumerID,
				Tier:        identity.Tier,
				UsedTokens:  quotaStatus.UsedTokens,
				TotalTokens: quotaStatus.TotalTokens,
			},
		})
		return nil, gateway.ErrQuotaExceeded
	}

	if rejected := p.stageShield(ctx, identity, service, req); rejected != nil {
		return nil, rejected
	}

	dispatchCtx, dispatchSpan := p.tracer.Start(ctx, "pipeline.dispatch")
	result, dispatchErr := p.router.Dispatch(dispatchCtx, service, req, requestID, identity.ConsumerID)
	if dispatchErr != nil {
		dispatchSpan.RecordError(dispatchErr)
	}
	dispatchSpan.End()

	go p.recordBestEffort(context.WithoutCancel(ctx), requestID, service, identity.ConsumerID, result, dispatchErr)

	if dispatchErr != nil {
		return nil, dispatchErr
	}

	cost := costmeter.Compute(service.Pricing, result.Usage)
	return &gateway.ConsumeResponse{
		RequestID: requestID,
		Content:   string(result.Body),
		Usage:     result.Usage,
		Cost:      cost,
		LatencyMs: result.LatencyMs,
	}, nil
}

// stageAuthenticate runs stage 1.
func (p *Pipeline) stageAuthenticate(ctx context.Context, httpReq *http.Request) (*gateway.Identity, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.authenticate")
	defer span.End()
	identity, err := p.auth.Authenticate(ctx, httpReq)
	if err != nil {
		span.RecordError(err)
	}
	return identity, err
}

func (p *Pipeline) stageResolveService(ctx context.Context, serviceID string) (*gateway.Service, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.resolve_service")
	defer span.End()
	service, err := p.services.GetService(ctx, serviceID)
	if err != nil {
		span.RecordError(err)
	}
	return service, err
}

// stageRateLimit runs stage 3.
func (p *Pipeline) stageRateLimit(ctx context.Context, identity *gateway.Identity, service *gateway.Service) (gateway.RateLimitStatus, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.rate_limit")
	defer span.End()
	status, err := p.limiter.Check(ctx, identity.ConsumerID, service.ID, identity.Tier)
	if err != nil {
		span.RecordError(err)
	}
	return status, err
}

// stageQuota runs stage 4.
func (p *Pipeline) stageQuota(ctx context.Context, identity *gateway.Identity, service *gateway.Service) (gateway.QuotaStatus, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.quota")
	defer span.End()
	status, err := p.quota.Check(ctx, identity.ConsumerID, service.ID, identity.Tier)
	if err != nil {
		span.RecordError(err)
	}
	return status, err
}

// stageShield runs the optional pre-dispatch content scan. A nil ShieldScanner
// skips the stage (and the span) entirely.
func (p *Pipeline) stageShield(ctx context.Context, identity *gateway.Identity, service *gateway.Service, req *gateway.ConsumeRequest) error {
	if p.shield == nil {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.shield")
	defer span.End()
	scan := p.shield.ScanContent(ctx, req.Prompt, "prompt", service.ID, identity.ConsumerID)
	if scan != nil && !scan.Allowed {
		err := fmt.Errorf("%w: content rejected by shield: %s", gateway.ErrPolicyViolation, scan.Action)
		span.RecordError(err)
		return err
	}
	return nil
}

// checkPolicy runs stage 2. It returns a non-nil error (already classified
// as ErrPolicyViolation) iff the request should be rejected.
func (p *Pipeline) checkPolicy(ctx context.Context, identity *gateway.Identity, service *gateway.Service, req *gateway.ConsumeRequest, httpReq *http.Request) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.policy")
	defer span.End()
	validation, err := p.policy.Validate(ctx, identity.ConsumerID, service, req, clientIP(httpReq), httpReq.UserAgent())
	if err != nil {
		return fmt.Errorf("%w: policy validation: %w", gateway.ErrExternalService, err)
	}
	if validation.Allowed {
		return nil
	}

	for _, v := range validation.Violations {
		p.analytics.Send(analytics.Event{
			Type:      analytics.EventPolicyViolation,
			Timestamp: time.Now().UTC(),
			PolicyViolation: &analytics.PolicyViolation{
				ServiceID:  service.ID,
				ConsumerID: identity.ConsumerID,
				PolicyID:   v.PolicyID,
				PolicyName: v.PolicyName,
				Severity:   v.Severity,
				Message:    v.Message,
			},
		})
	}
	if validation.Reason != "" {
		return fmt.Errorf("%w: %s", gateway.ErrPolicyViolation, validation.Reason)
	}
	return gateway.ErrPolicyViolation
}

// recordBestEffort runs stages 6-9: cost/usage recording, quota increment,
// SLA evaluation, and a ConsumptionRequest analytics event. It must never
// mutate the outcome already returned to the caller, so every error here is
// logged by its collaborator and swallowed.
func (p *Pipeline) recordBestEffort(ctx context.Context, requestID string, service *gateway.Service, consumerID string, result *router.Result, dispatchErr error) {
	status := "success"
	statusCode := http.StatusOK
	var usage gateway.UsageInfo
	var latencyMs int64

	if dispatchErr != nil {
		status = "error"
		statusCode = gateway.ErrorStatus(dispatchErr)
	} else {
		usage = result.Usage
		latencyMs = result.LatencyMs
	}

	record, err := p.cost.Record(ctx, requestID, service, consumerID, usage, latencyMs, statusCode)
	if err != nil {
		return
	}

	if dispatchErr == nil {
		_ = p.quota.Update(ctx, consumerID, service.ID, usage)
	}

	if dispatchErr == nil {
		p.sla.CheckLatency(ctx, service, latencyMs)
	}
	if status == "error" {
		p.sla.CheckErrorRateAsync(ctx, service.ID)
	}

	p.analytics.Send(analytics.Event{
		Type:      analytics.EventConsumptionRequest,
		Timestamp: time.Now().UTC(),
		ConsumptionRequest: &analytics.ConsumptionRequest{
			RequestID:  requestID,
			ServiceID:  service.ID,
			ConsumerID: consumerID,
			LatencyMs:  latencyMs,
			Usage:      usage,
			Cost:       record.Cost,
			Status:     status,
		},
	})
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
