// Package analytics fans out gateway events to an external sink without
// ever slowing down the request path that generated them.
package analytics

import (
	"context"
	"log/slog"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

const (
	chanSize   = 10000
	batchSize  = 100
	flushEvery = 5 * time.Second
	drainTime  = 30 * time.Second
)

// EventType identifies the variant carried by an Event.
type EventType string

const (
	EventConsumptionRequest EventType = "consumption_request"
	EventRateLimitExceeded  EventType = "rate_limit_exceeded"
	EventQuotaExceeded      EventType = "quota_exceeded"
	EventSLAViolation       EventType = "sla_violation"
	EventPolicyViolation    EventType = "policy_violation"
	EventApiKeyCreated      EventType = "api_key_created"
	EventApiKeyRevoked      EventType = "api_key_revoked"
)

// Event is a single analytics record. Exactly one of the typed payload
// fields is populated, selected by Type.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	ConsumptionRequest *ConsumptionRequest `json:"consumption_request,omitempty"`
	RateLimitExceeded  *RateLimitExceeded  `json:"rate_limit_exceeded,omitempty"`
	QuotaExceeded      *QuotaExceeded      `json:"quota_exceeded,omitempty"`
	SLAViolation       *SLAViolationEvent  `json:"sla_violation,omitempty"`
	PolicyViolation    *PolicyViolation    `json:"policy_violation,omitempty"`
	ApiKeyCreated      *ApiKeyCreated      `json:"api_key_created,omitempty"`
	ApiKeyRevoked      *ApiKeyRevoked      `json:"api_key_revoked,omitempty"`
}

// ConsumptionRequest records a completed (successful or failed) Consume call.
type ConsumptionRequest struct {
	RequestID  string            `json:"request_id"`
	ServiceID  string            `json:"service_id"`
	ConsumerID string            `json:"consumer_id"`
	LatencyMs  int64             `json:"latency_ms"`
	Usage      gateway.UsageInfo `json:"usage"`
	Cost       gateway.CostInfo  `json:"cost"`
	Status     string            `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// RateLimitExceeded records a stage-3 rejection.
type RateLimitExceeded struct {
	ServiceID  string       `json:"service_id"`
	ConsumerID string       `json:"consumer_id"`
	Tier       gateway.Tier `json:"tier"`
	Limit      int64        `json:"limit"`
}

// QuotaExceeded records a stage-4 rejection.
type QuotaExceeded struct {
	ServiceID   string       `json:"service_id"`
	ConsumerID  string       `json:"consumer_id"`
	Tier        gateway.Tier `json:"tier"`
	UsedTokens  int64        `json:"used_tokens"`
	TotalTokens int64        `json:"total_tokens"`
}

// SLAViolationEvent mirrors a gateway.SLAViolation for the analytics sink.
type SLAViolationEvent struct {
	ServiceID string  `json:"service_id"`
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
	Actual    float64 `json:"actual"`
	Severity  string  `json:"severity"`
}

// PolicyViolation records a single violation returned by the policy engine.
type PolicyViolation struct {
	ServiceID  string `json:"service_id"`
	ConsumerID string `json:"consumer_id"`
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

// ApiKeyCreated records a key provisioning event.
type ApiKeyCreated struct {
	ConsumerID string       `json:"consumer_id"`
	ServiceID  string       `json:"service_id"`
	Tier       gateway.Tier `json:"tier"`
}

// ApiKeyRevoked records a key revocation event.
type ApiKeyRevoked struct {
	ConsumerID string `json:"consumer_id"`
	ServiceID  string `json:"service_id"`
	Reason     string `json:"reason"`
}

// Sink is the external collaborator that durably stores or forwards a
// batch of events. Batch-send failure is logged, never retried here.
type Sink interface {
	SendBatch(ctx context.Context, events []Event) error
}

// Streamer is a bounded, single-consumer fan-out pipeline. Send is a
// non-blocking enqueue: when the channel is full the event is dropped
// with a warning rather than applying back-pressure to the caller.
type Streamer struct {
	ch   chan Event
	sink Sink
}

// New creates a Streamer backed by sink.
func New(sink Sink) *Streamer {
	return &Streamer{
		ch:   make(chan Event, chanSize),
		sink: sink,
	}
}

// Name returns the worker identifier.
func (s *Streamer) Name() string { return "analytics_streamer" }

// Send enqueues an event. It never blocks; it drops on a full channel.
func (s *Streamer) Send(event Event) {
	select {
	case s.ch <- event:
	default:
		slog.Warn("analytics event dropped, channel full", "type", event.Type)
	}
}

// Run drains the channel until ctx is cancelled, batching up to batchSize
// events and flushing on batch-full or every flushEvery, whichever first.
// On shutdown it drains and flushes whatever remains.
func (s *Streamer) Run(ctx context.Context) error {
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	buf := make([]Event, 0, batchSize)

	for {
		select {
		case e := <-s.ch:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				s.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				s.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			s.drain(buf)
			return nil
		}
	}
}

func (s *Streamer) drain(buf []Event) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTime)
	defer cancel()

	for {
		select {
		case e := <-s.ch:
			buf = append(buf, e)
			if len(buf) >= batchSize {
				s.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				s.flush(ctx, buf)
			}
			return
		}
	}
}

func (s *Streamer) flush(ctx context.Context, buf []Event) {
	batch := make([]Event, len(buf))
	copy(batch, buf)

	if err := s.sink.SendBatch(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "analytics flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
