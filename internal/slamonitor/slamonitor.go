// Package slamonitor evaluates completed requests and periodic sweeps
// against a service's latency, error-rate, and uptime targets.
package slamonitor

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/storage"
)

const (
	errorRateWindow    = "5m"
	errorRateThreshold = 0.001
	statusWindow       = "30d"
)

// AlertSink receives critical SLA violations. The sink is an external
// collaborator (paging system, Slack webhook, etc); alerting failure must
// never back-propagate to the request or sweep that triggered it.
type AlertSink interface {
	Alert(ctx context.Context, v gateway.SLAViolation) error
}

// Monitor evaluates and records SLA violations for services.
type Monitor struct {
	store storage.SLAStore
	usage storage.UsageStore
	alert AlertSink
}

// New returns a Monitor. alert may be nil, in which case critical violations
// are recorded but no alert is dispatched.
func New(store storage.SLAStore, usage storage.UsageStore, alert AlertSink) *Monitor {
	return &Monitor{store: store, usage: usage, alert: alert}
}

// CheckLatency evaluates a single completed request's latency against
// service.SLA.TimeoutMs, recording and returning a violation if exceeded.
// Severity is critical when latency exceeds twice the threshold.
func (m *Monitor) CheckLatency(ctx context.Context, service *gateway.Service, latencyMs int64) *gateway.SLAViolation {
	threshold := float64(service.SLA.TimeoutMs)
	actual := float64(latencyMs)
	if actual <= threshold {
		return nil
	}

	severity := "warning"
	if actual > threshold*2 {
		severity = "critical"
	}

	violation := gateway.SLAViolation{
		ServiceID: service.ID,
		Metric:    "latency_ms",
		Threshold: threshold,
		Actual:    actual,
		Severity:  severity,
		Timestamp: time.Now(),
	}
	m.record(ctx, violation)
	return &violation
}

// CheckErrorRateAsync spawns a best-effort background evaluation of the
// service's error rate over the trailing 5-minute window, per request when
// that request completed with an error status. It must be called with a
// context that survives the caller's cancellation (context.WithoutCancel).
func (m *Monitor) CheckErrorRateAsync(ctx context.Context, serviceID string) {
	go func() {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.checkErrorRate(bctx, serviceID)
	}()
}

func (m *Monitor) checkErrorRate(ctx context.Context, serviceID string) error {
	stats, err := m.usage.GetUsageStats(ctx, "", serviceID, errorRateWindow)
	if err != nil {
		return fmt.Errorf("get error rate stats: %w", err)
	}
	if stats.TotalRequests == 0 {
		return nil
	}
	if stats.ErrorRate <= errorRateThreshold {
		return nil
	}

	severity := "warning"
	if stats.ErrorRate > errorRateThreshold*2 {
		severity = "critical"
	}

	m.record(ctx, gateway.SLAViolation{
		ServiceID: serviceID,
		Metric:    "error_rate",
		Threshold: errorRateThreshold,
		Actual:    stats.ErrorRate,
		Severity:  severity,
		Timestamp: time.Now(),
	})
	return nil
}

// record persists a violation and, for critical severity, dispatches an
// alert. Both the persistence and the alert are best-effort: errors are
// returned to the caller (already running in a background goroutine or
// sweep) to log, never propagated to the request that triggered the check.
func (m *Monitor) record(ctx context.Context, v gateway.SLAViolation) {
	if err := m.store.InsertSLAViolation(ctx, v); err != nil {
		return
	}
	if v.Severity != "critical" || m.alert == nil {
		return
	}
	_ = m.alert.Alert(ctx, v)
}

// GetStatus returns the compliance snapshot for service over the trailing
// 30-day window: average latency, error rate, uptime percentage, violation
// count, and per-dimension plus overall compliance.
func (m *Monitor) GetStatus(ctx context.Context, service *gateway.Service) (gateway.SLAStatus, error) {
	stats, err := m.usage.GetUsageStats(ctx, "", service.ID, statusWindow)
	if err != nil {
		return gateway.SLAStatus{}, fmt.Errorf("get SLA stats: %w", err)
	}

	uptime := 100.0
	if stats.TotalRequests > 0 {
		uptime = (1 - stats.ErrorRate) * 100
	}

	violations, err := m.store.ListSLAViolations(ctx, service.ID, time.Now().Add(-30*24*time.Hour).Unix())
	if err != nil {
		return gateway.SLAStatus{}, fmt.Errorf("list SLA violations: %w", err)
	}

	latencyCompliant := stats.AvgLatencyMs < float64(service.SLA.TimeoutMs)
	errorRateCompliant := stats.ErrorRate < errorRateThreshold
	uptimeCompliant := uptime >= service.SLA.Availability*100

	return gateway.SLAStatus{
		ServiceID:          service.ID,
		LatencyCompliant:   latencyCompliant,
		ErrorRateCompliant: errorRateCompliant,
		UptimeCompliant:    uptimeCompliant,
		OverallCompliant:   latencyCompliant && errorRateCompliant && uptimeCompliant,
		AvgLatencyMs:       stats.AvgLatencyMs,
		ErrorRate:          stats.ErrorRate,
		UptimePercent:      uptime,
		ViolationCount:     int64(len(violations)),
		CheckedAt:          time.Now(),
	}, nil
}

// SweepAll runs the error-rate check for every active service, used by the
// periodic 300s sweep worker.
func (m *Monitor) SweepAll(ctx context.Context, services []*gateway.Service) {
	for _, svc := range services {
		_ = m.checkErrorRate(ctx, svc.ID)
	}
}
