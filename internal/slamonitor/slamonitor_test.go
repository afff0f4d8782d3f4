package slamonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

type fakeSLAStore struct {
	mu         sync.Mutex
	violations []gateway.SLAViolation
}

func (f *fakeSLAStore) InsertSLAViolation(_ context.Context, v gateway.SLAViolation) error {
	f.mu.Lock()
	f.violations = append(f.violations, v)
	f.mu.Unlock()
	return nil
}

func (f *fakeSLAStore) ListSLAViolations(_ context.Context, serviceID string, since int64) ([]gateway.SLAViolation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []gateway.SLAViolation
	for _, v := range f.violations {
		if v.ServiceID == serviceID {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeSLAStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.violations)
}

type fakeUsageStore struct {
	stats gateway.UsageStats
}

func (f *fakeUsageStore) InsertUsage(_ context.Context, record gateway.UsageRecord) error { return nil }

func (f *fakeUsageStore) GetUsageStats(_ context.Context, consumerID, serviceID, period string) (gateway.UsageStats, error) {
	return f.stats, nil
}

type fakeAlertSink struct {
	mu     sync.Mutex
	alerts []gateway.SLAViolation
}

func (f *fakeAlertSink) Alert(_ context.Context, v gateway.SLAViolation) error {
	f.mu.Lock()
	f.alerts = append(f.alerts, v)
	f.mu.Unlock()
	return nil
}

func (f *fakeAlertSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func testService() *gateway.Service {
	return &gateway.Service{
		ID: "service-1",
		SLA: gateway.SLAConfig{
			TimeoutMs:    100,
			Availability: 0.999,
		},
	}
}

func TestMonitor_CheckLatency_NoViolationWithinThreshold(t *testing.T) {
	t.Parallel()
	store := &fakeSLAStore{}
	m := New(store, &fakeUsageStore{}, nil)

	if v := m.CheckLatency(context.Background(), testService(), 50); v != nil {
		t.Fatalf("expected no violation, got %+v", v)
	}
	if store.count() != 0 {
		t.Errorf("store count = %d, want 0", store.count())
	}
}

func TestMonitor_CheckLatency_WarningJustOverThreshold(t *testing.T) {
	t.Parallel()
	store := &fakeSLAStore{}
	m := New(store, &fakeUsageStore{}, nil)

	v := m.CheckLatency(context.Background(), testService(), 150)
	if v == nil {
		t.Fatal("expected a violation")
	}
	if v.Severity != "warning" {
		t.Errorf("severity = %q, want warning", v.Severity)
	}
}

func TestMonitor_CheckLatency_CriticalOverDoubleThreshold(t *testing.T) {
	t.Parallel()
	store := &fakeSLAStore{}
	alert := &fakeAlertSink{}
	m := New(store, &fakeUsageStore{}, alert)

	v := m.CheckLatency(context.Background(), testService(), 250)
	if v == nil {
		t.Fatal("expected a violation")
	}
	if v.Severity != "critical" {
		t.Errorf("severity = %q, want critical", v.Severity)
	}
	if alert.count() != 1 {
		t.Errorf("alert count = %d, want 1 for a critical violation", alert.count())
	}
}

func TestMonitor_CheckErrorRateAsync_RecordsAboveThreshold(t *testing.T) {
	t.Parallel()
	store := &fakeSLAStore{}
	usage := &fakeUsageStore{stats: gateway.UsageStats{TotalRequests: 1000, ErrorRate: 0.01}}
	m := New(store, usage, nil)

	m.CheckErrorRateAsync(context.Background(), "service-1")
	time.Sleep(50 * time.Millisecond)

	if store.count() != 1 {
		t.Fatalf("store count = %d, want 1", store.count())
	}
}

func TestMonitor_CheckErrorRateAsync_NoRecordBelowThreshold(t *testing.T) {
	t.Parallel()
	store := &fakeSLAStore{}
	usage := &fakeUsageStore{stats: gateway.UsageStats{TotalRequests: 1000, ErrorRate: 0.0001}}
	m := New(store, usage, nil)

	m.CheckErrorRateAsync(context.Background(), "service-1")
	time.Sleep(50 * time.Millisecond)

	if store.count() != 0 {
		t.Fatalf("store count = %d, want 0", store.count())
	}
}

func TestMonitor_GetStatus(t *testing.T) {
	t.Parallel()
	store := &fakeSLAStore{}
	usage := &fakeUsageStore{stats: gateway.UsageStats{TotalRequests: 1000, AvgLatencyMs: 50, ErrorRate: 0.0001}}
	m := New(store, usage, nil)

	status, err := m.GetStatus(context.Background(), testService())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !status.LatencyCompliant {
		t.Error("expected latency compliant")
	}
	if !status.ErrorRateCompliant {
		t.Error("expected error rate compliant")
	}
	if !status.OverallCompliant {
		t.Error("expected overall compliant")
	}
}

func TestMonitor_GetStatus_NonCompliant(t *testing.T) {
	t.Parallel()
	store := &fakeSLAStore{}
	usage := &fakeUsageStore{stats: gateway.UsageStats{TotalRequests: 1000, AvgLatencyMs: 200, ErrorRate: 0.05}}
	m := New(store, usage, nil)

	status, err := m.GetStatus(context.Background(), testService())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if status.LatencyCompliant {
		t.Error("expected latency non-compliant")
	}
	if status.OverallCompliant {
		t.Error("expected overall non-compliant")
	}
}

func TestMonitor_SweepAll(t *testing.T) {
	t.Parallel()
	store := &fakeSLAStore{}
	usage := &fakeUsageStore{stats: gateway.UsageStats{TotalRequests: 100, ErrorRate: 0.01}}
	m := New(store, usage, nil)

	m.SweepAll(context.Background(), []*gateway.Service{testService(), {ID: "service-2", SLA: gateway.SLAConfig{TimeoutMs: 100}}})

	if store.count() != 2 {
		t.Errorf("store count = %d, want 2", store.count())
	}
}
