package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llm-dev-ops/marketplace/internal/telemetry"
	"github.com/llm-dev-ops/marketplace/internal/testutil"
)

func testDeps(metrics *telemetry.Metrics, metricsHandler http.Handler) Deps {
	return Deps{
		Auth:           testutil.FakeAuth{},
		Consumer:       testutil.FakeConsumer{},
		Quota:          testutil.FakeQuota{},
		Usage:          testutil.FakeUsage{},
		Keys:           testutil.FakeKeys{},
		SLA:            testutil.FakeSLA{},
		Services:       testutil.FakeServices{},
		Metrics:        metrics,
		MetricsHandler: metricsHandler,
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	h := New(testDeps(metrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/consume/svc-test", strings.NewReader(`{"prompt":"hi"}`))
	req.Header.Set("Authorization", "Bearer llm_mk_test")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("consume: status = %d; body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: status = %d; body = %s", rec.Code, rec.Body.String())
	}
	body := rec.Body.String()
	if !strings.Contains(body, "gandalf_requests_total") {
		t.Error("metrics should contain gandalf_requests_total")
	}
	if !strings.Contains(body, "gandalf_request_duration_seconds") {
		t.Error("metrics should contain gandalf_request_duration_seconds")
	}
}

func TestMetricsMiddleware_IncrementsCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)
	h := New(testDeps(metrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	for range 3 {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}

	found := false
	for _, f := range families {
		if f.GetName() != "gandalf_requests_total" {
			continue
		}
		found = true
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "path" && l.GetValue() == "/healthz" {
					if m.GetCounter().GetValue() < 3 {
						t.Errorf("requests_total for /healthz = %f, want >= 3", m.GetCounter().GetValue())
					}
				}
			}
		}
	}
	if !found {
		t.Error("gandalf_requests_total metric not found")
	}
}
