package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

func testService(endpoint string) *gateway.Service {
	return &gateway.Service{
		ID:        "service-1",
		Name:      "test-service",
		Endpoint:  endpoint,
		TimeoutMs: 500,
	}
}

func TestRouter_Dispatch_Success(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"text":"hi"}],"usage":{"prompt_tokens":5,"completion_tokens":10,"total_tokens":15}}`))
	}))
	defer srv.Close()

	r := New(nil, nil)
	result, err := r.Dispatch(context.Background(), testService(srv.URL), &gateway.ConsumeRequest{Prompt: "hello"}, "req-1", "consumer-1")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if result.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", result.Usage.TotalTokens)
	}
	if result.Usage.Estimated {
		t.Error("usage should not be estimated when present in response")
	}

	var decoded map[string]any
	if err := json.Unmarshal(result.Body, &decoded); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
}

func TestRouter_Dispatch_EstimatesUsageWhenAbsent(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"text":"no usage field here"}]}`))
	}))
	defer srv.Close()

	r := New(nil, nil)
	result, err := r.Dispatch(context.Background(), testService(srv.URL), &gateway.ConsumeRequest{Prompt: "hello"}, "req-2", "consumer-1")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !result.Usage.Estimated {
		t.Error("usage should be estimated when absent from response")
	}
	if result.Usage.TotalTokens == 0 {
		t.Error("estimated total tokens should be nonzero for a nonempty body")
	}
}

func TestRouter_Dispatch_RetriesOn500ThenSucceeds(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"usage":{"total_tokens":1}}`))
	}))
	defer srv.Close()

	r := New(nil, nil)
	_, err := r.Dispatch(context.Background(), testService(srv.URL), &gateway.ConsumeRequest{Prompt: "hello"}, "req-3", "consumer-1")
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestRouter_Dispatch_TerminalOn400NoRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	r := New(nil, nil)
	_, err := r.Dispatch(context.Background(), testService(srv.URL), &gateway.ConsumeRequest{Prompt: "hello"}, "req-4", "consumer-1")
	if err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (400 should not retry)", calls.Load())
	}
}

func TestRouter_Dispatch_ExhaustsRetriesOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	r := New(nil, nil)
	_, err := r.Dispatch(context.Background(), testService(srv.URL), &gateway.ConsumeRequest{Prompt: "hello"}, "req-5", "consumer-1")
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls.Load() != maxAttempts {
		t.Errorf("calls = %d, want %d", calls.Load(), maxAttempts)
	}
}

func TestRouter_Dispatch_CircuitOpensAndRejectsWithoutDialing(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(nil, nil)
	svc := testService(srv.URL)

	// Each Dispatch makes up to maxAttempts calls and records one failure per
	// attempt into the same per-service breaker; five consecutive failures
	// trip it open (circuitbreaker.DefaultConfig FailureThreshold = 5).
	for range 2 {
		_, _ = r.Dispatch(context.Background(), svc, &gateway.ConsumeRequest{Prompt: "x"}, "req", "consumer-1")
	}

	before := calls.Load()
	_, err := r.Dispatch(context.Background(), svc, &gateway.ConsumeRequest{Prompt: "x"}, "req", "consumer-1")
	if err == nil {
		t.Fatal("expected circuit-open rejection")
	}
	if calls.Load() != before {
		t.Error("open circuit should not reach the upstream at all")
	}
	if !errors.Is(err, gateway.ErrServiceUnavailable) {
		t.Errorf("err = %v, want ErrServiceUnavailable", err)
	}
	var retryable *gateway.RetryableError
	if !errors.As(err, &retryable) {
		t.Fatalf("err = %v, want a *gateway.RetryableError", err)
	}
	if retryable.RetryAfter != 30 {
		t.Errorf("RetryAfter = %d, want 30", retryable.RetryAfter)
	}
}

func TestRouter_Dispatch_RespectsOuterContextDeadline(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := New(nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Dispatch(ctx, testService(srv.URL), &gateway.ConsumeRequest{Prompt: "x"}, "req-6", "consumer-1")
	if err == nil {
		t.Fatal("expected error from context deadline")
	}
}
