package upstream

import (
	"net/http"
	"net/http/httptest"
	"testing"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

func testService() *gateway.Service {
	return &gateway.Service{ID: "svc-1", Name: "test-model"}
}

func testConsumeRequest() *gateway.ConsumeRequest {
	return &gateway.ConsumeRequest{Prompt: "hello", MaxTokens: 100}
}

func TestPolicyClient_Validate_Allowed(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allowed":true}`))
	}))
	defer srv.Close()

	c := NewPolicyClient(srv.URL)
	result, err := c.Validate(t.Context(), "consumer-1", testService(), testConsumeRequest(), "", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Allowed {
		t.Error("expected allowed")
	}
}

func TestPolicyClient_Validate_Violations(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allowed":false,"violations":[{"policy_id":"p1","severity":"high","message":"blocked"}]}`))
	}))
	defer srv.Close()

	c := NewPolicyClient(srv.URL)
	result, err := c.Validate(t.Context(), "consumer-1", testService(), testConsumeRequest(), "", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if result.Allowed {
		t.Error("expected not allowed")
	}
	if len(result.Violations) != 1 || result.Violations[0].PolicyID != "p1" {
		t.Errorf("violations = %+v", result.Violations)
	}
}

func TestPolicyClient_Validate_FailsOpenOn500(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewPolicyClient(srv.URL)
	result, err := c.Validate(t.Context(), "consumer-1", testService(), testConsumeRequest(), "", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Allowed {
		t.Error("expected fail-open allowed=true")
	}
	if result.Metadata["failover"] != true {
		t.Errorf("expected failover marker, got %+v", result.Metadata)
	}
}

func TestPolicyClient_Validate_FailsOpenOnUnreachable(t *testing.T) {
	t.Parallel()
	c := NewPolicyClient("http://127.0.0.1:1")
	result, err := c.Validate(t.Context(), "consumer-1", testService(), testConsumeRequest(), "", "")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !result.Allowed {
		t.Error("expected fail-open allowed=true")
	}
}

func TestPolicyClient_CheckAccess_FailsOpen(t *testing.T) {
	t.Parallel()
	c := NewPolicyClient("http://127.0.0.1:1")
	if !c.CheckAccess(t.Context(), "consumer-1", "svc-1") {
		t.Error("expected fail-open true")
	}
}

func TestPolicyClient_CheckAccess_RespectsResponse(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"allowed":false}`))
	}))
	defer srv.Close()

	c := NewPolicyClient(srv.URL)
	if c.CheckAccess(t.Context(), "consumer-1", "svc-1") {
		t.Error("expected false from explicit response")
	}
}

func TestPolicyClient_SyncPolicies(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"policies":[{"id":"p1","name":"n1","enabled":true,"severity":"high"}]}`))
	}))
	defer srv.Close()

	c := NewPolicyClient(srv.URL)
	policies, err := c.SyncPolicies(t.Context())
	if err != nil {
		t.Fatalf("SyncPolicies: %v", err)
	}
	if len(policies) != 1 || policies[0].ID != "p1" {
		t.Errorf("policies = %+v", policies)
	}
}

func TestPolicyClient_SyncPolicies_ErrorsOnFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewPolicyClient(srv.URL)
	if _, err := c.SyncPolicies(t.Context()); err == nil {
		t.Error("expected an error, sync is not fail-open")
	}
}
