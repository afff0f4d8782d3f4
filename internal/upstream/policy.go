package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

const (
	policyValidateTimeout = 100 * time.Millisecond
	policyBulkTimeout     = 300 * time.Millisecond
)

// PolicyViolation is a single rule violation returned by the policy engine.
type PolicyViolation struct {
	PolicyID   string `json:"policy_id"`
	PolicyName string `json:"policy_name"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

// ValidationResult is the outcome of a consumption policy check.
type ValidationResult struct {
	Allowed    bool              `json:"allowed"`
	Reason     string            `json:"reason,omitempty"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Metadata   map[string]any    `json:"metadata,omitempty"`
}

// Policy describes a single policy definition synced from the engine.
type Policy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	Severity    string `json:"severity"`
}

// PolicyClient validates consumption requests against the policy engine.
// Every gating check fails open: a transport error or 5xx response returns
// "allowed" with a failover marker rather than blocking the request.
type PolicyClient struct {
	client  *http.Client
	baseURL string
}

// NewPolicyClient returns a PolicyClient targeting baseURL.
func NewPolicyClient(baseURL string) *PolicyClient {
	return &PolicyClient{
		client:  newClient(50, 90*time.Second),
		baseURL: baseURL,
	}
}

type policyValidateRequest struct {
	ConsumerID      string            `json:"consumer_id"`
	ServiceID       string            `json:"service_id"`
	ServiceCategory string            `json:"service_category"`
	RequestData     policyRequestData `json:"request_data"`
	Metadata        policyMetadata    `json:"metadata"`
}

type policyRequestData struct {
	Prompt      string  `json:"prompt"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

type policyMetadata struct {
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Validate checks a consumption request against the policy engine. On
// transport failure or a non-2xx response it fails open: allowed=true with
// Metadata["failover"]=true, and logs the failure rather than returning it.
func (c *PolicyClient) Validate(ctx context.Context, consumerID string, service *gateway.Service, req *gateway.ConsumeRequest, ipAddress, userAgent string) (*ValidationResult, error) {
	ctx, cancel := context.WithTimeout(ctx, policyValidateTimeout)
	defer cancel()

	body, err := json.Marshal(policyValidateRequest{
		ConsumerID:      consumerID,
		ServiceID:       service.ID,
		ServiceCategory: "llm",
		RequestData: policyRequestData{
			Prompt:      req.Prompt,
			MaxTokens:   req.MaxTokens,
			Temperature: req.Temperature,
		},
		Metadata: policyMetadata{
			IPAddress: ipAddress,
			UserAgent: userAgent,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: marshal policy request: %w", gateway.ErrInternal, err)
	}

	var result ValidationResult
	if ok := c.postJSON(ctx, "/api/v1/validate/consumption", body, &result); !ok {
		return &ValidationResult{
			Allowed:  true,
			Reason:   "policy engine unavailable - fail-open",
			Metadata: map[string]any{"failover": true},
		}, nil
	}
	return &result, nil
}

// CheckAccess reports whether consumerID has access to serviceID. Fails
// open (true) on transport or non-2xx failure.
func (c *PolicyClient) CheckAccess(ctx context.Context, consumerID, serviceID string) bool {
	ctx, cancel := context.WithTimeout(ctx, policyBulkTimeout)
	defer cancel()

	var resp struct {
		Allowed bool `json:"allowed"`
	}
	path := fmt.Sprintf("/api/v1/access/check?consumer_id=%s&service_id=%s", consumerID, serviceID)
	if ok := c.getJSON(ctx, path, &resp); !ok {
		return true
	}
	return resp.Allowed
}

// CheckDataResidency reports whether dataLocation is compliant for the
// given consumer/service. Fails open (true) on failure.
func (c *PolicyClient) CheckDataResidency(ctx context.Context, consumerID, serviceID, dataLocation string) bool {
	ctx, cancel := context.WithTimeout(ctx, policyBulkTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{
		"consumer_id":   consumerID,
		"service_id":    serviceID,
		"data_location": dataLocation,
	})

	var resp struct {
		Compliant bool `json:"compliant"`
	}
	if ok := c.postJSON(ctx, "/api/v1/compliance/data-residency", body, &resp); !ok {
		return true
	}
	return resp.Compliant
}

// ReportViolation notifies the policy engine of a violation for audit.
// Best-effort: failures are logged, never returned.
func (c *PolicyClient) ReportViolation(ctx context.Context, consumerID, serviceID string, v PolicyViolation) {
	ctx, cancel := context.WithTimeout(ctx, policyBulkTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]any{
		"consumer_id": consumerID,
		"service_id":  serviceID,
		"policy_id":   v.PolicyID,
		"policy_name": v.PolicyName,
		"severity":    v.Severity,
		"message":     v.Message,
		"timestamp":   time.Now().UTC().Format(time.RFC3339),
	})
	c.postJSON(ctx, "/api/v1/violations/report", body, nil)
}

// SyncPolicies fetches the current policy set from the engine.
func (c *PolicyClient) SyncPolicies(ctx context.Context) ([]Policy, error) {
	ctx, cancel := context.WithTimeout(ctx, policyBulkTimeout)
	defer cancel()

	var resp struct {
		Policies []Policy `json:"policies"`
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/policies", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build sync request: %w", gateway.ErrInternal, err)
	}
	r, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: sync policies: %w", gateway.ErrExternalService, err)
	}
	defer r.Body.Close()
	if r.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: policy sync returned status %d", gateway.ErrExternalService, r.StatusCode)
	}
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("%w: decode policy sync response: %w", gateway.ErrExternalService, err)
	}
	return resp.Policies, nil
}

// postJSON issues a POST and decodes a 2xx JSON body into out (if non-nil).
// Returns false on any transport error or non-2xx status, logging the
// failure; callers apply their own fail-open default in that case.
func (c *PolicyClient) postJSON(ctx context.Context, path string, body []byte, out any) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		slog.Warn("policy engine unreachable, failing open", "path", path, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("policy engine returned error, failing open", "path", path, "status", resp.StatusCode)
		return false
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return true
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		slog.Warn("policy engine response decode failed, failing open", "path", path, "error", err)
		return false
	}
	return true
}

func (c *PolicyClient) getJSON(ctx context.Context, path string, out any) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		slog.Warn("policy engine unreachable, failing open", "path", path, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false
	}
	return true
}
