package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

const shieldTimeout = 200 * time.Millisecond

// FilterPack is a named group of content filters active for a service.
type FilterPack struct {
	PackID  string `json:"pack_id"`
	Name    string `json:"name"`
	Version string `json:"version"`
	Enabled bool   `json:"enabled"`
}

// SafetyModule is a named group of safety rules active for a service.
type SafetyModule struct {
	ModuleID        string `json:"module_id"`
	Name            string `json:"name"`
	Category        string `json:"category"`
	Enabled         bool   `json:"enabled"`
	EnforcementMode string `json:"enforcement_mode"`
}

// ShieldingMetadata describes which protections are active for a service.
type ShieldingMetadata struct {
	ServiceID           string   `json:"service_id"`
	ShieldProfile       string   `json:"shield_profile"`
	ActiveFilterPacks   []string `json:"active_filter_packs"`
	ActiveSafetyModules []string `json:"active_safety_modules"`
}

// ScanMatch describes a single filter match from a content scan.
type ScanMatch struct {
	FilterID string `json:"filter_id"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// ScanResult is the outcome of a real-time content scan.
type ScanResult struct {
	Allowed          bool        `json:"allowed"`
	Action           string      `json:"action"`
	Matches          []ScanMatch `json:"matches,omitempty"`
	RiskScore        float64     `json:"risk_score"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
}

type shieldEnvelope[T any] struct {
	Data T `json:"data"`
}

// ShieldClient reads filter/safety configuration and performs real-time
// content scans against the shield. ScanContent fails open (allowed=true)
// on transport or 5xx failure, since blocking every request on an
// unavailable shield would be worse than temporarily skipping a scan.
type ShieldClient struct {
	client  *http.Client
	baseURL string
}

// NewShieldClient returns a ShieldClient targeting baseURL.
func NewShieldClient(baseURL string) *ShieldClient {
	return &ShieldClient{
		client:  newClient(50, 60*time.Second),
		baseURL: baseURL,
	}
}

// GetFilterPacks fetches the active filter packs for serviceID. Returns an
// empty slice (not an error) on failure, matching a non-gating read.
func (c *ShieldClient) GetFilterPacks(ctx context.Context, serviceID string) []FilterPack {
	var env shieldEnvelope[[]FilterPack]
	if !c.get(ctx, fmt.Sprintf("/api/v1/services/%s/filter-packs", serviceID), &env) {
		return nil
	}
	return env.Data
}

// GetSafetyModules fetches the active safety modules for serviceID.
func (c *ShieldClient) GetSafetyModules(ctx context.Context, serviceID string) []SafetyModule {
	var env shieldEnvelope[[]SafetyModule]
	if !c.get(ctx, fmt.Sprintf("/api/v1/services/%s/safety-modules", serviceID), &env) {
		return nil
	}
	return env.Data
}

// GetShieldingMetadata fetches the shielding profile for serviceID. Returns
// nil if none is configured or the shield is unavailable.
func (c *ShieldClient) GetShieldingMetadata(ctx context.Context, serviceID string) *ShieldingMetadata {
	var env shieldEnvelope[ShieldingMetadata]
	if !c.get(ctx, fmt.Sprintf("/api/v1/services/%s/metadata", serviceID), &env) {
		return nil
	}
	return &env.Data
}

// IsProtected reports whether serviceID has any active filter packs or
// safety modules.
func (c *ShieldClient) IsProtected(ctx context.Context, serviceID string) bool {
	meta := c.GetShieldingMetadata(ctx, serviceID)
	if meta == nil {
		return false
	}
	return len(meta.ActiveFilterPacks) > 0 || len(meta.ActiveSafetyModules) > 0
}

// ScanContent scans content in real time against serviceID's active
// filters. Fails open (allowed=true, action="allow") on transport or
// non-2xx failure.
func (c *ShieldClient) ScanContent(ctx context.Context, content, contentType, serviceID, consumerID string) *ScanResult {
	ctx, cancel := context.WithTimeout(ctx, shieldTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"content":      content,
		"content_type": contentType,
		"context": map[string]string{
			"service_id":  serviceID,
			"consumer_id": consumerID,
		},
	})
	if err != nil {
		return &ScanResult{Allowed: true, Action: "allow"}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/scan", bytes.NewReader(body))
	if err != nil {
		return &ScanResult{Allowed: true, Action: "allow"}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		slog.Warn("shield unavailable, failing open", "error", err)
		return &ScanResult{Allowed: true, Action: "allow"}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("shield scan returned error, failing open", "status", resp.StatusCode)
		return &ScanResult{Allowed: true, Action: "allow"}
	}

	var result ScanResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		slog.Warn("shield scan response decode failed, failing open", "error", err)
		return &ScanResult{Allowed: true, Action: "allow"}
	}
	return &result
}

func (c *ShieldClient) get(ctx context.Context, path string, out any) bool {
	ctx, cancel := context.WithTimeout(ctx, shieldTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
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
