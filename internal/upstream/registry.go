package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

const registryTimeout = 500 * time.Millisecond

// ModelMetadata is registered model metadata consumed from the registry.
type ModelMetadata struct {
	ModelID       string   `json:"model_id"`
	Name          string   `json:"name"`
	Version       string   `json:"version"`
	Provider      string   `json:"provider"`
	Capabilities  []string `json:"capabilities"`
	ContextWindow int      `json:"context_window"`
	MaxTokens     int      `json:"max_tokens"`
	PricingTier   string   `json:"pricing_tier"`
	Status        string   `json:"status"`
}

// ModelVersion is a single released version of a registered model.
type ModelVersion struct {
	Version         string `json:"version"`
	ReleaseDate     string `json:"release_date"`
	BreakingChanges bool   `json:"breaking_changes"`
	Deprecated      bool   `json:"deprecated"`
}

// Asset is an exchangeable asset (weights, adapter, tokenizer) for a model.
type Asset struct {
	AssetID     string `json:"asset_id"`
	AssetType   string `json:"asset_type"`
	Name        string `json:"name"`
	Version     string `json:"version"`
	Checksum    string `json:"checksum"`
	SizeBytes   int64  `json:"size_bytes"`
	DownloadURL string `json:"download_url,omitempty"`
}

// ServiceRegistryInfo is the registry's record of a marketplace service.
type ServiceRegistryInfo struct {
	ServiceID          string   `json:"service_id"`
	ModelID            string   `json:"model_id"`
	ModelVersion       string   `json:"model_version"`
	VerificationStatus string   `json:"verification_status"`
	Capabilities       []string `json:"capabilities"`
}

type registryEnvelope[T any] struct {
	Data T `json:"data"`
}

// RegistryClient reads model and service metadata from the registry. Unlike
// the policy and shield clients, registry lookups are metadata reads, not
// gating checks: a 404 maps to a typed "not found" (nil, nil), but any other
// failure is surfaced to the caller rather than failed open.
type RegistryClient struct {
	client  *http.Client
	baseURL string
}

// NewRegistryClient returns a RegistryClient targeting baseURL.
func NewRegistryClient(baseURL string) *RegistryClient {
	return &RegistryClient{
		client:  newClient(25, 60*time.Second),
		baseURL: baseURL,
	}
}

// GetModelMetadata fetches metadata for modelID. Returns (nil, nil) if the
// registry has no such model.
func (c *RegistryClient) GetModelMetadata(ctx context.Context, modelID string) (*ModelMetadata, error) {
	var env registryEnvelope[ModelMetadata]
	found, err := c.get(ctx, fmt.Sprintf("/api/v1/models/%s", modelID), &env)
	if err != nil || !found {
		return nil, err
	}
	return &env.Data, nil
}

// GetModelVersions fetches all released versions of modelID.
func (c *RegistryClient) GetModelVersions(ctx context.Context, modelID string) ([]ModelVersion, error) {
	var env registryEnvelope[[]ModelVersion]
	found, err := c.get(ctx, fmt.Sprintf("/api/v1/models/%s/versions", modelID), &env)
	if err != nil || !found {
		return nil, err
	}
	return env.Data, nil
}

// GetModelAssets fetches exchangeable assets for modelID.
func (c *RegistryClient) GetModelAssets(ctx context.Context, modelID string) ([]Asset, error) {
	var env registryEnvelope[[]Asset]
	found, err := c.get(ctx, fmt.Sprintf("/api/v1/models/%s/assets", modelID), &env)
	if err != nil || !found {
		return nil, err
	}
	return env.Data, nil
}

// ValidateModel reports whether modelID exists in the registry and is active.
func (c *RegistryClient) ValidateModel(ctx context.Context, modelID string) (bool, error) {
	meta, err := c.GetModelMetadata(ctx, modelID)
	if err != nil {
		return false, err
	}
	if meta == nil {
		return false, nil
	}
	return meta.Status == "active", nil
}

// GetServiceRegistryInfo fetches registry metadata for serviceID. Returns
// (nil, nil) if not found.
func (c *RegistryClient) GetServiceRegistryInfo(ctx context.Context, serviceID string) (*ServiceRegistryInfo, error) {
	var env registryEnvelope[ServiceRegistryInfo]
	found, err := c.get(ctx, fmt.Sprintf("/api/v1/services/%s", serviceID), &env)
	if err != nil || !found {
		return nil, err
	}
	return &env.Data, nil
}

// get performs a GET and decodes a 2xx JSON envelope into out. It returns
// (false, nil) on 404 and (false, err) on any other non-2xx status or
// transport failure.
func (c *RegistryClient) get(ctx context.Context, path string, out any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, registryTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return false, fmt.Errorf("%w: build registry request: %w", gateway.ErrInternal, err)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return false, fmt.Errorf("%w: registry request failed: %w", gateway.ErrExternalService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("%w: registry returned status %d", gateway.ErrExternalService, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return false, fmt.Errorf("%w: decode registry response: %w", gateway.ErrExternalService, err)
	}
	return true, nil
}
