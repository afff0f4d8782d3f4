package testutil

import (
	"context"
	"net/http"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// FakeConsumer is a configurable server.Consumer for testing.
type FakeConsumer struct {
	Response *gateway.ConsumeResponse
	Err      error
}

func (f FakeConsumer) Consume(context.Context, string, *gateway.ConsumeRequest, *http.Request) (*gateway.ConsumeResponse, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Response != nil {
		return f.Response, nil
	}
	return &gateway.ConsumeResponse{RequestID: "req-fake", Content: "fake response"}, nil
}

// FakeQuota is a configurable server.QuotaReader for testing.
type FakeQuota struct {
	Status gateway.QuotaStatus
	Err    error
}

func (f FakeQuota) Check(context.Context, string, string, gateway.Tier) (gateway.QuotaStatus, error) {
	return f.Status, f.Err
}

// FakeUsage is a configurable server.UsageReader for testing.
type FakeUsage struct {
	Stats gateway.UsageStats
	Err   error
}

func (f FakeUsage) GetUsageStats(context.Context, string, string, string) (gateway.UsageStats, error) {
	return f.Stats, f.Err
}

// FakeKeys is a configurable server.KeyIssuer for testing.
type FakeKeys struct {
	CreateResp *gateway.ApiKeyResponse
	ListResp   []*gateway.APIKey
	Err        error
}

func (f FakeKeys) CreateKey(context.Context, gateway.CreateApiKeyRequest) (*gateway.ApiKeyResponse, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.CreateResp != nil {
		return f.CreateResp, nil
	}
	return &gateway.ApiKeyResponse{ID: "key-fake", PlaintextKey: "llm_mk_fake"}, nil
}

func (f FakeKeys) ListKeys(context.Context, string) ([]*gateway.APIKey, error) {
	return f.ListResp, f.Err
}

func (f FakeKeys) RevokeKey(context.Context, string, string) error {
	return f.Err
}

// FakeSLA is a configurable server.SLAReader for testing.
type FakeSLA struct {
	Status gateway.SLAStatus
	Err    error
}

func (f FakeSLA) GetStatus(context.Context, *gateway.Service) (gateway.SLAStatus, error) {
	return f.Status, f.Err
}

// FakeServices is a configurable server.ServiceResolver for testing.
type FakeServices struct {
	Service *gateway.Service
	Err     error
}

func (f FakeServices) GetService(context.Context, string) (*gateway.Service, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if f.Service != nil {
		return f.Service, nil
	}
	return &gateway.Service{ID: "svc-test", Name: "test", Endpoint: "http://upstream.test"}, nil
}
