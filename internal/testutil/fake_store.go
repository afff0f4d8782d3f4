package testutil

import (
	"context"
	"sync"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/storage"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu         sync.RWMutex
	services   map[string]*gateway.Service
	keys       map[string]*gateway.APIKey
	usage      []gateway.UsageRecord
	quota      map[string]int64 // consumer|service|month -> used tokens
	violations []gateway.SLAViolation
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		services: make(map[string]*gateway.Service),
		keys:     make(map[string]*gateway.APIKey),
		quota:    make(map[string]int64),
	}
}

// AddService seeds a service directly, bypassing CreateService.
func (s *FakeStore) AddService(svc *gateway.Service) {
	s.mu.Lock()
	s.services[svc.ID] = svc
	s.mu.Unlock()
}

// AddKey seeds an API key directly, bypassing CreateKey.
func (s *FakeStore) AddKey(k *gateway.APIKey) {
	s.mu.Lock()
	s.keys[k.ID] = k
	s.mu.Unlock()
}

// --- ServiceStore ---

func (s *FakeStore) CreateService(_ context.Context, svc *gateway.Service) error {
	s.AddService(svc)
	return nil
}

func (s *FakeStore) GetService(_ context.Context, id string) (*gateway.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	svc, ok := s.services[id]
	if !ok {
		return nil, gateway.ErrNotFound
	}
	return svc, nil
}

func (s *FakeStore) ListServices(context.Context) ([]*gateway.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*gateway.Service, 0, len(s.services))
	for _, svc := range s.services {
		out = append(out, svc)
	}
	return out, nil
}

func (s *FakeStore) UpdateService(_ context.Context, svc *gateway.Service) error {
	s.AddService(svc)
	return nil
}

func (s *FakeStore) DeleteService(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.services, id)
	s.mu.Unlock()
	return nil
}

// --- APIKeyStore ---

func (s *FakeStore) CreateKey(_ context.Context, k *gateway.APIKey) error {
	s.AddKey(k)
	return nil
}

func (s *FakeStore) GetKeyByLookupPrefix(_ context.Context, prefix string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.LookupPrefix == prefix {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *FakeStore) ListKeys(_ context.Context, consumerID string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.ConsumerID == consumerID {
			out = append(out, k)
		}
	}
	return out, nil
}

func (s *FakeStore) RevokeKey(_ context.Context, id, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.ConsumerID != consumerID {
		return gateway.ErrNotFound
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	return nil
}

func (s *FakeStore) TouchKeyUsed(context.Context, string) error { return nil }

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, r gateway.UsageRecord) error {
	s.mu.Lock()
	s.usage = append(s.usage, r)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) GetUsageStats(_ context.Context, consumerID, serviceID, _ string) (gateway.UsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats gateway.UsageStats
	stats.ServiceID = serviceID
	stats.ConsumerID = consumerID
	var errCount int64
	for _, r := range s.usage {
		if r.ServiceID != serviceID {
			continue
		}
		if consumerID != "" && r.ConsumerID != consumerID {
			continue
		}
		stats.TotalRequests++
		stats.TotalTokens += r.Usage.TotalTokens
		stats.TotalCostUSD += r.Cost.Amount
		stats.AvgLatencyMs += float64(r.LatencyMs)
		if r.StatusCode >= 400 {
			errCount++
		}
	}
	if stats.TotalRequests > 0 {
		stats.AvgLatencyMs /= float64(stats.TotalRequests)
		stats.ErrorRate = float64(errCount) / float64(stats.TotalRequests)
	}
	return stats, nil
}

// --- QuotaStore ---

func (s *FakeStore) UpsertQuotaUsage(_ context.Context, consumerID, serviceID, month string, usedTokens int64) error {
	s.mu.Lock()
	s.quota[consumerID+"|"+serviceID+"|"+month] = usedTokens
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) LoadQuotaUsage(context.Context, string) ([]storage.QuotaUsageRow, error) {
	return nil, nil
}

// --- SLAStore ---

func (s *FakeStore) InsertSLAViolation(_ context.Context, v gateway.SLAViolation) error {
	s.mu.Lock()
	s.violations = append(s.violations, v)
	s.mu.Unlock()
	return nil
}

func (s *FakeStore) ListSLAViolations(_ context.Context, serviceID string, since int64) ([]gateway.SLAViolation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []gateway.SLAViolation
	for _, v := range s.violations {
		if v.ServiceID == serviceID && v.Timestamp.Unix() >= since {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *FakeStore) Close() error { return nil }

var _ storage.Store = (*FakeStore)(nil)
