package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// fakeKeyStore is a minimal in-memory APIKeyStore for auth tests.
type fakeKeyStore struct {
	mu      sync.RWMutex
	keys    map[string]*gateway.APIKey // id -> key
	touched map[string]int             // id -> touch count
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{
		keys:    make(map[string]*gateway.APIKey),
		touched: make(map[string]int),
	}
}

func (s *fakeKeyStore) CreateKey(_ context.Context, key *gateway.APIKey) error {
	s.mu.Lock()
	s.keys[key.ID] = key
	s.mu.Unlock()
	return nil
}

func (s *fakeKeyStore) GetKeyByLookupPrefix(_ context.Context, prefix string) ([]*gateway.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*gateway.APIKey
	for _, k := range s.keys {
		if k.LookupPrefix == prefix {
			out = append(out, k)
		}
	}
	if len(out) == 0 {
		return nil, gateway.ErrNotFound
	}
	return out, nil
}

func (s *fakeKeyStore) ListKeys(_ context.Context, consumerID string) ([]*gateway.APIKey, error) {
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

func (s *fakeKeyStore) RevokeKey(_ context.Context, id, consumerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.ConsumerID != consumerID || k.Revoked() {
		return gateway.ErrNotFound
	}
	now := time.Now()
	k.RevokedAt = &now
	return nil
}

func (s *fakeKeyStore) TouchKeyUsed(_ context.Context, id string) error {
	s.mu.Lock()
	s.touched[id]++
	s.mu.Unlock()
	return nil
}

func (s *fakeKeyStore) touchCount(id string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.touched[id]
}

func newTestManager(t *testing.T) (*Manager, *fakeKeyStore) {
	t.Helper()
	store := newFakeKeyStore()
	mgr, err := New(store, []byte("test-lookup-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return mgr, store
}

func authedRequest(raw string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/v1/consume", nil)
	if raw != "" {
		r.Header.Set("Authorization", "Bearer "+raw)
	}
	return r
}

func TestManager_CreateAndAuthenticate(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	resp, err := mgr.CreateKey(ctx, gateway.CreateApiKeyRequest{
		ConsumerID: "consumer-1",
		ServiceID:  "service-1",
		Tier:       gateway.TierBasic,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if resp.PlaintextKey == "" {
		t.Fatal("expected plaintext key in response")
	}

	id, err := mgr.Authenticate(ctx, authedRequest(resp.PlaintextKey))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.ConsumerID != "consumer-1" || id.ServiceID != "service-1" || id.Tier != gateway.TierBasic {
		t.Errorf("unexpected identity: %+v", id)
	}
}

func TestManager_Authenticate_WrongSecretRejected(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.CreateKey(ctx, gateway.CreateApiKeyRequest{
		ConsumerID: "consumer-2",
		ServiceID:  "service-1",
		Tier:       gateway.TierBasic,
	}); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	_, err := mgr.Authenticate(ctx, authedRequest(gateway.APIKeyPrefix+"wrongwrongwrongwrongwrongwrongwrongwrongwrongwr"))
	if err == nil {
		t.Fatal("expected authentication failure for unknown key")
	}
}

func TestManager_Authenticate_MissingHeader(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	_, err := mgr.Authenticate(context.Background(), authedRequest(""))
	if err == nil {
		t.Fatal("expected error for missing Authorization header")
	}
}

func TestManager_Authenticate_RevokedKeyRejected(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	resp, err := mgr.CreateKey(ctx, gateway.CreateApiKeyRequest{
		ConsumerID: "consumer-3",
		ServiceID:  "service-1",
		Tier:       gateway.TierBasic,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if err := mgr.RevokeKey(ctx, resp.ID, "consumer-3"); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}

	_, err = mgr.Authenticate(ctx, authedRequest(resp.PlaintextKey))
	if err == nil {
		t.Fatal("expected authentication failure for revoked key")
	}
}

func TestManager_RevokeKey_AlreadyRevokedIsNotFound(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	resp, err := mgr.CreateKey(ctx, gateway.CreateApiKeyRequest{
		ConsumerID: "consumer-4",
		ServiceID:  "service-1",
		Tier:       gateway.TierBasic,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := mgr.RevokeKey(ctx, resp.ID, "consumer-4"); err != nil {
		t.Fatalf("first RevokeKey: %v", err)
	}
	if err := mgr.RevokeKey(ctx, resp.ID, "consumer-4"); err == nil {
		t.Fatal("expected error revoking an already-revoked key")
	}
}

func TestManager_Authenticate_TouchesLastUsedOnceOnMiss(t *testing.T) {
	t.Parallel()
	mgr, store := newTestManager(t)
	ctx := context.Background()

	resp, err := mgr.CreateKey(ctx, gateway.CreateApiKeyRequest{
		ConsumerID: "consumer-5",
		ServiceID:  "service-1",
		Tier:       gateway.TierBasic,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	if _, err := mgr.Authenticate(ctx, authedRequest(resp.PlaintextKey)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	// TouchKeyUsed runs in a detached goroutine; give it a moment.
	time.Sleep(50 * time.Millisecond)
	if store.touchCount(resp.ID) != 1 {
		t.Errorf("touch count = %d, want 1", store.touchCount(resp.ID))
	}
}

func TestManager_Authenticate_CacheHitSkipsArgon2(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	resp, err := mgr.CreateKey(ctx, gateway.CreateApiKeyRequest{
		ConsumerID: "consumer-6",
		ServiceID:  "service-1",
		Tier:       gateway.TierPremium,
	})
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	for range 5 {
		id, err := mgr.Authenticate(ctx, authedRequest(resp.PlaintextKey))
		if err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
		if id.Tier != gateway.TierPremium {
			t.Errorf("tier = %v, want premium", id.Tier)
		}
	}
}

func TestHashSecret_Roundtrip(t *testing.T) {
	t.Parallel()
	secret := "llm_mk_abcdefghijklmnopqrstuvwxyz0123456789ABCDEFGHIJKL"

	hash1, err := hashSecret(secret)
	if err != nil {
		t.Fatalf("hashSecret: %v", err)
	}
	hash2, err := hashSecret(secret)
	if err != nil {
		t.Fatalf("hashSecret: %v", err)
	}
	if hash1 == hash2 {
		t.Error("argon2id hashes of the same secret should differ due to random salt")
	}

	ok, err := verifySecret(secret, hash1)
	if err != nil {
		t.Fatalf("verifySecret: %v", err)
	}
	if !ok {
		t.Error("verifySecret should accept the correct secret")
	}

	ok, err = verifySecret("wrong-secret", hash1)
	if err != nil {
		t.Fatalf("verifySecret: %v", err)
	}
	if ok {
		t.Error("verifySecret should reject an incorrect secret")
	}
}

func TestGenerateAPIKeySecret_Format(t *testing.T) {
	t.Parallel()
	k1, err := gateway.GenerateAPIKeySecret()
	if err != nil {
		t.Fatalf("GenerateAPIKeySecret: %v", err)
	}
	k2, err := gateway.GenerateAPIKeySecret()
	if err != nil {
		t.Fatalf("GenerateAPIKeySecret: %v", err)
	}
	if k1 == k2 {
		t.Error("two generated keys should not collide")
	}
	if len(k1) != len(gateway.APIKeyPrefix)+48 {
		t.Errorf("key length = %d, want %d", len(k1), len(gateway.APIKeyPrefix)+48)
	}
}
