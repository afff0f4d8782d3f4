// Package auth implements API key authentication and lifecycle management
// for the consumption gateway. Keys are plaintext-once, Argon2id-hashed at
// rest, and indexed by a keyed HMAC-SHA256 lookup prefix so validation never
// needs to scan the whole key table.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/llm-dev-ops/marketplace/internal/storage"
	"github.com/maypok86/otter/v2"
)

const (
	cacheTTL    = 30 * time.Second // short enough to pick up revocations promptly
	cacheMaxLen = 10_000           // max concurrent active keys expected per deployment

	lookupPrefixLen = 16 // hex chars (8 bytes) of the HMAC digest used for indexing
)

// Manager authenticates API keys and caches resolved identities in an otter
// W-TinyLFU cache keyed by the plaintext secret's SHA-256 digest (a fast,
// unsalted fingerprint used only for cache addressing -- never stored).
type Manager struct {
	store      storage.APIKeyStore
	lookupKey  []byte // HMAC key deriving the indexed lookup prefix
	cache      *otter.Cache[string, *gateway.APIKey]
	idToCacheKey sync.Map // key ID -> cache key, for invalidation
}

// New returns a Manager backed by store. lookupKey is a server-held secret
// (distinct from any individual API key) used to derive the HMAC lookup
// prefix; rotating it invalidates every existing key's index.
func New(store storage.APIKeyStore, lookupKey []byte) (*Manager, error) {
	c, err := otter.New(&otter.Options[string, *gateway.APIKey]{
		MaximumSize:      cacheMaxLen,
		ExpiryCalculator: otter.ExpiryWriting[string, *gateway.APIKey](cacheTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("create auth cache: %w", err)
	}
	return &Manager{store: store, lookupKey: lookupKey, cache: c}, nil
}

// lookupPrefix derives the indexed HMAC-SHA256 prefix for a plaintext secret.
func (m *Manager) lookupPrefix(secret string) string {
	h := hmac.New(sha256.New, m.lookupKey)
	h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))[:lookupPrefixLen]
}

// cacheKey derives the (non-credential) cache addressing key for a secret.
func cacheKey(secret string) string {
	h := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(h[:])
}

// Authenticate extracts a Bearer token, resolves it to the issuing API key,
// and returns the caller's Identity. Only "llm_mk_"-prefixed keys are
// handled; everything else returns ErrAuthentication.
func (m *Manager) Authenticate(ctx context.Context, r *http.Request) (*gateway.Identity, error) {
	raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if raw == "" || raw == r.Header.Get("Authorization") {
		return nil, gateway.ErrAuthentication
	}
	if !strings.HasPrefix(raw, gateway.APIKeyPrefix) {
		return nil, gateway.ErrAuthentication
	}

	ck := cacheKey(raw)
	if key, ok := m.cache.GetIfPresent(ck); ok {
		return m.checkAndBuild(key)
	}

	prefix := m.lookupPrefix(raw)
	candidates, err := m.store.GetKeyByLookupPrefix(ctx, prefix)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			return nil, gateway.ErrAuthentication
		}
		return nil, err
	}

	var match *gateway.APIKey
	for _, c := range candidates {
		ok, err := verifySecret(raw, c.KeyHash)
		if err != nil {
			continue
		}
		if ok {
			match = c
			break
		}
	}
	if match == nil {
		return nil, gateway.ErrAuthentication
	}

	m.cache.Set(ck, match)
	m.idToCacheKey.Store(match.ID, ck)

	go func() {
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = m.store.TouchKeyUsed(bctx, match.ID)
	}()

	return m.checkAndBuild(match)
}

func (m *Manager) checkAndBuild(key *gateway.APIKey) (*gateway.Identity, error) {
	if key.Revoked() {
		return nil, gateway.ErrKeyBlocked
	}
	if key.Expired() {
		return nil, gateway.ErrKeyExpired
	}
	return &gateway.Identity{
		ConsumerID: key.ConsumerID,
		ServiceID:  key.ServiceID,
		Tier:       key.Tier,
		KeyID:      key.ID,
	}, nil
}

// InvalidateByKeyID removes a cached identity by its key ID. Used when
// admin operations (revoke) modify a key.
func (m *Manager) InvalidateByKeyID(keyID string) {
	if ck, ok := m.idToCacheKey.LoadAndDelete(keyID); ok {
		m.cache.Invalidate(ck.(string))
	}
}
