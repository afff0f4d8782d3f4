package auth

import (
	"context"
	"fmt"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
	"github.com/google/uuid"
)

// CreateKey generates a new plaintext API key, hashes and indexes it, and
// persists the record. The plaintext secret is returned exactly once.
func (m *Manager) CreateKey(ctx context.Context, req gateway.CreateApiKeyRequest) (*gateway.ApiKeyResponse, error) {
	if !req.Tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", gateway.ErrValidation, req.Tier)
	}

	secret, err := gateway.GenerateAPIKeySecret()
	if err != nil {
		return nil, fmt.Errorf("%w: generate key: %w", gateway.ErrInternal, err)
	}

	hash, err := hashSecret(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: hash key: %w", gateway.ErrInternal, err)
	}

	var expiresAt *time.Time
	if req.ExpiresInDays != nil {
		t := time.Now().Add(time.Duration(*req.ExpiresInDays) * 24 * time.Hour)
		expiresAt = &t
	}

	key := &gateway.APIKey{
		ID:           uuid.Must(uuid.NewV7()).String(),
		ConsumerID:   req.ConsumerID,
		ServiceID:    req.ServiceID,
		Tier:         req.Tier,
		KeyHash:      hash,
		LookupPrefix: m.lookupPrefix(secret),
		CreatedAt:    time.Now(),
		ExpiresAt:    expiresAt,
	}

	if err := m.store.CreateKey(ctx, key); err != nil {
		return nil, fmt.Errorf("%w: store key: %w", gateway.ErrDatabase, err)
	}

	return &gateway.ApiKeyResponse{
		ID:           key.ID,
		ConsumerID:   key.ConsumerID,
		ServiceID:    key.ServiceID,
		Tier:         key.Tier,
		PlaintextKey: secret,
		CreatedAt:    key.CreatedAt,
		ExpiresAt:    key.ExpiresAt,
	}, nil
}

// RevokeKey marks a key revoked, idempotently: revoking an already-revoked
// or nonexistent key for this consumer returns ErrNotFound.
func (m *Manager) RevokeKey(ctx context.Context, keyID, consumerID string) error {
	if err := m.store.RevokeKey(ctx, keyID, consumerID); err != nil {
		return err
	}
	m.InvalidateByKeyID(keyID)
	return nil
}

// ListKeys returns all keys issued to a consumer, newest first.
func (m *Manager) ListKeys(ctx context.Context, consumerID string) ([]*gateway.APIKey, error) {
	return m.store.ListKeys(ctx, consumerID)
}
