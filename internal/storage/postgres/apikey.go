package postgres

import (
	"context"
	"database/sql"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// CreateKey inserts a new API key.
func (s *Store) CreateKey(ctx context.Context, key *gateway.APIKey) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, consumer_id, service_id, tier, key_hash, lookup_prefix,
		 created_at, expires_at, revoked_at, last_used_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		key.ID, key.ConsumerID, key.ServiceID, string(key.Tier), key.KeyHash, key.LookupPrefix,
		key.CreatedAt.UTC(), nullTime(key.ExpiresAt), nullTime(key.RevokedAt), nullTime(key.LastUsedAt),
	)
	return err
}

// GetKeyByLookupPrefix returns every key sharing the given lookup prefix.
// More than one may be returned on a hash collision; the caller verifies the
// Argon2id hash of each before accepting a match.
func (s *Store) GetKeyByLookupPrefix(ctx context.Context, prefix string) ([]*gateway.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, consumer_id, service_id, tier, key_hash, lookup_prefix,
		 created_at, expires_at, revoked_at, last_used_at
		 FROM api_keys WHERE lookup_prefix = $1`, prefix,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// ListKeys returns every key issued to a consumer.
func (s *Store) ListKeys(ctx context.Context, consumerID string) ([]*gateway.APIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, consumer_id, service_id, tier, key_hash, lookup_prefix,
		 created_at, expires_at, revoked_at, last_used_at
		 FROM api_keys WHERE consumer_id = $1 ORDER BY created_at DESC`, consumerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*gateway.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// RevokeKey marks a key revoked, scoped to its owning consumer.
func (s *Store) RevokeKey(ctx context.Context, id, consumerID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at=$1 WHERE id=$2 AND consumer_id=$3 AND revoked_at IS NULL`,
		time.Now().UTC(), id, consumerID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// TouchKeyUsed updates the last_used_at timestamp.
func (s *Store) TouchKeyUsed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at=$1 WHERE id=$2`, time.Now().UTC(), id,
	)
	return err
}

func scanKey(row scanner) (*gateway.APIKey, error) {
	var k gateway.APIKey
	var tier string
	var expiresAt, revokedAt, lastUsedAt sql.NullTime

	err := row.Scan(&k.ID, &k.ConsumerID, &k.ServiceID, &tier, &k.KeyHash, &k.LookupPrefix,
		&k.CreatedAt, &expiresAt, &revokedAt, &lastUsedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	k.Tier = gateway.Tier(tier)
	k.ExpiresAt = timePtr(expiresAt)
	k.RevokedAt = timePtr(revokedAt)
	k.LastUsedAt = timePtr(lastUsedAt)
	return &k, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}
