package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to gateway.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return gateway.ErrNotFound
	}
	return err
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, gateway.ErrNotFound)
	}
	return nil
}

// CreateService inserts a new service.
func (s *Store) CreateService(ctx context.Context, svc *gateway.Service) error {
	pricing, err := json.Marshal(svc.Pricing)
	if err != nil {
		return fmt.Errorf("marshal pricing: %w", err)
	}
	sla, err := json.Marshal(svc.SLA)
	if err != nil {
		return fmt.Errorf("marshal sla: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO services (id, name, endpoint, upstream_auth, timeout_ms, pricing, sla, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		svc.ID, svc.Name, svc.Endpoint, svc.UpstreamAuth, svc.TimeoutMs, pricing, sla,
		svc.CreatedAt.UTC(), svc.UpdatedAt.UTC(),
	)
	return err
}

// GetService retrieves a service by ID.
func (s *Store) GetService(ctx context.Context, id string) (*gateway.Service, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, endpoint, upstream_auth, timeout_ms, pricing, sla, created_at, updated_at
		 FROM services WHERE id = $1`, id,
	)
	return scanService(row)
}

// ListServices returns every registered service.
func (s *Store) ListServices(ctx context.Context) ([]*gateway.Service, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, endpoint, upstream_auth, timeout_ms, pricing, sla, created_at, updated_at
		 FROM services ORDER BY name`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*gateway.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, svc)
	}
	return out, rows.Err()
}

// UpdateService updates an existing service.
func (s *Store) UpdateService(ctx context.Context, svc *gateway.Service) error {
	pricing, err := json.Marshal(svc.Pricing)
	if err != nil {
		return fmt.Errorf("marshal pricing: %w", err)
	}
	sla, err := json.Marshal(svc.SLA)
	if err != nil {
		return fmt.Errorf("marshal sla: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE services SET name=$1, endpoint=$2, upstream_auth=$3, timeout_ms=$4,
		 pricing=$5, sla=$6, updated_at=$7 WHERE id=$8`,
		svc.Name, svc.Endpoint, svc.UpstreamAuth, svc.TimeoutMs, pricing, sla,
		svc.UpdatedAt.UTC(), svc.ID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "service")
}

// DeleteService removes a service.
func (s *Store) DeleteService(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM services WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "service")
}

func scanService(row scanner) (*gateway.Service, error) {
	var svc gateway.Service
	var pricing, sla []byte

	err := row.Scan(&svc.ID, &svc.Name, &svc.Endpoint, &svc.UpstreamAuth, &svc.TimeoutMs,
		&pricing, &sla, &svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if err := json.Unmarshal(pricing, &svc.Pricing); err != nil {
		return nil, fmt.Errorf("unmarshal pricing: %w", err)
	}
	if err := json.Unmarshal(sla, &svc.SLA); err != nil {
		return nil, fmt.Errorf("unmarshal sla: %w", err)
	}
	return &svc, nil
}
