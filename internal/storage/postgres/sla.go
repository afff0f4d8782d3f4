package postgres

import (
	"context"
	"time"

	gateway "github.com/llm-dev-ops/marketplace/internal"
)

// InsertSLAViolation persists a single SLA breach for audit and reporting.
func (s *Store) InsertSLAViolation(ctx context.Context, v gateway.SLAViolation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sla_violations (service_id, metric, threshold, actual, severity, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		v.ServiceID, v.Metric, v.Threshold, v.Actual, v.Severity, v.Timestamp.UTC(),
	)
	return err
}

// ListSLAViolations returns every violation recorded for serviceID since the
// given Unix timestamp (seconds).
func (s *Store) ListSLAViolations(ctx context.Context, serviceID string, since int64) ([]gateway.SLAViolation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT service_id, metric, threshold, actual, severity, occurred_at
		 FROM sla_violations WHERE service_id = $1 AND occurred_at >= $2
		 ORDER BY occurred_at DESC`,
		serviceID, time.Unix(since, 0).UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []gateway.SLAViolation
	for rows.Next() {
		var v gateway.SLAViolation
		if err := rows.Scan(&v.ServiceID, &v.Metric, &v.Threshold, &v.Actual, &v.Severity, &v.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
