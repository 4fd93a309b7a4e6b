package store

import (
	"context"
	"fmt"

	"github.com/vacanze/phasegate/internal/domain"
)

// AuditRepo handles persistence for AuditRecord entries.
type AuditRepo struct{}

// Record inserts an audit record.
func (r *AuditRepo) Record(ctx context.Context, q Querier, rec domain.AuditRecord) error {
	const query = `INSERT INTO audit_records (id, entity_type, entity_id, category, actor, action, request_json, decision_json, severity, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		rec.ID,
		rec.EntityType,
		rec.EntityID,
		rec.Category,
		rec.Actor,
		rec.Action,
		rec.RequestJSON,
		rec.DecisionJSON,
		rec.Severity,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record audit: %w", err)
	}
	return nil
}

// ListByEntity returns all audit records for an entity, ordered by creation time.
func (r *AuditRepo) ListByEntity(ctx context.Context, q Querier, entityType, entityID string) ([]domain.AuditRecord, error) {
	const query = `SELECT id, entity_type, entity_id, category, actor, action, request_json, decision_json, severity, created_at
FROM audit_records
WHERE entity_type = ? AND entity_id = ?
ORDER BY created_at ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.AuditRecord
	for rows.Next() {
		var a domain.AuditRecord
		if err := rows.Scan(&a.ID, &a.EntityType, &a.EntityID, &a.Category, &a.Actor, &a.Action,
			&a.RequestJSON, &a.DecisionJSON, &a.Severity, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit record: %w", err)
		}
		records = append(records, a)
	}
	return records, rows.Err()
}
