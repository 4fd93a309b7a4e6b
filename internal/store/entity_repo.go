package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vacanze/phasegate/internal/domain"
)

// EntityRepo handles persistence for leads, lead properties, clients and
// client properties. All four share one table keyed by entity_type.
type EntityRepo struct{}

const entityColumns = `id, entity_type, name, email, phone, notes, current_phase, outcome,
	owner_contact_id, source_id, code, expected_property_count, rejection_reason,
	rejection_notes, version, created_at_unix, updated_at_unix`

// Create inserts a new entity.
func (r *EntityRepo) Create(ctx context.Context, q Querier, e domain.Entity) error {
	const query = `INSERT INTO entities (` + entityColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		e.ID,
		string(e.Type),
		e.Name,
		e.Email,
		e.Phone,
		e.Notes,
		string(e.CurrentPhase),
		string(e.Outcome),
		e.OwnerContactID,
		e.SourceID,
		e.Code,
		e.ExpectedPropertyCount,
		e.RejectionReason,
		e.RejectionNotes,
		e.Version,
		e.CreatedAtUnix,
		e.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// GetByID retrieves an entity by type and id.
func (r *EntityRepo) GetByID(ctx context.Context, q Querier, et domain.EntityType, id string) (*domain.Entity, error) {
	const query = `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ? AND id = ?`
	e, err := scanEntity(q.QueryRowContext(ctx, query, string(et), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewEngineError(domain.ErrNotFound, fmt.Sprintf("%s %q not found", et, id))
		}
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return e, nil
}

// FindBySource returns the entity of type et created from sourceID, or nil.
func (r *EntityRepo) FindBySource(ctx context.Context, q Querier, et domain.EntityType, sourceID string) (*domain.Entity, error) {
	const query = `SELECT ` + entityColumns + ` FROM entities WHERE entity_type = ? AND source_id = ? LIMIT 1`
	e, err := scanEntity(q.QueryRowContext(ctx, query, string(et), sourceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find entity by source: %w", err)
	}
	return e, nil
}

// ListByOwner returns entities of type et owned by ownerID, oldest first.
func (r *EntityRepo) ListByOwner(ctx context.Context, q Querier, et domain.EntityType, ownerID string) ([]domain.Entity, error) {
	const query = `SELECT ` + entityColumns + ` FROM entities
WHERE entity_type = ? AND owner_contact_id = ?
ORDER BY created_at_unix ASC, id ASC`
	return r.list(ctx, q, query, string(et), ownerID)
}

// ListUnlinkedClientProperties returns client properties confirmed from the
// lead's properties that have no owning client yet.
func (r *EntityRepo) ListUnlinkedClientProperties(ctx context.Context, q Querier, leadID string) ([]domain.Entity, error) {
	const query = `SELECT ` + entityColumns + ` FROM entities
WHERE entity_type = ? AND owner_contact_id = '' AND source_id IN (
	SELECT id FROM entities WHERE entity_type = ? AND owner_contact_id = ?
)
ORDER BY created_at_unix ASC, id ASC`
	return r.list(ctx, q, query, string(domain.EntityClientProperty), string(domain.EntityLeadProperty), leadID)
}

func (r *EntityRepo) list(ctx context.Context, q Querier, query string, args ...any) ([]domain.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var out []domain.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// CountByOwner counts entities of type et owned by ownerID.
func (r *EntityRepo) CountByOwner(ctx context.Context, q Querier, et domain.EntityType, ownerID string) (int, error) {
	const query = `SELECT COUNT(*) FROM entities WHERE entity_type = ? AND owner_contact_id = ?`
	var n int
	if err := q.QueryRowContext(ctx, query, string(et), ownerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count entities: %w", err)
	}
	return n, nil
}

// CountActiveByOwner counts entities of type et owned by ownerID that were
// not rejected. Won entities still count.
func (r *EntityRepo) CountActiveByOwner(ctx context.Context, q Querier, et domain.EntityType, ownerID string) (int, error) {
	const query = `SELECT COUNT(*) FROM entities
WHERE entity_type = ? AND owner_contact_id = ? AND outcome NOT IN (?, ?)`
	var n int
	if err := q.QueryRowContext(ctx, query, string(et), ownerID,
		string(domain.OutcomeLost), string(domain.OutcomeDiscarded)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active entities: %w", err)
	}
	return n, nil
}

// UpdatePhase writes a new phase using optimistic locking: the update only
// succeeds if the stored version still equals expectedVersion.
func (r *EntityRepo) UpdatePhase(ctx context.Context, q Querier, et domain.EntityType, id string, phase domain.PhaseID, expectedVersion, now int64) error {
	const query = `UPDATE entities SET
		current_phase = ?,
		version = version + 1,
		updated_at_unix = ?
	WHERE entity_type = ? AND id = ? AND version = ?`
	res, err := q.ExecContext(ctx, query, string(phase), now, string(et), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("update entity phase: %w", err)
	}
	return checkVersioned(res)
}

// UpdateOutcome closes or reopens an entity, recording the rejection reason.
func (r *EntityRepo) UpdateOutcome(ctx context.Context, q Querier, et domain.EntityType, id string, outcome domain.Outcome, reason, notes string, expectedVersion, now int64) error {
	const query = `UPDATE entities SET
		outcome = ?,
		rejection_reason = ?,
		rejection_notes = ?,
		version = version + 1,
		updated_at_unix = ?
	WHERE entity_type = ? AND id = ? AND version = ?`
	res, err := q.ExecContext(ctx, query, string(outcome), reason, notes, now, string(et), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("update entity outcome: %w", err)
	}
	return checkVersioned(res)
}

// UpdateExpectedPropertyCount sets the declared property count of a lead.
func (r *EntityRepo) UpdateExpectedPropertyCount(ctx context.Context, q Querier, id string, count int, expectedVersion, now int64) error {
	const query = `UPDATE entities SET
		expected_property_count = ?,
		version = version + 1,
		updated_at_unix = ?
	WHERE entity_type = ? AND id = ? AND version = ?`
	res, err := q.ExecContext(ctx, query, count, now, string(domain.EntityLead), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("update expected property count: %w", err)
	}
	return checkVersioned(res)
}

// LinkOwner sets the owning contact of an entity.
func (r *EntityRepo) LinkOwner(ctx context.Context, q Querier, et domain.EntityType, id, ownerID string, expectedVersion, now int64) error {
	const query = `UPDATE entities SET
		owner_contact_id = ?,
		version = version + 1,
		updated_at_unix = ?
	WHERE entity_type = ? AND id = ? AND version = ?`
	res, err := q.ExecContext(ctx, query, ownerID, now, string(et), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("link entity owner: %w", err)
	}
	return checkVersioned(res)
}

// NextCode allocates the next sequential code for prefix, e.g. "CL-0001".
func (r *EntityRepo) NextCode(ctx context.Context, q Querier, prefix string) (string, error) {
	const upsert = `INSERT INTO code_counters (prefix, last) VALUES (?, 1)
ON CONFLICT(prefix) DO UPDATE SET last = last + 1`
	if _, err := q.ExecContext(ctx, upsert, prefix); err != nil {
		return "", fmt.Errorf("allocate code: %w", err)
	}
	var n int64
	if err := q.QueryRowContext(ctx, `SELECT last FROM code_counters WHERE prefix = ?`, prefix).Scan(&n); err != nil {
		return "", fmt.Errorf("read code counter: %w", err)
	}
	return fmt.Sprintf("%s-%04d", prefix, n), nil
}

func checkVersioned(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrOptimisticLock
	}
	return nil
}

func scanEntity(s scanner) (*domain.Entity, error) {
	var e domain.Entity
	var et, phase, outcome string
	err := s.Scan(&e.ID, &et, &e.Name, &e.Email, &e.Phone, &e.Notes, &phase, &outcome,
		&e.OwnerContactID, &e.SourceID, &e.Code, &e.ExpectedPropertyCount,
		&e.RejectionReason, &e.RejectionNotes, &e.Version, &e.CreatedAtUnix, &e.UpdatedAtUnix)
	if err != nil {
		return nil, err
	}
	e.Type = domain.EntityType(et)
	e.CurrentPhase = domain.PhaseID(phase)
	e.Outcome = domain.Outcome(outcome)
	return &e, nil
}
