package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/vacanze/phasegate/internal/domain"
)

// EventRepo handles persistence for PhaseEvent records.
type EventRepo struct{}

// NextSeq returns the next sequence number for an entity's history.
func (r *EventRepo) NextSeq(ctx context.Context, q Querier, et domain.EntityType, entityID string) (int64, error) {
	const query = `SELECT COALESCE(MAX(seq_no), 0) + 1 FROM phase_events WHERE entity_type = ? AND entity_id = ?`
	var seq int64
	if err := q.QueryRowContext(ctx, query, string(et), entityID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next event seq: %w", err)
	}
	return seq, nil
}

// Append inserts an event. SeqNo is allocated when zero.
func (r *EventRepo) Append(ctx context.Context, q Querier, event domain.PhaseEvent) (domain.PhaseEvent, error) {
	if event.SeqNo == 0 {
		seq, err := r.NextSeq(ctx, q, event.EntityType, event.EntityID)
		if err != nil {
			return event, err
		}
		event.SeqNo = seq
	}
	if event.PayloadJSON == "" {
		event.PayloadJSON = "{}"
	}

	const query = `INSERT INTO phase_events (id, entity_type, entity_id, seq_no, from_phase, to_phase, event_type, actor, payload_json, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		event.ID,
		string(event.EntityType),
		event.EntityID,
		event.SeqNo,
		string(event.FromPhase),
		string(event.ToPhase),
		event.EventType,
		event.Actor,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return event, domain.WrapEngineError(domain.ErrDuplicateEvent, fmt.Sprintf("event seq %d for %s/%s", event.SeqNo, event.EntityType, event.EntityID), err)
		}
		return event, fmt.Errorf("append event: %w", err)
	}
	return event, nil
}

// ListByEntity returns events for an entity with sequence numbers greater
// than sinceSeq, ordered by sequence number ascending.
func (r *EventRepo) ListByEntity(ctx context.Context, q Querier, et domain.EntityType, entityID string, sinceSeq int64) ([]domain.PhaseEvent, error) {
	const query = `SELECT id, entity_type, entity_id, seq_no, from_phase, to_phase, event_type, actor, payload_json, created_at
FROM phase_events
WHERE entity_type = ? AND entity_id = ? AND seq_no > ?
ORDER BY seq_no ASC`

	rows, err := q.QueryContext(ctx, query, string(et), entityID, sinceSeq)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.PhaseEvent
	for rows.Next() {
		var e domain.PhaseEvent
		var etype, from, to string
		if err := rows.Scan(&e.ID, &etype, &e.EntityID, &e.SeqNo, &from, &to, &e.EventType, &e.Actor, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EntityType = domain.EntityType(etype)
		e.FromPhase = domain.PhaseID(from)
		e.ToPhase = domain.PhaseID(to)
		events = append(events, e)
	}
	return events, rows.Err()
}
