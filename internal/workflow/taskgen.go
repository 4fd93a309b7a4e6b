package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/store"
)

// GenerateTasksForPhase creates one task per template of (et, phase) and
// returns how many were created. It is idempotent: when the entity already
// has a non-cancelled task for the phase nothing is created.
func (e *Engine) GenerateTasksForPhase(ctx context.Context, et domain.EntityType, id string, phase domain.PhaseID, actor string) (int, error) {
	if !et.IsValid() {
		return 0, domain.NewEngineError(domain.ErrUnknownEntityType, fmt.Sprintf("unknown entity type %q", et))
	}
	if id == "" {
		return 0, domain.NewEngineError(domain.ErrValidation, "entity id is required")
	}
	if _, err := e.Catalog.Phase(et, phase); err != nil {
		return 0, err
	}

	var created int
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		ent, err := e.Entities.GetByID(ctx, tx, et, id)
		if err != nil {
			return err
		}
		created, err = e.generateTasks(ctx, tx, *ent, phase, actor, e.Now())
		return err
	})
	if err != nil {
		err = persistError(domain.ErrStorageFailed, "tasks not generated", err)
	}

	e.recordAudit(ctx, auditTasks, "generate_tasks", et, id, actor,
		map[string]any{"phase": phase}, err, map[string]any{"created": created})
	if err != nil {
		return 0, err
	}
	if created > 0 {
		e.Logger.Info("tasks generated", "entity_type", et, "entity_id", id, "phase", phase, "count", created)
	}
	return created, nil
}

func (e *Engine) generateTasks(ctx context.Context, q store.Querier, ent domain.Entity, phase domain.PhaseID, actor string, now time.Time) (int, error) {
	existing, err := e.Tasks.ListByOwner(ctx, q, ent.Ref(), phase)
	if err != nil {
		return 0, err
	}
	for _, t := range existing {
		if t.State != domain.TaskCancelled {
			return 0, nil
		}
	}

	templates, err := e.Catalog.TaskTemplates(ent.Type, phase)
	if err != nil {
		return 0, err
	}
	for _, tmpl := range templates {
		task := domain.Task{
			ID:            store.NewEntityID(),
			Owner:         ent.Ref(),
			Phase:         phase,
			TemplateRef:   tmpl.TemplateRef,
			Title:         tmpl.Label,
			State:         domain.TaskTodo,
			Priority:      tmpl.Priority,
			CreatedAtUnix: now.Unix(),
			UpdatedAtUnix: now.Unix(),
		}
		if err := e.Tasks.Create(ctx, q, task); err != nil {
			return 0, err
		}
	}
	if len(templates) == 0 {
		return 0, nil
	}

	if _, err := e.Events.Append(ctx, q, domain.PhaseEvent{
		ID:          store.NewEventID(now),
		EntityType:  ent.Type,
		EntityID:    ent.ID,
		FromPhase:   phase,
		ToPhase:     phase,
		EventType:   domain.EventTasksGenerated,
		Actor:       actor,
		PayloadJSON: mustJSON(map[string]any{"count": len(templates)}),
		CreatedAt:   now.Unix(),
	}); err != nil {
		return 0, err
	}
	return len(templates), nil
}

// TaskCountsByPhase returns the non-cancelled task tally for every phase of
// the entity's pipeline. Phases without tasks report a zero total.
func (e *Engine) TaskCountsByPhase(ctx context.Context, et domain.EntityType, id string) (map[domain.PhaseID]domain.TaskCount, error) {
	phases, err := e.Catalog.PhasesFor(et)
	if err != nil {
		return nil, err
	}
	counts, err := e.Tasks.CountByPhase(ctx, e.DB, domain.OwnerRef{Type: et, ID: id})
	if err != nil {
		return nil, domain.WrapEngineError(domain.ErrStorageFailed, "count tasks", err)
	}
	out := make(map[domain.PhaseID]domain.TaskCount, len(phases))
	for _, p := range phases {
		out[p.ID] = counts[p.ID]
	}
	return out, nil
}
