package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vacanze/phasegate/internal/domain"
)

// TaskRepo handles persistence for Task records.
type TaskRepo struct{}

const taskColumns = `id, owner_type, owner_id, phase, template_ref, title, state, priority, created_at_unix, updated_at_unix`

// Create inserts a task.
func (r *TaskRepo) Create(ctx context.Context, q Querier, t domain.Task) error {
	const query = `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := q.ExecContext(ctx, query,
		t.ID,
		string(t.Owner.Type),
		t.Owner.ID,
		string(t.Phase),
		t.TemplateRef,
		t.Title,
		string(t.State),
		string(t.Priority),
		t.CreatedAtUnix,
		t.UpdatedAtUnix,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// GetByID retrieves a task.
func (r *TaskRepo) GetByID(ctx context.Context, q Querier, id string) (*domain.Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`
	t, err := scanTask(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NewEngineError(domain.ErrNotFound, fmt.Sprintf("task %q not found", id))
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListByOwner returns the tasks of owner. An empty phase lists every phase.
func (r *TaskRepo) ListByOwner(ctx context.Context, q Querier, owner domain.OwnerRef, phase domain.PhaseID) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE owner_type = ? AND owner_id = ?`
	args := []any{string(owner.Type), owner.ID}
	if phase != "" {
		query += ` AND phase = ?`
		args = append(args, string(phase))
	}
	query += ` ORDER BY created_at_unix ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

// UpdateState changes the state of a task.
func (r *TaskRepo) UpdateState(ctx context.Context, q Querier, id string, state domain.TaskState, now int64) error {
	const query = `UPDATE tasks SET state = ?, updated_at_unix = ? WHERE id = ?`
	res, err := q.ExecContext(ctx, query, string(state), now, id)
	if err != nil {
		return fmt.Errorf("update task state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return domain.NewEngineError(domain.ErrNotFound, fmt.Sprintf("task %q not found", id))
	}
	return nil
}

// CountByPhase tallies the non-cancelled tasks of owner per phase.
func (r *TaskRepo) CountByPhase(ctx context.Context, q Querier, owner domain.OwnerRef) (map[domain.PhaseID]domain.TaskCount, error) {
	const query = `SELECT phase,
	COUNT(*),
	SUM(CASE WHEN state = ? THEN 1 ELSE 0 END)
FROM tasks
WHERE owner_type = ? AND owner_id = ? AND state <> ?
GROUP BY phase`

	rows, err := q.QueryContext(ctx, query, string(domain.TaskDone), string(owner.Type), owner.ID, string(domain.TaskCancelled))
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.PhaseID]domain.TaskCount)
	for rows.Next() {
		var phase string
		var c domain.TaskCount
		if err := rows.Scan(&phase, &c.Total, &c.Completed); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[domain.PhaseID(phase)] = c
	}
	return counts, rows.Err()
}

func scanTask(s scanner) (*domain.Task, error) {
	var t domain.Task
	var ownerType, phase, state, priority string
	if err := s.Scan(&t.ID, &ownerType, &t.Owner.ID, &phase, &t.TemplateRef, &t.Title,
		&state, &priority, &t.CreatedAtUnix, &t.UpdatedAtUnix); err != nil {
		return nil, err
	}
	t.Owner.Type = domain.EntityType(ownerType)
	t.Phase = domain.PhaseID(phase)
	t.State = domain.TaskState(state)
	t.Priority = domain.TaskPriority(priority)
	return &t, nil
}
