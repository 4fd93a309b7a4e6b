package store

import (
	"context"

	"github.com/vacanze/phasegate/internal/domain"
)

// Sources reads documents and tasks through a Querier. Bound to a *sql.Tx it
// lets the completion evaluator see the same snapshot the transition writes to.
type Sources struct {
	Q         Querier
	Documents *DocumentRepo
	Tasks     *TaskRepo
}

// NewSources binds the document and task repositories to q.
func NewSources(q Querier) *Sources {
	return &Sources{Q: q, Documents: &DocumentRepo{}, Tasks: &TaskRepo{}}
}

// ListDocuments returns every document attached to owner.
func (s *Sources) ListDocuments(ctx context.Context, owner domain.OwnerRef) ([]domain.Document, error) {
	return s.Documents.ListByOwner(ctx, s.Q, owner)
}

// ListTasks returns the tasks of owner tagged with phase.
func (s *Sources) ListTasks(ctx context.Context, owner domain.OwnerRef, phase domain.PhaseID) ([]domain.Task, error) {
	return s.Tasks.ListByOwner(ctx, s.Q, owner, phase)
}
