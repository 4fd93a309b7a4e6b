package workflow

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vacanze/phasegate/internal/catalog"
	"github.com/vacanze/phasegate/internal/domain"
)

const scopeName = "github.com/vacanze/phasegate/workflow"

// Sources supplies the live documents and tasks the evaluator counts.
// store.Sources implements it over a *sql.DB or *sql.Tx.
type Sources interface {
	ListDocuments(ctx context.Context, owner domain.OwnerRef) ([]domain.Document, error)
	ListTasks(ctx context.Context, owner domain.OwnerRef, phase domain.PhaseID) ([]domain.Task, error)
}

// EvalRequest selects the requirement set and the live records to count.
// OwnerContactID is only consulted for owner-scoped document requirements.
type EvalRequest struct {
	EntityType     domain.EntityType
	Phase          domain.PhaseID
	EntityID       string
	OwnerContactID string
}

// Evaluator computes completion snapshots. It holds no state besides the
// catalog, so one value can serve concurrent callers.
type Evaluator struct {
	Catalog *catalog.Catalog
	tracer  trace.Tracer
}

// NewEvaluator creates an evaluator over cat.
func NewEvaluator(cat *catalog.Catalog) *Evaluator {
	return &Evaluator{Catalog: cat, tracer: otel.Tracer(scopeName)}
}

// Evaluate returns the completion snapshot of an entity for req.Phase.
// It never writes and never caches.
func (ev *Evaluator) Evaluate(ctx context.Context, src Sources, req EvalRequest) (domain.CompletionSnapshot, error) {
	ctx, span := ev.tracer.Start(ctx, "workflow.Evaluate", trace.WithAttributes(
		attribute.String("entity.type", string(req.EntityType)),
		attribute.String("entity.id", req.EntityID),
		attribute.String("phase", string(req.Phase)),
	))
	defer span.End()

	snap, err := ev.evaluate(ctx, src, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return snap, err
	}
	span.SetAttributes(
		attribute.Bool("can_advance", snap.CanAdvance),
		attribute.Int("missing_mandatory", snap.MissingMandatoryCount()),
	)
	return snap, nil
}

func (ev *Evaluator) evaluate(ctx context.Context, src Sources, req EvalRequest) (domain.CompletionSnapshot, error) {
	snap := domain.CompletionSnapshot{
		EntityType:       req.EntityType,
		EntityID:         req.EntityID,
		Phase:            req.Phase,
		MissingMandatory: []string{},
		Requirements:     []domain.RequirementStatus{},
		Informational:    []string{},
	}

	if req.EntityID == "" {
		return snap, domain.NewEngineError(domain.ErrValidation, "entity id is required")
	}
	if _, err := ev.Catalog.Phase(req.EntityType, req.Phase); err != nil {
		return snap, err
	}
	docReqs, err := ev.Catalog.DocumentRequirements(req.EntityType, req.Phase)
	if err != nil {
		return snap, err
	}

	self := domain.OwnerRef{Type: req.EntityType, ID: req.EntityID}
	var owner domain.OwnerRef
	if req.OwnerContactID != "" && needsOwnerDocuments(docReqs) {
		owner = domain.OwnerRef{Type: req.EntityType.OwnerType(), ID: req.OwnerContactID}
	}

	var ownDocs, ownerDocs []domain.Document
	var tasks []domain.Task

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		docs, err := src.ListDocuments(gctx, self)
		ownDocs = docs
		return err
	})
	if owner.ID != "" {
		g.Go(func() error {
			docs, err := src.ListDocuments(gctx, owner)
			ownerDocs = docs
			return err
		})
	}
	g.Go(func() error {
		ts, err := src.ListTasks(gctx, self, req.Phase)
		tasks = ts
		return err
	})
	if err := g.Wait(); err != nil {
		return snap, err
	}

	matched := make(map[string]bool, len(ownDocs))
	for _, item := range docReqs {
		docs := ownDocs
		if item.Scope == domain.ScopeOwner {
			docs = ownerDocs
		}

		status := domain.RequirementStatus{
			TemplateRef: item.TemplateRef,
			Label:       item.Label,
			Mandatory:   item.Mandatory,
			Scope:       item.Scope,
			DocumentIDs: []string{},
		}
		for _, d := range docs {
			if d.Category != item.TemplateRef {
				continue
			}
			status.DocumentIDs = append(status.DocumentIDs, d.ID)
			if item.Scope == domain.ScopeEntity {
				matched[d.ID] = true
			}
			if d.State.Completed() {
				status.Satisfied = true
			}
		}

		snap.DocumentsTotal++
		if status.Satisfied {
			snap.DocumentsCompleted++
		}
		if item.Mandatory {
			snap.DocumentsMandatoryTotal++
			if status.Satisfied {
				snap.DocumentsMandatoryCompleted++
			} else {
				snap.MissingMandatory = append(snap.MissingMandatory, item.TemplateRef)
			}
		}
		snap.Requirements = append(snap.Requirements, status)
	}

	for _, d := range ownDocs {
		if !matched[d.ID] {
			snap.Informational = append(snap.Informational, d.ID)
		}
	}

	for _, t := range tasks {
		if t.Phase != req.Phase || t.State == domain.TaskCancelled {
			continue
		}
		snap.TasksTotal++
		if t.State == domain.TaskDone {
			snap.TasksCompleted++
		}
	}

	snap.PercentDocuments = percent(snap.DocumentsCompleted, snap.DocumentsTotal)
	snap.PercentTasks = percent(snap.TasksCompleted, snap.TasksTotal)
	switch {
	case snap.DocumentsTotal > 0 && snap.TasksTotal > 0:
		snap.PercentOverall = (snap.PercentDocuments + snap.PercentTasks) / 2
	case snap.DocumentsTotal > 0:
		snap.PercentOverall = snap.PercentDocuments
	case snap.TasksTotal > 0:
		snap.PercentOverall = snap.PercentTasks
	default:
		snap.PercentOverall = 100
	}

	snap.CanAdvance = snap.DocumentsMandatoryCompleted == snap.DocumentsMandatoryTotal
	return snap, nil
}

func needsOwnerDocuments(items []domain.RequirementItem) bool {
	for _, item := range items {
		if item.Scope == domain.ScopeOwner {
			return true
		}
	}
	return false
}

// percent is floor(done*100/total); an empty category is complete.
func percent(done, total int) int {
	if total == 0 {
		return 100
	}
	return done * 100 / total
}
