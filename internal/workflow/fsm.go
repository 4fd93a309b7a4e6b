package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vacanze/phasegate/internal/catalog"
	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/store"
)

// TransitionRequest asks to move an entity one phase forward or back.
// CurrentPhase is what the caller believes the entity is in; ExpectedVersion,
// when non-zero, must match the stored version.
type TransitionRequest struct {
	EntityType      domain.EntityType `json:"entity_type"`
	EntityID        string            `json:"entity_id"`
	CurrentPhase    domain.PhaseID    `json:"current_phase"`
	TargetPhase     domain.PhaseID    `json:"target_phase"`
	ExpectedVersion int64             `json:"expected_version,omitempty"`
	Actor           string            `json:"actor,omitempty"`
}

func (r TransitionRequest) validate() error {
	switch {
	case !r.EntityType.IsValid():
		return domain.NewEngineError(domain.ErrUnknownEntityType, fmt.Sprintf("unknown entity type %q", r.EntityType))
	case r.EntityID == "":
		return domain.NewEngineError(domain.ErrValidation, "entity id is required")
	case r.TargetPhase == "":
		return domain.NewEngineError(domain.ErrValidation, "target phase is required")
	}
	return nil
}

// Engine coordinates phase transitions, conversions and task generation.
// It is the only writer of an entity's current phase.
type Engine struct {
	DB           *sql.DB
	Catalog      *catalog.Catalog
	Evaluator    *Evaluator
	GateRegistry *PhaseGateRegistry
	Entities     *store.EntityRepo
	Documents    *store.DocumentRepo
	Tasks        *store.TaskRepo
	Events       *store.EventRepo
	Audit        *store.AuditRepo
	Logger       *slog.Logger

	// AutoGenerateTasks materializes the task templates of the phase an
	// entity enters on forward moves and conversions.
	AutoGenerateTasks bool

	// Now is the clock; tests replace it.
	Now func() time.Time

	tracer      trace.Tracer
	transitions metric.Int64Counter
	duration    metric.Float64Histogram
}

// NewEngine creates an engine with all dependencies.
func NewEngine(db *sql.DB, cat *catalog.Catalog, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	ev := NewEvaluator(cat)
	entities := &store.EntityRepo{}

	m := otel.Meter(scopeName)
	transitions, _ := m.Int64Counter("phasegate.transitions",
		metric.WithDescription("Phase transition requests by result"),
	)
	duration, _ := m.Float64Histogram("phasegate.transition.duration",
		metric.WithDescription("Phase transition duration in milliseconds"),
		metric.WithUnit("ms"),
	)

	return &Engine{
		DB:           db,
		Catalog:      cat,
		Evaluator:    ev,
		GateRegistry: NewPhaseGateRegistry(ev, entities),
		Entities:     entities,
		Documents:    &store.DocumentRepo{},
		Tasks:        &store.TaskRepo{},
		Events:       &store.EventRepo{},
		Audit:        &store.AuditRepo{},
		Logger:       logger,
		Now:          time.Now,
		tracer:       otel.Tracer(scopeName),
		transitions:  transitions,
		duration:     duration,
	}
}

// RequestTransition moves an entity to an adjacent phase. Forward moves must
// pass every gate registered for the current phase; backward moves are free.
// The gate read and the phase write share one transaction and the write is
// guarded by the entity version.
func (e *Engine) RequestTransition(ctx context.Context, req TransitionRequest) (*domain.Entity, error) {
	start := e.Now()
	ctx, span := e.tracer.Start(ctx, "workflow.RequestTransition", trace.WithAttributes(
		attribute.String("entity.type", string(req.EntityType)),
		attribute.String("entity.id", req.EntityID),
		attribute.String("phase.from", string(req.CurrentPhase)),
		attribute.String("phase.to", string(req.TargetPhase)),
	))
	defer span.End()

	updated, decision, err := e.transition(ctx, req)

	result := "ok"
	if err != nil {
		result = "blocked"
		if domain.KindOf(err) == domain.KindCollaboratorFailure {
			result = "failed"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	attrs := metric.WithAttributes(
		attribute.String("entity.type", string(req.EntityType)),
		attribute.String("result", result),
	)
	e.transitions.Add(ctx, 1, attrs)
	e.duration.Record(ctx, float64(e.Now().Sub(start).Milliseconds()), attrs)

	e.recordTransitionAudit(ctx, req, decision, err)

	switch result {
	case "ok":
		e.Logger.Info("phase transition",
			"entity_type", req.EntityType, "entity_id", req.EntityID,
			"from", req.CurrentPhase, "to", updated.CurrentPhase, "actor", req.Actor)
	case "blocked":
		e.Logger.Info("phase transition blocked",
			"entity_type", req.EntityType, "entity_id", req.EntityID,
			"to", req.TargetPhase, "reason", err)
	default:
		e.Logger.Error("phase transition failed",
			"entity_type", req.EntityType, "entity_id", req.EntityID,
			"to", req.TargetPhase, "err", err)
	}

	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *Engine) transition(ctx context.Context, req TransitionRequest) (*domain.Entity, *domain.GateDecision, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	target, err := e.Catalog.Phase(req.EntityType, req.TargetPhase)
	if err != nil {
		return nil, nil, err
	}

	var updated *domain.Entity
	var decision *domain.GateDecision

	err = store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		ent, err := e.Entities.GetByID(ctx, tx, req.EntityType, req.EntityID)
		if err != nil {
			return err
		}
		if req.CurrentPhase != "" && ent.CurrentPhase != req.CurrentPhase {
			return domain.NewEngineError(domain.ErrPhaseMismatch,
				fmt.Sprintf("entity is in %s, not %s", ent.CurrentPhase, req.CurrentPhase))
		}
		if req.ExpectedVersion != 0 && ent.Version != req.ExpectedVersion {
			return domain.ErrOptimisticLock
		}
		if ent.Outcome.Closed() {
			return domain.NewEngineError(domain.ErrEntityClosed,
				fmt.Sprintf("%s %s is closed with outcome %s", ent.Type, ent.ID, ent.Outcome))
		}

		current, err := e.Catalog.Phase(ent.Type, ent.CurrentPhase)
		if err != nil {
			return err
		}

		delta := target.Ordinal - current.Ordinal
		if delta != 1 && delta != -1 {
			return domain.NewEngineError(domain.ErrInvalidTransition,
				fmt.Sprintf("illegal transition %s -> %s", current.ID, target.ID)).
				WithDetails(map[string]string{"from": string(current.ID), "to": string(target.ID)})
		}

		if delta == 1 {
			d, err := e.checkGates(ctx, tx, *ent)
			if err != nil {
				return err
			}
			decision = &d
			if !d.Allow {
				return d.Err
			}
		}

		now := e.Now()
		if err := e.Entities.UpdatePhase(ctx, tx, ent.Type, ent.ID, target.ID, ent.Version, now.Unix()); err != nil {
			return err
		}
		if _, err := e.Events.Append(ctx, tx, domain.PhaseEvent{
			ID:          store.NewEventID(now),
			EntityType:  ent.Type,
			EntityID:    ent.ID,
			FromPhase:   current.ID,
			ToPhase:     target.ID,
			EventType:   domain.EventPhaseTransition,
			Actor:       req.Actor,
			PayloadJSON: mustJSON(map[string]any{"direction": direction(delta)}),
			CreatedAt:   now.Unix(),
		}); err != nil {
			return err
		}

		ent.CurrentPhase = target.ID
		ent.Version++
		ent.UpdatedAtUnix = now.Unix()

		if delta == 1 && e.AutoGenerateTasks {
			if _, err := e.generateTasks(ctx, tx, *ent, target.ID, req.Actor, now); err != nil {
				return err
			}
		}

		updated = ent
		return nil
	})
	if err != nil {
		return nil, decision, persistError(domain.ErrTransitionPersistFailed, "transition not persisted", err)
	}
	return updated, decision, nil
}

// checkGates runs the gates of the entity's current phase in order and stops
// at the first one that blocks.
func (e *Engine) checkGates(ctx context.Context, q store.Querier, ent domain.Entity) (domain.GateDecision, error) {
	gates, err := e.GateRegistry.Get(ent.Type, ent.CurrentPhase)
	if err != nil {
		return domain.GateDecision{}, err
	}
	allowed := domain.GateDecision{Allow: true}
	for _, g := range gates {
		d, err := g.Evaluate(ctx, q, ent)
		if err != nil {
			return domain.GateDecision{}, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		if !d.Allow {
			if d.Err == nil {
				d.Err = domain.NewEngineError(domain.ErrPhaseGateFailed, fmt.Sprintf("gate %s blocked: %v", g.Name(), d.Blockers))
			}
			return d, nil
		}
		if d.Snapshot != nil {
			allowed.Snapshot = d.Snapshot
		}
	}
	return allowed, nil
}

// Completion evaluates the entity's current phase against live documents and tasks.
func (e *Engine) Completion(ctx context.Context, et domain.EntityType, id string) (domain.CompletionSnapshot, error) {
	ent, err := e.Get(ctx, et, id)
	if err != nil {
		return domain.CompletionSnapshot{}, err
	}
	return e.Evaluator.Evaluate(ctx, store.NewSources(e.DB), evalRequestFor(*ent))
}

// Get returns an entity.
func (e *Engine) Get(ctx context.Context, et domain.EntityType, id string) (*domain.Entity, error) {
	if !et.IsValid() {
		return nil, domain.NewEngineError(domain.ErrUnknownEntityType, fmt.Sprintf("unknown entity type %q", et))
	}
	return e.Entities.GetByID(ctx, e.DB, et, id)
}

// History returns the events of an entity after sinceSeq.
func (e *Engine) History(ctx context.Context, et domain.EntityType, id string, sinceSeq int64) ([]domain.PhaseEvent, error) {
	return e.Events.ListByEntity(ctx, e.DB, et, id, sinceSeq)
}

// persistError passes engine errors that describe the request through and
// wraps everything else, storage failures included, in sentinel.
func persistError(sentinel *domain.EngineError, msg string, err error) error {
	var ee *domain.EngineError
	if errors.As(err, &ee) && ee.Kind != domain.KindCollaboratorFailure {
		return ee
	}
	return domain.WrapEngineError(sentinel, msg, err)
}

func direction(delta int) string {
	if delta > 0 {
		return "forward"
	}
	return "backward"
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
