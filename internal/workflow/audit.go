package workflow

import (
	"context"
	"errors"

	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/store"
)

// Audit categories.
const (
	auditTransition = "transition"
	auditConversion = "conversion"
	auditTasks      = "tasks"
	auditRecords    = "records"
)

// recordAudit writes an audit entry outside the operation's transaction so
// blocked and failed attempts are kept too. Audit failures are logged, not
// returned: the operation outcome is already decided.
func (e *Engine) recordAudit(ctx context.Context, category, action string, et domain.EntityType, id, actor string, request any, opErr error, decision map[string]any) {
	now := e.Now()
	if decision == nil {
		decision = map[string]any{}
	}
	severity := "info"
	if opErr != nil {
		decision["error"] = opErr.Error()
		var ee *domain.EngineError
		if errors.As(opErr, &ee) {
			decision["code"] = ee.Code
			decision["kind"] = ee.Kind
		}
		severity = "warn"
		if domain.KindOf(opErr) == domain.KindCollaboratorFailure {
			severity = "error"
		}
	}
	decision["allowed"] = opErr == nil

	rec := domain.AuditRecord{
		ID:           store.NewEventID(now),
		EntityType:   string(et),
		EntityID:     id,
		Category:     category,
		Actor:        actor,
		Action:       action,
		RequestJSON:  mustJSON(request),
		DecisionJSON: mustJSON(decision),
		Severity:     severity,
		CreatedAt:    now.Unix(),
	}
	if err := e.Audit.Record(context.WithoutCancel(ctx), e.DB, rec); err != nil {
		e.Logger.Error("audit record failed", "action", action, "entity_id", id, "err", err)
	}
}

func (e *Engine) recordTransitionAudit(ctx context.Context, req TransitionRequest, decision *domain.GateDecision, opErr error) {
	d := map[string]any{}
	if decision != nil {
		if len(decision.Blockers) > 0 {
			d["blockers"] = decision.Blockers
		}
		if decision.Snapshot != nil {
			d["missing_mandatory"] = decision.Snapshot.MissingMandatory
			d["percent_overall"] = decision.Snapshot.PercentOverall
		}
	}
	e.recordAudit(ctx, auditTransition, "request_transition", req.EntityType, req.EntityID, req.Actor, req, opErr, d)
}

// AuditTrail returns the audit records of an entity.
func (e *Engine) AuditTrail(ctx context.Context, et domain.EntityType, id string) ([]domain.AuditRecord, error) {
	return e.Audit.ListByEntity(ctx, e.DB, string(et), id)
}
