package workflow

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/store"
)

// Code prefixes of converted records.
const (
	clientCodePrefix   = "CL"
	propertyCodePrefix = "IM"
)

// ConvertLeadToClient creates a client at its entry phase from a lead that
// sits in the last active lead phase with an open outcome. The lead keeps
// its phase and is marked won. Client properties already confirmed from the
// lead's properties are linked to the new client.
func (e *Engine) ConvertLeadToClient(ctx context.Context, leadID, actor string) (*domain.Entity, error) {
	var client *domain.Entity
	err := e.convert(ctx, func(tx *sql.Tx, now time.Time) error {
		lead, err := e.Entities.GetByID(ctx, tx, domain.EntityLead, leadID)
		if err != nil {
			return err
		}
		if err := e.requireConvertible(*lead); err != nil {
			return err
		}
		entry, err := e.Catalog.First(domain.EntityClient)
		if err != nil {
			return err
		}
		code, err := e.Entities.NextCode(ctx, tx, clientCodePrefix)
		if err != nil {
			return err
		}

		c := domain.Entity{
			ID:            store.NewEntityID(),
			Type:          domain.EntityClient,
			Name:          lead.Name,
			Email:         lead.Email,
			Phone:         lead.Phone,
			Notes:         lead.Notes,
			CurrentPhase:  entry.ID,
			Outcome:       domain.OutcomeInProgress,
			SourceID:      lead.ID,
			Code:          code,
			Version:       1,
			CreatedAtUnix: now.Unix(),
			UpdatedAtUnix: now.Unix(),
		}
		if err := e.Entities.Create(ctx, tx, c); err != nil {
			return err
		}
		if err := e.Entities.UpdateOutcome(ctx, tx, lead.Type, lead.ID, domain.OutcomeWon, "", "", lead.Version, now.Unix()); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, *lead, domain.EventConverted, actor, now, map[string]any{"client_id": c.ID, "code": code}); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, c, domain.EventCreatedFromSource, actor, now, map[string]any{"lead_id": lead.ID}); err != nil {
			return err
		}

		props, err := e.Entities.ListUnlinkedClientProperties(ctx, tx, lead.ID)
		if err != nil {
			return err
		}
		for _, p := range props {
			if err := e.Entities.LinkOwner(ctx, tx, p.Type, p.ID, c.ID, p.Version, now.Unix()); err != nil {
				return err
			}
			if err := e.appendEvent(ctx, tx, p, domain.EventOwnerLinked, actor, now, map[string]any{"client_id": c.ID}); err != nil {
				return err
			}
		}

		if e.AutoGenerateTasks {
			if _, err := e.generateTasks(ctx, tx, c, entry.ID, actor, now); err != nil {
				return err
			}
		}
		client = &c
		return nil
	})

	e.recordAudit(ctx, auditConversion, "convert_lead_to_client", domain.EntityLead, leadID, actor,
		map[string]any{"lead_id": leadID}, err, conversionDecision(client))
	if err != nil {
		return nil, err
	}
	e.Logger.Info("lead converted", "lead_id", leadID, "client_id", client.ID, "code", client.Code, "actor", actor)
	return client, nil
}

// ConfirmLeadProperty creates a client property at its entry phase from a
// lead property in the last active phase and marks the source won. The new
// property is owned by the client converted from the owning lead, or stays
// unowned until that lead is converted.
func (e *Engine) ConfirmLeadProperty(ctx context.Context, leadPropertyID, actor string) (*domain.Entity, error) {
	var property *domain.Entity
	err := e.convert(ctx, func(tx *sql.Tx, now time.Time) error {
		lp, err := e.Entities.GetByID(ctx, tx, domain.EntityLeadProperty, leadPropertyID)
		if err != nil {
			return err
		}
		if err := e.requireConvertible(*lp); err != nil {
			return err
		}
		entry, err := e.Catalog.First(domain.EntityClientProperty)
		if err != nil {
			return err
		}

		var ownerID string
		if lp.OwnerContactID != "" {
			client, err := e.Entities.FindBySource(ctx, tx, domain.EntityClient, lp.OwnerContactID)
			if err != nil {
				return err
			}
			if client != nil {
				ownerID = client.ID
			}
		}

		code, err := e.Entities.NextCode(ctx, tx, propertyCodePrefix)
		if err != nil {
			return err
		}
		p := domain.Entity{
			ID:             store.NewEntityID(),
			Type:           domain.EntityClientProperty,
			Name:           lp.Name,
			Notes:          lp.Notes,
			CurrentPhase:   entry.ID,
			Outcome:        domain.OutcomeInProgress,
			OwnerContactID: ownerID,
			SourceID:       lp.ID,
			Code:           code,
			Version:        1,
			CreatedAtUnix:  now.Unix(),
			UpdatedAtUnix:  now.Unix(),
		}
		if err := e.Entities.Create(ctx, tx, p); err != nil {
			return err
		}
		if err := e.Entities.UpdateOutcome(ctx, tx, lp.Type, lp.ID, domain.OutcomeWon, "", "", lp.Version, now.Unix()); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, *lp, domain.EventConfirmed, actor, now, map[string]any{"client_property_id": p.ID, "code": code}); err != nil {
			return err
		}
		if err := e.appendEvent(ctx, tx, p, domain.EventCreatedFromSource, actor, now, map[string]any{"lead_property_id": lp.ID}); err != nil {
			return err
		}
		if e.AutoGenerateTasks {
			if _, err := e.generateTasks(ctx, tx, p, entry.ID, actor, now); err != nil {
				return err
			}
		}
		property = &p
		return nil
	})

	e.recordAudit(ctx, auditConversion, "confirm_lead_property", domain.EntityLeadProperty, leadPropertyID, actor,
		map[string]any{"lead_property_id": leadPropertyID}, err, conversionDecision(property))
	if err != nil {
		return nil, err
	}
	e.Logger.Info("lead property confirmed", "lead_property_id", leadPropertyID, "client_property_id", property.ID, "actor", actor)
	return property, nil
}

// RejectRequest closes a lead as lost or a lead property as discarded.
type RejectRequest struct {
	EntityType      domain.EntityType      `json:"entity_type"`
	EntityID        string                 `json:"entity_id"`
	Reason          domain.RejectionReason `json:"reason"`
	Notes           string                 `json:"notes,omitempty"`
	ExpectedVersion int64                  `json:"expected_version,omitempty"`
	Actor           string                 `json:"actor,omitempty"`
}

// Reject closes an open lead or lead property with a reason code, freezing
// its phase.
func (e *Engine) Reject(ctx context.Context, req RejectRequest) (*domain.Entity, error) {
	var updated *domain.Entity
	err := e.validateReject(req)
	if err == nil {
		outcome, _ := domain.RejectedOutcome(req.EntityType)
		err = e.convert(ctx, func(tx *sql.Tx, now time.Time) error {
			ent, err := e.Entities.GetByID(ctx, tx, req.EntityType, req.EntityID)
			if err != nil {
				return err
			}
			if req.ExpectedVersion != 0 && ent.Version != req.ExpectedVersion {
				return domain.ErrOptimisticLock
			}
			if ent.Outcome.Closed() {
				return domain.NewEngineError(domain.ErrPreconditionFailed,
					fmt.Sprintf("%s %s is already closed with outcome %s", ent.Type, ent.ID, ent.Outcome)).
					WithDetails(map[string]string{"outcome": string(ent.Outcome)})
			}
			notes := strings.TrimSpace(req.Notes)
			if err := e.Entities.UpdateOutcome(ctx, tx, ent.Type, ent.ID, outcome, string(req.Reason), notes, ent.Version, now.Unix()); err != nil {
				return err
			}
			if err := e.appendEvent(ctx, tx, *ent, domain.EventRejected, req.Actor, now, map[string]any{"reason": req.Reason, "outcome": outcome}); err != nil {
				return err
			}
			ent.Outcome = outcome
			ent.RejectionReason = string(req.Reason)
			ent.RejectionNotes = notes
			ent.Version++
			ent.UpdatedAtUnix = now.Unix()
			updated = ent
			return nil
		})
	}

	e.recordAudit(ctx, auditConversion, "reject", req.EntityType, req.EntityID, req.Actor, req, err, nil)
	if err != nil {
		return nil, err
	}
	e.Logger.Info("entity rejected", "entity_type", req.EntityType, "entity_id", req.EntityID, "reason", req.Reason)
	return updated, nil
}

func (e *Engine) validateReject(req RejectRequest) error {
	if req.EntityID == "" {
		return domain.NewEngineError(domain.ErrValidation, "entity id is required")
	}
	if _, ok := domain.RejectedOutcome(req.EntityType); !ok {
		return domain.NewEngineError(domain.ErrValidation, fmt.Sprintf("%s cannot be rejected", req.EntityType))
	}
	if req.Reason == "" {
		return domain.NewEngineError(domain.ErrValidation, "rejection reason is required")
	}
	if !domain.ValidRejectionReason(req.EntityType, req.Reason) {
		return domain.NewEngineError(domain.ErrInvalidReason,
			fmt.Sprintf("reason %q not allowed for %s", req.Reason, req.EntityType))
	}
	return nil
}

// UpdateExpectedPropertyCount sets how many properties an open lead declares.
func (e *Engine) UpdateExpectedPropertyCount(ctx context.Context, leadID string, count int, actor string) (*domain.Entity, error) {
	var updated *domain.Entity
	var err error
	if count < 1 {
		err = domain.NewEngineError(domain.ErrValidation, "expected property count must be at least 1").
			WithDetails(map[string]string{"count": fmt.Sprint(count)})
	} else {
		err = e.convert(ctx, func(tx *sql.Tx, now time.Time) error {
			lead, err := e.updateExpectedCount(ctx, tx, leadID, count, actor, now)
			updated = lead
			return err
		})
	}

	e.recordAudit(ctx, auditRecords, "update_expected_property_count", domain.EntityLead, leadID, actor,
		map[string]any{"count": count}, err, nil)
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (e *Engine) updateExpectedCount(ctx context.Context, q store.Querier, leadID string, count int, actor string, now time.Time) (*domain.Entity, error) {
	lead, err := e.Entities.GetByID(ctx, q, domain.EntityLead, leadID)
	if err != nil {
		return nil, err
	}
	if lead.Outcome.Closed() {
		return nil, domain.NewEngineError(domain.ErrPreconditionFailed, fmt.Sprintf("lead %s is closed", lead.ID))
	}
	if lead.ExpectedPropertyCount == count {
		return lead, nil
	}
	if err := e.Entities.UpdateExpectedPropertyCount(ctx, q, lead.ID, count, lead.Version, now.Unix()); err != nil {
		return nil, err
	}
	if err := e.appendEvent(ctx, q, *lead, domain.EventExpectedCount, actor, now,
		map[string]any{"from": lead.ExpectedPropertyCount, "to": count}); err != nil {
		return nil, err
	}
	lead.ExpectedPropertyCount = count
	lead.Version++
	lead.UpdatedAtUnix = now.Unix()
	return lead, nil
}

// requireConvertible checks that ent sits in the last active phase of its
// pipeline with an open outcome.
func (e *Engine) requireConvertible(ent domain.Entity) error {
	last, err := e.Catalog.LastActive(ent.Type)
	if err != nil {
		return err
	}
	if ent.CurrentPhase != last.ID || ent.Outcome != domain.OutcomeInProgress {
		return domain.NewEngineError(domain.ErrPreconditionFailed,
			fmt.Sprintf("%s %s must be in %s with outcome in_progress", ent.Type, ent.ID, last.ID)).
			WithDetails(map[string]string{
				"phase":          string(ent.CurrentPhase),
				"outcome":        string(ent.Outcome),
				"required_phase": string(last.ID),
			})
	}
	return nil
}

// convert runs fn in one transaction and maps storage failures to
// ErrConversionFailed.
func (e *Engine) convert(ctx context.Context, fn func(tx *sql.Tx, now time.Time) error) error {
	now := e.Now()
	err := store.WithTx(ctx, e.DB, func(tx *sql.Tx) error {
		return fn(tx, now)
	})
	if err != nil {
		return persistError(domain.ErrConversionFailed, "conversion not persisted", err)
	}
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, q store.Querier, ent domain.Entity, eventType, actor string, now time.Time, payload map[string]any) error {
	_, err := e.Events.Append(ctx, q, domain.PhaseEvent{
		ID:          store.NewEventID(now),
		EntityType:  ent.Type,
		EntityID:    ent.ID,
		FromPhase:   ent.CurrentPhase,
		ToPhase:     ent.CurrentPhase,
		EventType:   eventType,
		Actor:       actor,
		PayloadJSON: mustJSON(payload),
		CreatedAt:   now.Unix(),
	})
	return err
}

func conversionDecision(created *domain.Entity) map[string]any {
	if created == nil {
		return nil
	}
	return map[string]any{"created_id": created.ID, "created_type": created.Type, "code": created.Code}
}
