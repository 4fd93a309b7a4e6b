// Package workflow implements phase progression for the four CRM pipelines:
// completion evaluation, gated transitions, conversions and task generation.
package workflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/store"
)

// Gate evaluates whether an entity can exit its current phase forward.
// Backward moves never consult gates.
type Gate interface {
	Name() string
	Evaluate(ctx context.Context, q store.Querier, entity domain.Entity) (domain.GateDecision, error)
}

// CompletionGate blocks while mandatory documents of the current phase are missing.
type CompletionGate struct {
	Evaluator *Evaluator
}

// Name returns the gate name.
func (g *CompletionGate) Name() string {
	return "completion"
}

// Evaluate runs the completion evaluator against q.
func (g *CompletionGate) Evaluate(ctx context.Context, q store.Querier, entity domain.Entity) (domain.GateDecision, error) {
	snap, err := g.Evaluator.Evaluate(ctx, store.NewSources(q), evalRequestFor(entity))
	if err != nil {
		return domain.GateDecision{}, err
	}

	decision := domain.GateDecision{Allow: snap.CanAdvance, Snapshot: &snap}
	if !snap.CanAdvance {
		n := snap.MissingMandatoryCount()
		decision.Blockers = append(decision.Blockers, fmt.Sprintf("%d mandatory documents missing", n))
		decision.Err = domain.NewEngineError(
			domain.ErrPhaseGateFailed,
			fmt.Sprintf("cannot leave phase %s: %d mandatory documents missing", entity.CurrentPhase, n),
		).WithDetails(map[string]string{
			"missing_mandatory": strconv.Itoa(n),
			"missing":           strings.Join(snap.MissingMandatory, ","),
			"phase":             string(entity.CurrentPhase),
		})
	}
	return decision, nil
}

// LeadPropertiesGate requires a lead to own at least one property that was
// not rejected before it leaves its entry phase. Properties are created by the bootstrap wizard,
// never by the gate.
type LeadPropertiesGate struct {
	Entities *store.EntityRepo
}

// Name returns the gate name.
func (g *LeadPropertiesGate) Name() string {
	return "lead_properties"
}

// Evaluate counts the lead's properties, ignoring rejected ones.
func (g *LeadPropertiesGate) Evaluate(ctx context.Context, q store.Querier, entity domain.Entity) (domain.GateDecision, error) {
	n, err := g.Entities.CountActiveByOwner(ctx, q, domain.EntityLeadProperty, entity.ID)
	if err != nil {
		return domain.GateDecision{}, err
	}
	if n > 0 {
		return domain.GateDecision{Allow: true}, nil
	}
	return domain.GateDecision{
		Allow:    false,
		Blockers: []string{"lead has no properties"},
		Err: domain.NewEngineError(domain.ErrNoLeadProperties,
			fmt.Sprintf("lead %s needs at least one property before leaving %s", entity.ID, entity.CurrentPhase)),
	}, nil
}

type gateKey struct {
	entityType domain.EntityType
	phase      domain.PhaseID
}

// PhaseGateRegistry maps each (entity type, phase) to the gates that must
// allow a forward exit. Every entity type gets the default gate; Register
// adds phase-specific gates that run before it.
type PhaseGateRegistry struct {
	defaults map[domain.EntityType]Gate
	extra    map[gateKey][]Gate
}

// NewPhaseGateRegistry creates a registry with the completion gate for every
// entity type and the lead-properties gate on the lead entry phase.
func NewPhaseGateRegistry(ev *Evaluator, entities *store.EntityRepo) *PhaseGateRegistry {
	completion := &CompletionGate{Evaluator: ev}
	r := &PhaseGateRegistry{
		defaults: make(map[domain.EntityType]Gate, len(domain.EntityTypes())),
		extra:    make(map[gateKey][]Gate),
	}
	for _, et := range domain.EntityTypes() {
		r.defaults[et] = completion
	}
	if first, err := ev.Catalog.First(domain.EntityLead); err == nil {
		r.Register(domain.EntityLead, first.ID, &LeadPropertiesGate{Entities: entities})
	}
	return r
}

// Register adds a gate for exits from (et, phase).
func (r *PhaseGateRegistry) Register(et domain.EntityType, phase domain.PhaseID, gate Gate) {
	k := gateKey{entityType: et, phase: phase}
	r.extra[k] = append(r.extra[k], gate)
}

// Get returns the gates for (et, phase) in evaluation order, or an error if
// the entity type has no default gate.
func (r *PhaseGateRegistry) Get(et domain.EntityType, phase domain.PhaseID) ([]Gate, error) {
	def, ok := r.defaults[et]
	if !ok {
		return nil, domain.ErrGateNotRegistered
	}
	gates := append([]Gate{}, r.extra[gateKey{entityType: et, phase: phase}]...)
	return append(gates, def), nil
}

func evalRequestFor(entity domain.Entity) EvalRequest {
	req := EvalRequest{
		EntityType: entity.Type,
		Phase:      entity.CurrentPhase,
		EntityID:   entity.ID,
	}
	if entity.Type.IsProperty() {
		req.OwnerContactID = entity.OwnerContactID
	}
	return req
}
