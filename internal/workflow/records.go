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

// NewLead holds the fields of a lead to create.
type NewLead struct {
	Name                  string `json:"name"`
	Email                 string `json:"email,omitempty"`
	Phone                 string `json:"phone,omitempty"`
	Notes                 string `json:"notes,omitempty"`
	ExpectedPropertyCount int    `json:"expected_property_count,omitempty"`
	Actor                 string `json:"actor,omitempty"`
}

// CreateLead creates an open lead at the entry phase. A zero expected
// property count defaults to 1.
func (e *Engine) CreateLead(ctx context.Context, in NewLead) (*domain.Entity, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, domain.NewEngineError(domain.ErrValidation, "lead name is required")
	}
	count := in.ExpectedPropertyCount
	if count == 0 {
		count = 1
	}
	if count < 1 {
		return nil, domain.NewEngineError(domain.ErrValidation, "expected property count must be at least 1")
	}
	entry, err := e.Catalog.First(domain.EntityLead)
	if err != nil {
		return nil, err
	}

	now := e.Now()
	lead := domain.Entity{
		ID:                    store.NewEntityID(),
		Type:                  domain.EntityLead,
		Name:                  name,
		Email:                 strings.TrimSpace(in.Email),
		Phone:                 strings.TrimSpace(in.Phone),
		Notes:                 in.Notes,
		CurrentPhase:          entry.ID,
		Outcome:               domain.OutcomeInProgress,
		ExpectedPropertyCount: count,
		Version:               1,
		CreatedAtUnix:         now.Unix(),
		UpdatedAtUnix:         now.Unix(),
	}
	err = e.convert(ctx, func(tx *sql.Tx, now time.Time) error {
		return e.createEntity(ctx, tx, lead, in.Actor, now)
	})
	e.recordAudit(ctx, auditRecords, "create_lead", lead.Type, lead.ID, in.Actor, in, err, nil)
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// NewLeadProperty holds the fields of a lead property to create.
type NewLeadProperty struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
	Actor string `json:"actor,omitempty"`
}

// CreateLeadProperty creates an open property under an open lead.
func (e *Engine) CreateLeadProperty(ctx context.Context, leadID string, in NewLeadProperty) (*domain.Entity, error) {
	var created *domain.Entity
	err := e.convert(ctx, func(tx *sql.Tx, now time.Time) error {
		lead, err := e.openLead(ctx, tx, leadID)
		if err != nil {
			return err
		}
		name := strings.TrimSpace(in.Name)
		if name == "" {
			n, err := e.Entities.CountByOwner(ctx, tx, domain.EntityLeadProperty, lead.ID)
			if err != nil {
				return err
			}
			name = propertyName(lead.Name, n+1)
		}
		p, err := e.newLeadProperty(lead.ID, name, in.Notes, now)
		if err != nil {
			return err
		}
		if err := e.createEntity(ctx, tx, p, in.Actor, now); err != nil {
			return err
		}
		created = &p
		return nil
	})
	e.recordAudit(ctx, auditRecords, "create_lead_property", domain.EntityLead, leadID, in.Actor, in, err, conversionDecision(created))
	if err != nil {
		return nil, err
	}
	return created, nil
}

// BootstrapLead runs the entry wizard of a lead in one call: it records the
// expected property count, creates the missing lead properties up to that
// count and then requests the first forward transition.
func (e *Engine) BootstrapLead(ctx context.Context, leadID string, count int, actor string) (*domain.Entity, error) {
	if count < 1 {
		return nil, domain.NewEngineError(domain.ErrValidation, "expected property count must be at least 1")
	}
	entry, err := e.Catalog.First(domain.EntityLead)
	if err != nil {
		return nil, err
	}
	next, ok, err := e.Catalog.Next(domain.EntityLead, entry.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.NewEngineError(domain.ErrInvalidTransition, "lead pipeline has a single phase")
	}

	var version int64
	err = e.convert(ctx, func(tx *sql.Tx, now time.Time) error {
		lead, err := e.openLead(ctx, tx, leadID)
		if err != nil {
			return err
		}
		if lead.CurrentPhase != entry.ID {
			return domain.NewEngineError(domain.ErrPreconditionFailed,
				fmt.Sprintf("lead %s is in %s, bootstrap needs %s", lead.ID, lead.CurrentPhase, entry.ID))
		}
		lead, err = e.updateExpectedCount(ctx, tx, lead.ID, count, actor, now)
		if err != nil {
			return err
		}
		existing, err := e.Entities.CountByOwner(ctx, tx, domain.EntityLeadProperty, lead.ID)
		if err != nil {
			return err
		}
		for i := existing; i < count; i++ {
			p, err := e.newLeadProperty(lead.ID, propertyName(lead.Name, i+1), "", now)
			if err != nil {
				return err
			}
			if err := e.createEntity(ctx, tx, p, actor, now); err != nil {
				return err
			}
		}
		version = lead.Version
		return nil
	})
	e.recordAudit(ctx, auditRecords, "bootstrap_lead", domain.EntityLead, leadID, actor, map[string]any{"count": count}, err, nil)
	if err != nil {
		return nil, err
	}

	return e.RequestTransition(ctx, TransitionRequest{
		EntityType:      domain.EntityLead,
		EntityID:        leadID,
		CurrentPhase:    entry.ID,
		TargetPhase:     next.ID,
		ExpectedVersion: version,
		Actor:           actor,
	})
}

func (e *Engine) openLead(ctx context.Context, q store.Querier, leadID string) (*domain.Entity, error) {
	lead, err := e.Entities.GetByID(ctx, q, domain.EntityLead, leadID)
	if err != nil {
		return nil, err
	}
	if lead.Outcome.Closed() {
		return nil, domain.NewEngineError(domain.ErrPreconditionFailed, fmt.Sprintf("lead %s is closed", lead.ID))
	}
	return lead, nil
}

func (e *Engine) newLeadProperty(leadID, name, notes string, now time.Time) (domain.Entity, error) {
	entry, err := e.Catalog.First(domain.EntityLeadProperty)
	if err != nil {
		return domain.Entity{}, err
	}
	return domain.Entity{
		ID:             store.NewEntityID(),
		Type:           domain.EntityLeadProperty,
		Name:           name,
		Notes:          notes,
		CurrentPhase:   entry.ID,
		Outcome:        domain.OutcomeInProgress,
		OwnerContactID: leadID,
		Version:        1,
		CreatedAtUnix:  now.Unix(),
		UpdatedAtUnix:  now.Unix(),
	}, nil
}

func (e *Engine) createEntity(ctx context.Context, q store.Querier, ent domain.Entity, actor string, now time.Time) error {
	if err := e.Entities.Create(ctx, q, ent); err != nil {
		return err
	}
	if err := e.appendEvent(ctx, q, ent, domain.EventCreated, actor, now, map[string]any{"owner_contact_id": ent.OwnerContactID}); err != nil {
		return err
	}
	if e.AutoGenerateTasks {
		if _, err := e.generateTasks(ctx, q, ent, ent.CurrentPhase, actor, now); err != nil {
			return err
		}
	}
	return nil
}

func propertyName(leadName string, n int) string {
	return fmt.Sprintf("%s - immobile %d", leadName, n)
}

// NewDocument holds the fields of a document to attach to an entity.
type NewDocument struct {
	Owner     domain.OwnerRef      `json:"owner"`
	Name      string               `json:"name"`
	Category  string               `json:"category"`
	State     domain.DocumentState `json:"state,omitempty"`
	Files     []string             `json:"files,omitempty"`
	Mandatory bool                 `json:"mandatory,omitempty"`
}

// AddDocument attaches a document to an existing entity. The mandatory flag
// defaults to the catalog entry of the category for the owner's current phase.
func (e *Engine) AddDocument(ctx context.Context, in NewDocument) (*domain.Document, error) {
	if strings.TrimSpace(in.Category) == "" {
		return nil, domain.NewEngineError(domain.ErrValidation, "document category is required")
	}
	state := in.State
	if state == "" {
		state = domain.DocMissing
	}
	if !state.IsValid() {
		return nil, domain.NewEngineError(domain.ErrValidation, fmt.Sprintf("unknown document state %q", state))
	}
	owner, err := e.Get(ctx, in.Owner.Type, in.Owner.ID)
	if err != nil {
		return nil, err
	}

	now := e.Now()
	doc := domain.Document{
		ID:            store.NewEntityID(),
		Owner:         owner.Ref(),
		Name:          strings.TrimSpace(in.Name),
		Category:      in.Category,
		Mandatory:     in.Mandatory || e.Catalog.IsMandatory(owner.Type, owner.CurrentPhase, domain.RequirementDocument, in.Category),
		State:         state,
		Files:         in.Files,
		CreatedAtUnix: now.Unix(),
		UpdatedAtUnix: now.Unix(),
	}
	if doc.Name == "" {
		doc.Name = in.Category
	}
	if err := e.Documents.Create(ctx, e.DB, doc); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStorageFailed, "create document", err)
	}
	return &doc, nil
}

// SetDocumentState changes the state of a document.
func (e *Engine) SetDocumentState(ctx context.Context, id string, state domain.DocumentState) (*domain.Document, error) {
	if !state.IsValid() {
		return nil, domain.NewEngineError(domain.ErrValidation, fmt.Sprintf("unknown document state %q", state))
	}
	if err := e.Documents.UpdateState(ctx, e.DB, id, state, e.Now().Unix()); err != nil {
		return nil, persistError(domain.ErrStorageFailed, "update document state", err)
	}
	return e.Documents.GetByID(ctx, e.DB, id)
}

// ListDocuments lists the documents attached to an entity.
func (e *Engine) ListDocuments(ctx context.Context, owner domain.OwnerRef) ([]domain.Document, error) {
	return e.Documents.ListByOwner(ctx, e.DB, owner)
}

// NewTask holds the fields of a manually created task.
type NewTask struct {
	Owner    domain.OwnerRef     `json:"owner"`
	Phase    domain.PhaseID      `json:"phase,omitempty"`
	Title    string              `json:"title"`
	Priority domain.TaskPriority `json:"priority,omitempty"`
}

// AddTask creates a task for an entity. The phase defaults to the owner's
// current phase.
func (e *Engine) AddTask(ctx context.Context, in NewTask) (*domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, domain.NewEngineError(domain.ErrValidation, "task title is required")
	}
	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	if !priority.IsValid() {
		return nil, domain.NewEngineError(domain.ErrValidation, fmt.Sprintf("unknown task priority %q", priority))
	}
	owner, err := e.Get(ctx, in.Owner.Type, in.Owner.ID)
	if err != nil {
		return nil, err
	}
	phase := in.Phase
	if phase == "" {
		phase = owner.CurrentPhase
	}
	if _, err := e.Catalog.Phase(owner.Type, phase); err != nil {
		return nil, err
	}

	now := e.Now()
	task := domain.Task{
		ID:            store.NewEntityID(),
		Owner:         owner.Ref(),
		Phase:         phase,
		Title:         title,
		State:         domain.TaskTodo,
		Priority:      priority,
		CreatedAtUnix: now.Unix(),
		UpdatedAtUnix: now.Unix(),
	}
	if err := e.Tasks.Create(ctx, e.DB, task); err != nil {
		return nil, domain.WrapEngineError(domain.ErrStorageFailed, "create task", err)
	}
	return &task, nil
}

// SetTaskState changes the state of a task.
func (e *Engine) SetTaskState(ctx context.Context, id string, state domain.TaskState) (*domain.Task, error) {
	if !state.IsValid() {
		return nil, domain.NewEngineError(domain.ErrValidation, fmt.Sprintf("unknown task state %q", state))
	}
	if err := e.Tasks.UpdateState(ctx, e.DB, id, state, e.Now().Unix()); err != nil {
		return nil, persistError(domain.ErrStorageFailed, "update task state", err)
	}
	return e.Tasks.GetByID(ctx, e.DB, id)
}

// ListTasks lists the tasks of an entity, optionally restricted to a phase.
func (e *Engine) ListTasks(ctx context.Context, owner domain.OwnerRef, phase domain.PhaseID) ([]domain.Task, error) {
	return e.Tasks.ListByOwner(ctx, e.DB, owner, phase)
}
