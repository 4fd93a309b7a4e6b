// Package domain defines the core types of the phase-progression engine.
package domain

import "fmt"

// EntityType identifies one of the four pipelines.
type EntityType string

const (
	EntityLead           EntityType = "lead"
	EntityLeadProperty   EntityType = "lead_property"
	EntityClient         EntityType = "client"
	EntityClientProperty EntityType = "client_property"
)

// EntityTypes lists every pipeline in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{EntityLead, EntityLeadProperty, EntityClient, EntityClientProperty}
}

// IsValid reports whether t is a known entity type.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityLead, EntityLeadProperty, EntityClient, EntityClientProperty:
		return true
	default:
		return false
	}
}

// IsProperty reports whether the entity type is owned by a contact.
func (t EntityType) IsProperty() bool {
	return t == EntityLeadProperty || t == EntityClientProperty
}

// OwnerType returns the contact type that owns a property type.
// Contacts own themselves.
func (t EntityType) OwnerType() EntityType {
	switch t {
	case EntityLeadProperty:
		return EntityLead
	case EntityClientProperty:
		return EntityClient
	default:
		return t
	}
}

// PhaseID is the stable identifier of a phase ("L0", "PL2", "P5", ...).
type PhaseID string

// Phase is one step of an entity type's linear pipeline.
type Phase struct {
	ID          PhaseID `json:"id"`
	Label       string  `json:"label"`
	Description string  `json:"description"`
	Ordinal     int     `json:"ordinal"`
	Terminal    bool    `json:"terminal"`
}

// Outcome is the closure axis, independent from the phase.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeWon        Outcome = "won"
	OutcomeLost       Outcome = "lost"
	OutcomeDiscarded  Outcome = "discarded"
)

// IsValid reports whether o is a known outcome.
func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeInProgress, OutcomeWon, OutcomeLost, OutcomeDiscarded:
		return true
	default:
		return false
	}
}

// Closed reports whether the outcome freezes phase transitions.
func (o Outcome) Closed() bool {
	return o != OutcomeInProgress
}

// Entity is a record travelling through one of the pipelines.
// CurrentPhase is written only by the transition coordinator.
type Entity struct {
	ID                    string     `json:"id"`
	Type                  EntityType `json:"type"`
	Name                  string     `json:"name"`
	Email                 string     `json:"email,omitempty"`
	Phone                 string     `json:"phone,omitempty"`
	Notes                 string     `json:"notes,omitempty"`
	CurrentPhase          PhaseID    `json:"current_phase"`
	Outcome               Outcome    `json:"outcome"`
	OwnerContactID        string     `json:"owner_contact_id,omitempty"`
	SourceID              string     `json:"source_id,omitempty"`
	Code                  string     `json:"code,omitempty"`
	ExpectedPropertyCount int        `json:"expected_property_count,omitempty"`
	RejectionReason       string     `json:"rejection_reason,omitempty"`
	RejectionNotes        string     `json:"rejection_notes,omitempty"`
	Version               int64      `json:"version"`
	CreatedAtUnix         int64      `json:"created_at"`
	UpdatedAtUnix         int64      `json:"updated_at"`
}

// Ref returns the owner reference addressing this entity.
func (e Entity) Ref() OwnerRef {
	return OwnerRef{Type: e.Type, ID: e.ID}
}

// OwnerRef addresses the owner of a document or task.
type OwnerRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

func (r OwnerRef) String() string {
	return fmt.Sprintf("%s/%s", r.Type, r.ID)
}

// RequirementKind distinguishes document from task requirements.
type RequirementKind string

const (
	RequirementDocument RequirementKind = "document"
	RequirementTask     RequirementKind = "task"
)

// RequirementScope says whose documents satisfy a requirement.
type RequirementScope string

const (
	// ScopeEntity requirements are satisfied by the entity's own documents.
	ScopeEntity RequirementScope = "entity"
	// ScopeOwner requirements are satisfied by the owning contact's documents.
	ScopeOwner RequirementScope = "owner"
)

// RequirementItem is a static (entityType, phase) requirement.
type RequirementItem struct {
	EntityType  EntityType       `json:"entity_type"`
	Phase       PhaseID          `json:"phase"`
	Kind        RequirementKind  `json:"kind"`
	TemplateRef string           `json:"template_ref"`
	Label       string           `json:"label"`
	Mandatory   bool             `json:"mandatory"`
	Scope       RequirementScope `json:"scope"`
	Priority    TaskPriority     `json:"priority,omitempty"`
}

// DocumentState is the lifecycle state of a document.
type DocumentState string

const (
	DocMissing   DocumentState = "mancante"
	DocRequested DocumentState = "richiesto"
	DocReceived  DocumentState = "ricevuto"
	DocVerified  DocumentState = "verificato"
	DocExpired   DocumentState = "scaduto"
)

// IsValid reports whether s is a known document state.
func (s DocumentState) IsValid() bool {
	switch s {
	case DocMissing, DocRequested, DocReceived, DocVerified, DocExpired:
		return true
	default:
		return false
	}
}

// Completed reports whether a document in this state satisfies a requirement.
func (s DocumentState) Completed() bool {
	return s == DocReceived || s == DocVerified
}

// Document is an externally owned document attached to a contact or property.
type Document struct {
	ID            string        `json:"id"`
	Owner         OwnerRef      `json:"owner"`
	Name          string        `json:"name"`
	Category      string        `json:"category"`
	Mandatory     bool          `json:"mandatory"`
	State         DocumentState `json:"state"`
	Files         []string      `json:"files"`
	CreatedAtUnix int64         `json:"created_at"`
	UpdatedAtUnix int64         `json:"updated_at"`
}

// TaskState is the lifecycle state of a task.
type TaskState string

const (
	TaskTodo       TaskState = "da_fare"
	TaskInProgress TaskState = "in_corso"
	TaskDone       TaskState = "completato"
	TaskCancelled  TaskState = "annullato"
)

// IsValid reports whether s is a known task state.
func (s TaskState) IsValid() bool {
	switch s {
	case TaskTodo, TaskInProgress, TaskDone, TaskCancelled:
		return true
	default:
		return false
	}
}

// TaskPriority is the urgency of a task.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "bassa"
	PriorityMedium TaskPriority = "media"
	PriorityHigh   TaskPriority = "alta"
)

// IsValid reports whether p is a known priority.
func (p TaskPriority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	default:
		return false
	}
}

// Task is an externally owned checklist item tagged with a phase.
type Task struct {
	ID            string       `json:"id"`
	Owner         OwnerRef     `json:"owner"`
	Phase         PhaseID      `json:"phase"`
	TemplateRef   string       `json:"template_ref,omitempty"`
	Title         string       `json:"title"`
	State         TaskState    `json:"state"`
	Priority      TaskPriority `json:"priority"`
	CreatedAtUnix int64        `json:"created_at"`
	UpdatedAtUnix int64        `json:"updated_at"`
}

// TaskCount is the per-phase task tally shown next to the phase stepper.
type TaskCount struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
}

// RequirementStatus reports one document requirement against live documents.
type RequirementStatus struct {
	TemplateRef string           `json:"template_ref"`
	Label       string           `json:"label"`
	Mandatory   bool             `json:"mandatory"`
	Scope       RequirementScope `json:"scope"`
	Satisfied   bool             `json:"satisfied"`
	DocumentIDs []string         `json:"document_ids"`
}

// CompletionSnapshot summarizes requirement satisfaction for the current phase.
// It is derived on every read and never persisted.
type CompletionSnapshot struct {
	EntityType                  EntityType          `json:"entity_type"`
	EntityID                    string              `json:"entity_id"`
	Phase                       PhaseID             `json:"phase"`
	DocumentsTotal              int                 `json:"documents_total"`
	DocumentsCompleted          int                 `json:"documents_completed"`
	DocumentsMandatoryTotal     int                 `json:"documents_mandatory_total"`
	DocumentsMandatoryCompleted int                 `json:"documents_mandatory_completed"`
	TasksTotal                  int                 `json:"tasks_total"`
	TasksCompleted              int                 `json:"tasks_completed"`
	PercentDocuments            int                 `json:"percent_documents"`
	PercentTasks                int                 `json:"percent_tasks"`
	PercentOverall              int                 `json:"percent_overall"`
	CanAdvance                  bool                `json:"can_advance"`
	MissingMandatory            []string            `json:"missing_mandatory"`
	Requirements                []RequirementStatus `json:"requirements"`
	Informational               []string            `json:"informational_document_ids"`
}

// MissingMandatoryCount is the number of unsatisfied mandatory document requirements.
func (s CompletionSnapshot) MissingMandatoryCount() int {
	return s.DocumentsMandatoryTotal - s.DocumentsMandatoryCompleted
}

// GateDecision is the result of evaluating phase exit conditions.
// Err is returned to the caller when Allow is false.
type GateDecision struct {
	Allow    bool
	Blockers []string
	Snapshot *CompletionSnapshot
	Err      *EngineError
}

// PhaseEvent is an entry in an entity's append-only history.
type PhaseEvent struct {
	ID          string     `json:"id"`
	EntityType  EntityType `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	SeqNo       int64      `json:"seq_no"`
	FromPhase   PhaseID    `json:"from_phase,omitempty"`
	ToPhase     PhaseID    `json:"to_phase,omitempty"`
	EventType   string     `json:"event_type"`
	Actor       string     `json:"actor,omitempty"`
	PayloadJSON string     `json:"payload_json"`
	CreatedAt   int64      `json:"created_at"`
}

// Event types written to the history.
const (
	EventCreated           = "created"
	EventPhaseTransition   = "phase_transition"
	EventConverted         = "converted"
	EventCreatedFromSource = "created_from_conversion"
	EventConfirmed         = "confirmed"
	EventRejected          = "rejected"
	EventExpectedCount     = "expected_property_count_updated"
	EventTasksGenerated    = "tasks_generated"
	EventOwnerLinked       = "owner_linked"
)

// AuditRecord logs every operation attempt, including blocked ones.
type AuditRecord struct {
	ID           string `json:"id"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Category     string `json:"category"`
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	RequestJSON  string `json:"request_json"`
	DecisionJSON string `json:"decision_json"`
	Severity     string `json:"severity"`
	CreatedAt    int64  `json:"created_at"`
}

// RejectionReason is a closed reason code for lost leads and discarded properties.
type RejectionReason string

const (
	ReasonNotInterested RejectionReason = "non_interessato"
	ReasonPrice         RejectionReason = "prezzo"
	ReasonCompetitor    RejectionReason = "concorrenza"
	ReasonUnreachable   RejectionReason = "non_raggiungibile"
	ReasonNotSuitable   RejectionReason = "non_idonea"
	ReasonLocation      RejectionReason = "posizione"
	ReasonLowYield      RejectionReason = "rendimento_basso"
	ReasonOwnerWithdrew RejectionReason = "proprietario_rinuncia"
	ReasonOther         RejectionReason = "altro"
)

var rejectionReasons = map[EntityType][]RejectionReason{
	EntityLead:         {ReasonNotInterested, ReasonPrice, ReasonCompetitor, ReasonUnreachable, ReasonOther},
	EntityLeadProperty: {ReasonNotSuitable, ReasonLocation, ReasonLowYield, ReasonOwnerWithdrew, ReasonOther},
}

// RejectionReasons returns the reason codes accepted for an entity type.
// Types that cannot be rejected return nil.
func RejectionReasons(t EntityType) []RejectionReason {
	reasons := rejectionReasons[t]
	if reasons == nil {
		return nil
	}
	out := make([]RejectionReason, len(reasons))
	copy(out, reasons)
	return out
}

// ValidRejectionReason reports whether r is accepted for entity type t.
func ValidRejectionReason(t EntityType, r RejectionReason) bool {
	for _, allowed := range rejectionReasons[t] {
		if allowed == r {
			return true
		}
	}
	return false
}

// RejectedOutcome returns the closing outcome used when rejecting t.
func RejectedOutcome(t EntityType) (Outcome, bool) {
	switch t {
	case EntityLead:
		return OutcomeLost, true
	case EntityLeadProperty:
		return OutcomeDiscarded, true
	default:
		return "", false
	}
}
