// Package ipc provides the HTTP API of the phase engine.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/text/language"

	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/i18n"
	"github.com/vacanze/phasegate/internal/workflow"
)

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	Engine *workflow.Engine
	Logger *slog.Logger

	// Locale is used when Accept-Language names no supported language.
	Locale language.Tag

	// PollInterval paces the event stream.
	PollInterval time.Duration
}

// NewHandler creates a Handler with default locale and poll interval.
func NewHandler(engine *workflow.Engine, logger *slog.Logger, locale language.Tag) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:       engine,
		Logger:       logger,
		Locale:       locale,
		PollInterval: 2 * time.Second,
	}
}

// pathTypes maps URL segments to entity types.
var pathTypes = map[string]domain.EntityType{
	"leads":             domain.EntityLead,
	"lead-properties":   domain.EntityLeadProperty,
	"clients":           domain.EntityClient,
	"client-properties": domain.EntityClientProperty,
}

func entityTypeParam(r *http.Request) (domain.EntityType, error) {
	seg := r.PathValue("type")
	if et, ok := pathTypes[seg]; ok {
		return et, nil
	}
	if et := domain.EntityType(seg); et.IsValid() {
		return et, nil
	}
	return "", domain.NewEngineError(domain.ErrUnknownEntityType, fmt.Sprintf("unknown entity type %q", seg))
}

// APIError is a structured error response. Message is localized,
// Description is the engine's own message.
type APIError struct {
	Code        int               `json:"code"`
	Kind        domain.Kind       `json:"kind"`
	Message     string            `json:"message"`
	Description string            `json:"description,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
}

// TransitionBody is the body of POST /{type}/{id}/transition.
type TransitionBody struct {
	CurrentPhase    domain.PhaseID `json:"current_phase"`
	TargetPhase     domain.PhaseID `json:"target_phase"`
	ExpectedVersion int64          `json:"expected_version,omitempty"`
	Actor           string         `json:"actor,omitempty"`
}

// RejectBody is the body of POST /{type}/{id}/reject.
type RejectBody struct {
	Reason          domain.RejectionReason `json:"reason"`
	Notes           string                 `json:"notes,omitempty"`
	ExpectedVersion int64                  `json:"expected_version,omitempty"`
	Actor           string                 `json:"actor,omitempty"`
}

// CountBody is the body of the expected-properties and bootstrap endpoints.
type CountBody struct {
	Count int    `json:"count"`
	Actor string `json:"actor,omitempty"`
}

// ActorBody carries the acting user of conversions.
type ActorBody struct {
	Actor string `json:"actor,omitempty"`
}

// GenerateTasksBody is the body of POST /{type}/{id}/tasks/generate.
// An empty phase means the entity's current phase.
type GenerateTasksBody struct {
	Phase domain.PhaseID `json:"phase,omitempty"`
	Actor string         `json:"actor,omitempty"`
}

// StateBody changes the state of a document or task.
type StateBody struct {
	State string `json:"state"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// CatalogPhases handles GET /api/v1/catalog/{type}/phases.
func (h *Handler) CatalogPhases(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	phases, err := h.Engine.Catalog.PhasesFor(et)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, phases)
}

// CatalogRequirements handles GET /api/v1/catalog/{type}/requirements/{phase}.
func (h *Handler) CatalogRequirements(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	phase := domain.PhaseID(r.PathValue("phase"))
	docs, err := h.Engine.Catalog.DocumentRequirements(et, phase)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	tasks, err := h.Engine.Catalog.TaskTemplates(et, phase)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs, "tasks": tasks})
}

// CreateLead handles POST /api/v1/leads.
func (h *Handler) CreateLead(w http.ResponseWriter, r *http.Request) {
	var body workflow.NewLead
	if !h.decode(w, r, &body) {
		return
	}
	lead, err := h.Engine.CreateLead(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, lead)
}

// CreateLeadProperty handles POST /api/v1/leads/{id}/properties.
func (h *Handler) CreateLeadProperty(w http.ResponseWriter, r *http.Request) {
	var body workflow.NewLeadProperty
	if !h.decode(w, r, &body) {
		return
	}
	p, err := h.Engine.CreateLeadProperty(r.Context(), r.PathValue("id"), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// UpdateExpectedProperties handles PATCH /api/v1/leads/{id}/expected-properties.
func (h *Handler) UpdateExpectedProperties(w http.ResponseWriter, r *http.Request) {
	var body CountBody
	if !h.decode(w, r, &body) {
		return
	}
	lead, err := h.Engine.UpdateExpectedPropertyCount(r.Context(), r.PathValue("id"), body.Count, body.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// BootstrapLead handles POST /api/v1/leads/{id}/bootstrap.
func (h *Handler) BootstrapLead(w http.ResponseWriter, r *http.Request) {
	var body CountBody
	if !h.decode(w, r, &body) {
		return
	}
	lead, err := h.Engine.BootstrapLead(r.Context(), r.PathValue("id"), body.Count, body.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lead)
}

// ConvertLead handles POST /api/v1/leads/{id}/convert.
func (h *Handler) ConvertLead(w http.ResponseWriter, r *http.Request) {
	var body ActorBody
	if !h.decode(w, r, &body) {
		return
	}
	client, err := h.Engine.ConvertLeadToClient(r.Context(), r.PathValue("id"), body.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, client)
}

// ConfirmLeadProperty handles POST /api/v1/lead-properties/{id}/confirm.
func (h *Handler) ConfirmLeadProperty(w http.ResponseWriter, r *http.Request) {
	var body ActorBody
	if !h.decode(w, r, &body) {
		return
	}
	p, err := h.Engine.ConfirmLeadProperty(r.Context(), r.PathValue("id"), body.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetEntity handles GET /api/v1/{type}/{id}.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	ent, err := h.Engine.Get(r.Context(), et, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// Completion handles GET /api/v1/{type}/{id}/completion.
func (h *Handler) Completion(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	snap, err := h.Engine.Completion(r.Context(), et, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// Transition handles POST /api/v1/{type}/{id}/transition.
func (h *Handler) Transition(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body TransitionBody
	if !h.decode(w, r, &body) {
		return
	}
	ent, err := h.Engine.RequestTransition(r.Context(), workflow.TransitionRequest{
		EntityType:      et,
		EntityID:        r.PathValue("id"),
		CurrentPhase:    body.CurrentPhase,
		TargetPhase:     body.TargetPhase,
		ExpectedVersion: body.ExpectedVersion,
		Actor:           body.Actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// Reject handles POST /api/v1/{type}/{id}/reject.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body RejectBody
	if !h.decode(w, r, &body) {
		return
	}
	ent, err := h.Engine.Reject(r.Context(), workflow.RejectRequest{
		EntityType:      et,
		EntityID:        r.PathValue("id"),
		Reason:          body.Reason,
		Notes:           body.Notes,
		ExpectedVersion: body.ExpectedVersion,
		Actor:           body.Actor,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// GenerateTasks handles POST /api/v1/{type}/{id}/tasks/generate.
func (h *Handler) GenerateTasks(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var body GenerateTasksBody
	if !h.decode(w, r, &body) {
		return
	}
	id := r.PathValue("id")
	phase := body.Phase
	if phase == "" {
		ent, err := h.Engine.Get(r.Context(), et, id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		phase = ent.CurrentPhase
	}
	n, err := h.Engine.GenerateTasksForPhase(r.Context(), et, id, phase, body.Actor)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"phase": phase, "created": n})
}

// TaskCounts handles GET /api/v1/{type}/{id}/tasks/counts.
func (h *Handler) TaskCounts(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	counts, err := h.Engine.TaskCountsByPhase(r.Context(), et, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

// ListDocuments handles GET /api/v1/{type}/{id}/documents.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	docs, err := h.Engine.ListDocuments(r.Context(), domain.OwnerRef{Type: et, ID: r.PathValue("id")})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	writeJSON(w, http.StatusOK, docs)
}

// ListTasks handles GET /api/v1/{type}/{id}/tasks?phase=P.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	owner := domain.OwnerRef{Type: et, ID: r.PathValue("id")}
	tasks, err := h.Engine.ListTasks(r.Context(), owner, domain.PhaseID(r.URL.Query().Get("phase")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// ListAudit handles GET /api/v1/{type}/{id}/audit.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	records, err := h.Engine.AuditTrail(r.Context(), et, r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// AddDocument handles POST /api/v1/documents.
func (h *Handler) AddDocument(w http.ResponseWriter, r *http.Request) {
	var body workflow.NewDocument
	if !h.decode(w, r, &body) {
		return
	}
	doc, err := h.Engine.AddDocument(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

// SetDocumentState handles PATCH /api/v1/documents/{id}/state.
func (h *Handler) SetDocumentState(w http.ResponseWriter, r *http.Request) {
	var body StateBody
	if !h.decode(w, r, &body) {
		return
	}
	doc, err := h.Engine.SetDocumentState(r.Context(), r.PathValue("id"), domain.DocumentState(body.State))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// AddTask handles POST /api/v1/tasks.
func (h *Handler) AddTask(w http.ResponseWriter, r *http.Request) {
	var body workflow.NewTask
	if !h.decode(w, r, &body) {
		return
	}
	task, err := h.Engine.AddTask(r.Context(), body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// SetTaskState handles PATCH /api/v1/tasks/{id}/state.
func (h *Handler) SetTaskState(w http.ResponseWriter, r *http.Request) {
	var body StateBody
	if !h.decode(w, r, &body) {
		return
	}
	task, err := h.Engine.SetTaskState(r.Context(), r.PathValue("id"), domain.TaskState(body.State))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ListEvents handles GET /api/v1/{type}/{id}/events?since_seq=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	sinceSeq := int64(0)
	if s := r.URL.Query().Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			sinceSeq = parsed
		}
	}

	events, err := h.Engine.History(r.Context(), et, r.PathValue("id"), sinceSeq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.PhaseEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// StreamEvents handles GET /api/v1/{type}/{id}/events/stream (SSE).
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	et, err := entityTypeParam(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, r, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Send initial batch of events.
	events, err := h.Engine.History(r.Context(), et, id, 0)
	if err != nil {
		writeSSEError(w, flusher, err)
		return
	}
	for _, ev := range events {
		writeSSEEvent(w, flusher, ev)
	}

	// Poll for new events.
	lastSeq := int64(0)
	if len(events) > 0 {
		lastSeq = events[len(events)-1].SeqNo
	}

	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx := r.Context()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			newEvents, err := h.Engine.History(ctx, et, id, lastSeq)
			if err != nil {
				return
			}
			for _, ev := range newEvents {
				writeSSEEvent(w, flusher, ev)
				lastSeq = ev.SeqNo
			}
		}
	}
}

// decode reads an optional JSON body into v. An empty body leaves v zero.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		h.writeError(w, r, domain.WrapEngineError(domain.ErrValidation, "invalid request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind to an HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindConflict:
		return http.StatusConflict
	case domain.KindInvalidTransition, domain.KindPreconditionFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	tag := i18n.ResolveTag(r.Header.Get("Accept-Language"), h.Locale)
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := statusFor(engErr.Kind)
		if status == http.StatusInternalServerError {
			h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		}
		writeJSON(w, status, APIError{
			Code:        engErr.Code,
			Kind:        engErr.Kind,
			Message:     i18n.Message(tag, engErr),
			Description: engErr.Error(),
			Details:     engErr.Details,
		})
		return
	}
	h.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.PhaseEvent) {
	data, _ := json.Marshal(ev)
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SeqNo, ev.EventType, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
