package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind groups error codes by how the caller should react.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindPreconditionFailed  Kind = "precondition_failed"
	KindInvalidTransition   Kind = "invalid_transition"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindCollaboratorFailure Kind = "collaborator_failure"
	KindMisconfiguration    Kind = "misconfiguration"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
// Details carries values the UI needs to explain the error.
type EngineError struct {
	Code    int
	Kind    Kind
	Message string
	Details map[string]string
	Cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+e.Details[k])
		}
		msg += " (" + strings.Join(parts, ", ") + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is matches by code so callers can use errors.Is against the sentinels.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// NewEngineError creates a new EngineError with the kind of the given sentinel.
func NewEngineError(sentinel *EngineError, msg string) *EngineError {
	return &EngineError{Code: sentinel.Code, Kind: sentinel.Kind, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(sentinel *EngineError, msg string, cause error) *EngineError {
	return &EngineError{Code: sentinel.Code, Kind: sentinel.Kind, Message: msg, Cause: cause}
}

// WithDetails returns a copy of e carrying the given details.
func (e *EngineError) WithDetails(details map[string]string) *EngineError {
	cp := *e
	cp.Details = make(map[string]string, len(e.Details)+len(details))
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	for k, v := range details {
		cp.Details[k] = v
	}
	return &cp
}

// KindOf returns the kind of err, or KindCollaboratorFailure for foreign errors.
func KindOf(err error) Kind {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindCollaboratorFailure
}

// ---- Request validation (-32000 to -32009) ----

var (
	ErrValidation        = &EngineError{Code: -32000, Kind: KindValidation, Message: "invalid request"}
	ErrUnknownEntityType = &EngineError{Code: -32001, Kind: KindNotFound, Message: "unknown entity type"}
	ErrInvalidReason     = &EngineError{Code: -32002, Kind: KindValidation, Message: "rejection reason not allowed"}
)

// ---- Coordinator / gate errors (-32010 to -32039) ----

var (
	ErrInvalidTransition       = &EngineError{Code: -32010, Kind: KindInvalidTransition, Message: "invalid phase transition"}
	ErrPhaseGateFailed         = &EngineError{Code: -32011, Kind: KindInvalidTransition, Message: "mandatory requirements not satisfied"}
	ErrNotFound                = &EngineError{Code: -32012, Kind: KindNotFound, Message: "entity not found"}
	ErrEntityClosed            = &EngineError{Code: -32013, Kind: KindInvalidTransition, Message: "entity is closed"}
	ErrOptimisticLock          = &EngineError{Code: -32015, Kind: KindConflict, Message: "optimistic lock conflict: state was modified concurrently"}
	ErrPhaseNotFound           = &EngineError{Code: -32016, Kind: KindNotFound, Message: "phase not found"}
	ErrGateNotRegistered       = &EngineError{Code: -32017, Kind: KindMisconfiguration, Message: "no gate registered for entity type"}
	ErrPhaseMismatch           = &EngineError{Code: -32018, Kind: KindConflict, Message: "current phase does not match stored phase"}
	ErrNoLeadProperties        = &EngineError{Code: -32019, Kind: KindInvalidTransition, Message: "lead has no properties"}
	ErrTransitionPersistFailed = &EngineError{Code: -32020, Kind: KindCollaboratorFailure, Message: "transition could not be persisted"}
)

// ---- Conversion errors (-32040 to -32069) ----

var (
	ErrPreconditionFailed = &EngineError{Code: -32040, Kind: KindPreconditionFailed, Message: "precondition failed"}
	ErrConversionFailed   = &EngineError{Code: -32041, Kind: KindCollaboratorFailure, Message: "conversion could not be persisted"}
)

// ---- Store / Config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Kind: KindCollaboratorFailure, Message: "failed to initialize store"}
	ErrStorageFailed   = &EngineError{Code: -32131, Kind: KindCollaboratorFailure, Message: "storage operation failed"}
	ErrSchemaMigration = &EngineError{Code: -32133, Kind: KindCollaboratorFailure, Message: "schema migration failed"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Kind: KindMisconfiguration, Message: "invalid configuration"}
	ErrDuplicateEvent  = &EngineError{Code: -32137, Kind: KindConflict, Message: "duplicate event sequence number"}
	ErrCatalogInvalid  = &EngineError{Code: -32138, Kind: KindMisconfiguration, Message: "invalid catalog"}
)
