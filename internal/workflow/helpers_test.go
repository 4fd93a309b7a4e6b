package workflow

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vacanze/phasegate/internal/catalog"
	"github.com/vacanze/phasegate/internal/domain"
	"github.com/vacanze/phasegate/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	db, err := store.NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng := NewEngine(db, catalog.MustDefault(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	return eng
}

// seed inserts an open entity directly at phase.
func seed(t *testing.T, eng *Engine, et domain.EntityType, id string, phase domain.PhaseID, owner string) domain.Entity {
	t.Helper()
	e := domain.Entity{
		ID:             id,
		Type:           et,
		Name:           id,
		CurrentPhase:   phase,
		Outcome:        domain.OutcomeInProgress,
		OwnerContactID: owner,
		Version:        1,
	}
	require.NoError(t, eng.Entities.Create(context.Background(), eng.DB, e))
	return e
}

// attach adds a document in the given state to an entity.
func attach(t *testing.T, eng *Engine, et domain.EntityType, id, category string, state domain.DocumentState) domain.Document {
	t.Helper()
	doc, err := eng.AddDocument(context.Background(), NewDocument{
		Owner:    domain.OwnerRef{Type: et, ID: id},
		Category: category,
		State:    state,
	})
	require.NoError(t, err)
	return *doc
}

// satisfy attaches verified documents for every mandatory requirement of
// the entity's phase, owner-scoped ones on owner.
func satisfy(t *testing.T, eng *Engine, et domain.EntityType, id string, phase domain.PhaseID, owner string) {
	t.Helper()
	reqs, err := eng.Catalog.DocumentRequirements(et, phase)
	require.NoError(t, err)
	for _, r := range reqs {
		if !r.Mandatory {
			continue
		}
		if r.Scope == domain.ScopeOwner {
			attach(t, eng, et.OwnerType(), owner, r.TemplateRef, domain.DocVerified)
			continue
		}
		attach(t, eng, et, id, r.TemplateRef, domain.DocVerified)
	}
}

func mustGet(t *testing.T, eng *Engine, et domain.EntityType, id string) *domain.Entity {
	t.Helper()
	e, err := eng.Get(context.Background(), et, id)
	require.NoError(t, err)
	return e
}
