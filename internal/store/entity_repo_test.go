package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacanze/phasegate/internal/domain"
)

func seedEntity(t *testing.T, q Querier, e domain.Entity) domain.Entity {
	t.Helper()
	if e.Outcome == "" {
		e.Outcome = domain.OutcomeInProgress
	}
	if e.Version == 0 {
		e.Version = 1
	}
	require.NoError(t, (&EntityRepo{}).Create(context.Background(), q, e))
	return e
}

func TestEntityRepo_CreateAndGet(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EntityRepo{}

	seedEntity(t, db, domain.Entity{
		ID:                    "lead-1",
		Type:                  domain.EntityLead,
		Name:                  "Mario Rossi",
		Email:                 "mario@example.com",
		CurrentPhase:          "L0",
		ExpectedPropertyCount: 2,
		CreatedAtUnix:         100,
		UpdatedAtUnix:         100,
	})

	got, err := repo.GetByID(ctx, db, domain.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "Mario Rossi", got.Name)
	assert.Equal(t, domain.PhaseID("L0"), got.CurrentPhase)
	assert.Equal(t, domain.OutcomeInProgress, got.Outcome)
	assert.Equal(t, 2, got.ExpectedPropertyCount)
	assert.Equal(t, int64(1), got.Version)

	// Same id under another type is not visible.
	_, err = repo.GetByID(ctx, db, domain.EntityClient, "lead-1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEntityRepo_UpdatePhase_OptimisticLock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EntityRepo{}
	seedEntity(t, db, domain.Entity{ID: "lead-1", Type: domain.EntityLead, CurrentPhase: "L0"})

	require.NoError(t, repo.UpdatePhase(ctx, db, domain.EntityLead, "lead-1", "L1", 1, 200))

	got, err := repo.GetByID(ctx, db, domain.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseID("L1"), got.CurrentPhase)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, int64(200), got.UpdatedAtUnix)

	// A stale version must not overwrite.
	err = repo.UpdatePhase(ctx, db, domain.EntityLead, "lead-1", "L2", 1, 300)
	assert.ErrorIs(t, err, domain.ErrOptimisticLock)

	got, err = repo.GetByID(ctx, db, domain.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseID("L1"), got.CurrentPhase)
}

func TestEntityRepo_UpdateOutcome(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EntityRepo{}
	seedEntity(t, db, domain.Entity{ID: "lead-1", Type: domain.EntityLead, CurrentPhase: "L2"})

	require.NoError(t, repo.UpdateOutcome(ctx, db, domain.EntityLead, "lead-1", domain.OutcomeLost, "prezzo", "troppo caro", 1, 10))

	got, err := repo.GetByID(ctx, db, domain.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLost, got.Outcome)
	assert.Equal(t, "prezzo", got.RejectionReason)
	assert.Equal(t, "troppo caro", got.RejectionNotes)
	assert.Equal(t, domain.PhaseID("L2"), got.CurrentPhase)
}

func TestEntityRepo_OwnerQueries(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EntityRepo{}

	seedEntity(t, db, domain.Entity{ID: "lead-1", Type: domain.EntityLead, CurrentPhase: "L3"})
	seedEntity(t, db, domain.Entity{ID: "lp-1", Type: domain.EntityLeadProperty, CurrentPhase: "PL3", OwnerContactID: "lead-1", CreatedAtUnix: 1})
	seedEntity(t, db, domain.Entity{ID: "lp-2", Type: domain.EntityLeadProperty, CurrentPhase: "PL0", OwnerContactID: "lead-1", CreatedAtUnix: 2})
	seedEntity(t, db, domain.Entity{ID: "lp-3", Type: domain.EntityLeadProperty, CurrentPhase: "PL0", OwnerContactID: "lead-2", CreatedAtUnix: 3})
	seedEntity(t, db, domain.Entity{ID: "cp-1", Type: domain.EntityClientProperty, CurrentPhase: "P0", SourceID: "lp-1"})
	seedEntity(t, db, domain.Entity{ID: "cp-3", Type: domain.EntityClientProperty, CurrentPhase: "P0", SourceID: "lp-3"})

	n, err := repo.CountByOwner(ctx, db, domain.EntityLeadProperty, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	props, err := repo.ListByOwner(ctx, db, domain.EntityLeadProperty, "lead-1")
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.Equal(t, "lp-1", props[0].ID)
	assert.Equal(t, "lp-2", props[1].ID)

	unlinked, err := repo.ListUnlinkedClientProperties(ctx, db, "lead-1")
	require.NoError(t, err)
	require.Len(t, unlinked, 1)
	assert.Equal(t, "cp-1", unlinked[0].ID)

	require.NoError(t, repo.LinkOwner(ctx, db, domain.EntityClientProperty, "cp-1", "client-1", 1, 5))
	unlinked, err = repo.ListUnlinkedClientProperties(ctx, db, "lead-1")
	require.NoError(t, err)
	assert.Empty(t, unlinked)

	src, err := repo.FindBySource(ctx, db, domain.EntityClientProperty, "lp-1")
	require.NoError(t, err)
	require.NotNil(t, src)
	assert.Equal(t, "client-1", src.OwnerContactID)

	missing, err := repo.FindBySource(ctx, db, domain.EntityClientProperty, "lp-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestEntityRepo_CountActiveByOwner(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EntityRepo{}

	seedEntity(t, db, domain.Entity{ID: "lead-1", Type: domain.EntityLead, CurrentPhase: "L0"})
	seedEntity(t, db, domain.Entity{ID: "lp-open", Type: domain.EntityLeadProperty, CurrentPhase: "PL0", OwnerContactID: "lead-1"})
	seedEntity(t, db, domain.Entity{ID: "lp-won", Type: domain.EntityLeadProperty, CurrentPhase: "PL3", OwnerContactID: "lead-1", Outcome: domain.OutcomeWon})
	seedEntity(t, db, domain.Entity{ID: "lp-discarded", Type: domain.EntityLeadProperty, CurrentPhase: "PL1", OwnerContactID: "lead-1", Outcome: domain.OutcomeDiscarded})
	seedEntity(t, db, domain.Entity{ID: "lp-lost", Type: domain.EntityLeadProperty, CurrentPhase: "PL1", OwnerContactID: "lead-1", Outcome: domain.OutcomeLost})

	total, err := repo.CountByOwner(ctx, db, domain.EntityLeadProperty, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	active, err := repo.CountActiveByOwner(ctx, db, domain.EntityLeadProperty, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 2, active)

	none, err := repo.CountActiveByOwner(ctx, db, domain.EntityLeadProperty, "lead-2")
	require.NoError(t, err)
	assert.Zero(t, none)
}

func TestEntityRepo_NextCode(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EntityRepo{}

	first, err := repo.NextCode(ctx, db, "CL")
	require.NoError(t, err)
	second, err := repo.NextCode(ctx, db, "CL")
	require.NoError(t, err)
	other, err := repo.NextCode(ctx, db, "IM")
	require.NoError(t, err)

	assert.Equal(t, "CL-0001", first)
	assert.Equal(t, "CL-0002", second)
	assert.Equal(t, "IM-0001", other)
}

func TestEntityRepo_UpdateExpectedPropertyCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EntityRepo{}
	seedEntity(t, db, domain.Entity{ID: "lead-1", Type: domain.EntityLead, CurrentPhase: "L0", ExpectedPropertyCount: 1})

	require.NoError(t, repo.UpdateExpectedPropertyCount(ctx, db, "lead-1", 3, 1, 10))
	got, err := repo.GetByID(ctx, db, domain.EntityLead, "lead-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.ExpectedPropertyCount)

	err = repo.UpdateExpectedPropertyCount(ctx, db, "lead-1", 4, 1, 11)
	assert.ErrorIs(t, err, domain.ErrOptimisticLock)
}
