package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacanze/phasegate/internal/domain"
)

func TestEventRepo_AppendAndList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}
	now := time.Now()

	for i, to := range []domain.PhaseID{"L0", "L1", "L2"} {
		ev, err := repo.Append(ctx, db, domain.PhaseEvent{
			ID:         NewEventID(now),
			EntityType: domain.EntityLead,
			EntityID:   "lead-1",
			ToPhase:    to,
			EventType:  domain.EventPhaseTransition,
			CreatedAt:  now.Unix() + int64(i),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), ev.SeqNo)
		assert.Equal(t, "{}", ev.PayloadJSON)
	}

	// Another entity keeps its own sequence.
	other, err := repo.Append(ctx, db, domain.PhaseEvent{ID: NewEventID(now), EntityType: domain.EntityLead, EntityID: "lead-2", EventType: domain.EventCreated, CreatedAt: now.Unix()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.SeqNo)

	got, err := repo.ListByEntity(ctx, db, domain.EntityLead, "lead-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)

	got, err = repo.ListByEntity(ctx, db, domain.EntityLead, "lead-1", 1)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(2), got[0].SeqNo)
	assert.Equal(t, domain.PhaseID("L1"), got[0].ToPhase)
}

func TestEventRepo_DuplicateSeq(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	repo := &EventRepo{}
	now := time.Now()

	ev := domain.PhaseEvent{EntityType: domain.EntityLead, EntityID: "lead-1", SeqNo: 1, EventType: domain.EventCreated, CreatedAt: now.Unix()}
	ev.ID = NewEventID(now)
	_, err := repo.Append(ctx, db, ev)
	require.NoError(t, err)

	ev.ID = NewEventID(now)
	_, err = repo.Append(ctx, db, ev)
	assert.ErrorIs(t, err, domain.ErrDuplicateEvent)
}
