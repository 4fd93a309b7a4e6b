package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vacanze/phasegate/internal/domain"
)

func countType(t *testing.T, eng *Engine, et domain.EntityType) int {
	t.Helper()
	var n int
	require.NoError(t, eng.DB.QueryRow("SELECT COUNT(*) FROM entities WHERE entity_type = ?", string(et)).Scan(&n))
	return n
}

func TestConvertLeadToClient(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	seed(t, eng, domain.EntityLead, "lead-1", "L3", "")

	client, err := eng.ConvertLeadToClient(ctx, "lead-1", "giulia")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityClient, client.Type)
	assert.Equal(t, domain.PhaseID("C0"), client.CurrentPhase)
	assert.Equal(t, domain.OutcomeInProgress, client.Outcome)
	assert.Equal(t, "lead-1", client.SourceID)
	assert.Equal(t, "CL-0001", client.Code)
	assert.Equal(t, "lead-1", client.Name)

	lead := mustGet(t, eng, domain.EntityLead, "lead-1")
	assert.Equal(t, domain.OutcomeWon, lead.Outcome)
	assert.Equal(t, domain.PhaseID("L3"), lead.CurrentPhase, "conversion does not move the lead")

	stored := mustGet(t, eng, domain.EntityClient, client.ID)
	assert.Equal(t, client.Code, stored.Code)

	leadEvents, err := eng.History(ctx, domain.EntityLead, "lead-1", 0)
	require.NoError(t, err)
	require.Len(t, leadEvents, 1)
	assert.Equal(t, domain.EventConverted, leadEvents[0].EventType)

	clientEvents, err := eng.History(ctx, domain.EntityClient, client.ID, 0)
	require.NoError(t, err)
	require.Len(t, clientEvents, 1)
	assert.Equal(t, domain.EventCreatedFromSource, clientEvents[0].EventType)

	// A won lead cannot be converted again.
	_, err = eng.ConvertLeadToClient(ctx, "lead-1", "giulia")
	require.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.Equal(t, 1, countType(t, eng, domain.EntityClient))
}

func TestConvertLeadToClient_Preconditions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	seed(t, eng, domain.EntityLead, "early", "L2", "")
	seed(t, eng, domain.EntityLead, "lost", "L3", "")
	require.NoError(t, eng.Entities.UpdateOutcome(ctx, eng.DB, domain.EntityLead, "lost", domain.OutcomeLost, "prezzo", "", 1, 0))

	for _, id := range []string{"early", "lost"} {
		_, err := eng.ConvertLeadToClient(ctx, id, "")
		require.ErrorIs(t, err, domain.ErrPreconditionFailed, id)
		var ee *domain.EngineError
		require.ErrorAs(t, err, &ee)
		assert.Equal(t, "L3", ee.Details["required_phase"])
	}

	_, err := eng.ConvertLeadToClient(ctx, "ghost", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Zero(t, countType(t, eng, domain.EntityClient))

	audit, err := eng.AuditTrail(ctx, domain.EntityLead, "early")
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, "convert_lead_to_client", audit[0].Action)
	assert.Equal(t, "warn", audit[0].Severity)
}

func TestConvertLeadToClient_NotGatedOnCompletion(t *testing.T) {
	eng := newTestEngine(t)
	seed(t, eng, domain.EntityLead, "lead-1", "L3", "")

	snap, err := eng.Completion(context.Background(), domain.EntityLead, "lead-1")
	require.NoError(t, err)
	require.False(t, snap.CanAdvance)

	_, err = eng.ConvertLeadToClient(context.Background(), "lead-1", "")
	assert.NoError(t, err)
}

func TestConfirmLeadProperty(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	seed(t, eng, domain.EntityLead, "lead-1", "L3", "")
	seed(t, eng, domain.EntityLeadProperty, "lp-1", "PL3", "lead-1")
	seed(t, eng, domain.EntityLeadProperty, "lp-2", "PL3", "lead-1")

	// Confirmed before the lead converts: the property waits unowned.
	before, err := eng.ConfirmLeadProperty(ctx, "lp-1", "giulia")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityClientProperty, before.Type)
	assert.Equal(t, domain.PhaseID("P0"), before.CurrentPhase)
	assert.Equal(t, "lp-1", before.SourceID)
	assert.Equal(t, "IM-0001", before.Code)
	assert.Empty(t, before.OwnerContactID)
	assert.Equal(t, domain.OutcomeWon, mustGet(t, eng, domain.EntityLeadProperty, "lp-1").Outcome)

	client, err := eng.ConvertLeadToClient(ctx, "lead-1", "giulia")
	require.NoError(t, err)
	linked := mustGet(t, eng, domain.EntityClientProperty, before.ID)
	assert.Equal(t, client.ID, linked.OwnerContactID)
	assert.Equal(t, domain.PhaseID("P0"), linked.CurrentPhase)

	events, err := eng.History(ctx, domain.EntityClientProperty, before.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOwnerLinked, events[1].EventType)

	// Confirmed after the lead converts: owned from the start.
	after, err := eng.ConfirmLeadProperty(ctx, "lp-2", "giulia")
	require.NoError(t, err)
	assert.Equal(t, client.ID, after.OwnerContactID)
	assert.Equal(t, "IM-0002", after.Code)

	_, err = eng.ConfirmLeadProperty(ctx, "lp-2", "giulia")
	require.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.Equal(t, 2, countType(t, eng, domain.EntityClientProperty))
}

func TestConfirmLeadProperty_Preconditions(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	seed(t, eng, domain.EntityLeadProperty, "lp-1", "PL2", "")

	_, err := eng.ConfirmLeadProperty(ctx, "lp-1", "")
	require.ErrorIs(t, err, domain.ErrPreconditionFailed)
	assert.Equal(t, domain.KindPreconditionFailed, domain.KindOf(err))
	assert.Zero(t, countType(t, eng, domain.EntityClientProperty))
	assert.Equal(t, domain.OutcomeInProgress, mustGet(t, eng, domain.EntityLeadProperty, "lp-1").Outcome)
}

func TestConversion_AutoGeneratesEntryTasks(t *testing.T) {
	eng := newTestEngine(t)
	eng.AutoGenerateTasks = true
	ctx := context.Background()
	seed(t, eng, domain.EntityLead, "lead-1", "L3", "")

	client, err := eng.ConvertLeadToClient(ctx, "lead-1", "")
	require.NoError(t, err)

	templates, err := eng.Catalog.TaskTemplates(domain.EntityClient, "C0")
	require.NoError(t, err)
	tasks, err := eng.ListTasks(ctx, client.Ref(), "C0")
	require.NoError(t, err)
	assert.Len(t, tasks, len(templates))
}

func TestReject_Validation(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	seed(t, eng, domain.EntityLead, "lead-1", "L1", "")
	seed(t, eng, domain.EntityClient, "client-1", "C1", "")

	tests := []struct {
		name string
		req  RejectRequest
		want *domain.EngineError
	}{
		{"client", RejectRequest{EntityType: domain.EntityClient, EntityID: "client-1", Reason: domain.ReasonOther}, domain.ErrValidation},
		{"missing reason", RejectRequest{EntityType: domain.EntityLead, EntityID: "lead-1"}, domain.ErrValidation},
		{"missing id", RejectRequest{EntityType: domain.EntityLead, Reason: domain.ReasonPrice}, domain.ErrValidation},
		{"property reason on lead", RejectRequest{EntityType: domain.EntityLead, EntityID: "lead-1", Reason: domain.ReasonNotSuitable}, domain.ErrInvalidReason},
		{"unknown reason", RejectRequest{EntityType: domain.EntityLead, EntityID: "lead-1", Reason: "meteo"}, domain.ErrInvalidReason},
		{"stale version", RejectRequest{EntityType: domain.EntityLead, EntityID: "lead-1", Reason: domain.ReasonPrice, ExpectedVersion: 9}, domain.ErrOptimisticLock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.Reject(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, domain.OutcomeInProgress, mustGet(t, eng, domain.EntityLead, "lead-1").Outcome)
}

func TestReject_LeadDoesNotCascade(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	seed(t, eng, domain.EntityLead, "lead-1", "L2", "")
	seed(t, eng, domain.EntityLeadProperty, "lp-1", "PL1", "lead-1")

	lead, err := eng.Reject(ctx, RejectRequest{
		EntityType: domain.EntityLead, EntityID: "lead-1",
		Reason: domain.ReasonPrice, Notes: "  troppo caro  ", Actor: "giulia",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeLost, lead.Outcome)
	assert.Equal(t, "prezzo", lead.RejectionReason)
	assert.Equal(t, "troppo caro", lead.RejectionNotes)
	assert.Equal(t, domain.PhaseID("L2"), lead.CurrentPhase)

	assert.Equal(t, domain.OutcomeInProgress, mustGet(t, eng, domain.EntityLeadProperty, "lp-1").Outcome)

	_, err = eng.Reject(ctx, RejectRequest{EntityType: domain.EntityLead, EntityID: "lead-1", Reason: domain.ReasonOther})
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}

func TestUpdateExpectedPropertyCount(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()
	lead, err := eng.CreateLead(ctx, NewLead{Name: "Rossi"})
	require.NoError(t, err)
	assert.Equal(t, 1, lead.ExpectedPropertyCount)

	_, err = eng.UpdateExpectedPropertyCount(ctx, lead.ID, 0, "")
	require.ErrorIs(t, err, domain.ErrValidation)

	updated, err := eng.UpdateExpectedPropertyCount(ctx, lead.ID, 3, "giulia")
	require.NoError(t, err)
	assert.Equal(t, 3, updated.ExpectedPropertyCount)
	assert.Equal(t, int64(2), updated.Version)

	same, err := eng.UpdateExpectedPropertyCount(ctx, lead.ID, 3, "giulia")
	require.NoError(t, err)
	assert.Equal(t, int64(2), same.Version)

	events, err := eng.History(ctx, domain.EntityLead, lead.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventExpectedCount, events[1].EventType)
	assert.JSONEq(t, `{"from":1,"to":3}`, events[1].PayloadJSON)

	_, err = eng.Reject(ctx, RejectRequest{EntityType: domain.EntityLead, EntityID: lead.ID, Reason: domain.ReasonUnreachable})
	require.NoError(t, err)
	_, err = eng.UpdateExpectedPropertyCount(ctx, lead.ID, 2, "")
	assert.ErrorIs(t, err, domain.ErrPreconditionFailed)
}
