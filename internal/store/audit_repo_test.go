package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/vacanze/phasegate/internal/domain"
)

func TestAuditRepo_RecordAndList(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	repo := &AuditRepo{}
	now := time.Now().Unix()

	records := []domain.AuditRecord{
		{ID: "aud-1", EntityType: "lead", EntityID: "lead-1", Category: "transition", Actor: "agent-1", Action: "request_transition", RequestJSON: `{"to":"L1"}`, DecisionJSON: `{"allowed":true}`, Severity: "info", CreatedAt: now},
		{ID: "aud-2", EntityType: "lead", EntityID: "lead-1", Category: "transition", Actor: "agent-1", Action: "request_transition", RequestJSON: `{"to":"L2"}`, DecisionJSON: `{"allowed":false}`, Severity: "warn", CreatedAt: now + 1},
		{ID: "aud-3", EntityType: "lead", EntityID: "lead-2", Category: "conversion", Actor: "agent-2", Action: "reject", RequestJSON: "{}", DecisionJSON: "{}", Severity: "info", CreatedAt: now + 2},
	}

	for _, r := range records {
		if err := repo.Record(ctx, db, r); err != nil {
			t.Fatalf("Record %s: %v", r.ID, err)
		}
	}

	// List by lead-1 should return 2 records.
	got, err := repo.ListByEntity(ctx, db, "lead", "lead-1")
	if err != nil {
		t.Fatalf("ListByEntity: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	if got[0].ID != "aud-1" {
		t.Errorf("first record ID = %q, want %q", got[0].ID, "aud-1")
	}
	if got[1].Severity != "warn" {
		t.Errorf("second record severity = %q, want %q", got[1].Severity, "warn")
	}
}

func TestAuditRepo_ListByEntity_Empty(t *testing.T) {
	dir := t.TempDir()
	db, err := NewDB(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	got, err := (&AuditRepo{}).ListByEntity(context.Background(), db, "lead", "nobody")
	if err != nil {
		t.Fatalf("ListByEntity: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 records, got %d", len(got))
	}
}
