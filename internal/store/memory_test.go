package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/notifyhub/orchestrator/internal/store"
)

func TestMemoryGateway_TenantIsolation(t *testing.T) {
	g := store.NewMemoryGateway()
	ctx := context.Background()

	err := g.CreateWorkflow(ctx, &store.Workflow{TenantID: "tenant-a", WorkflowKey: "welcome"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	w, err := g.GetWorkflowByKey(ctx, "welcome", "tenant-b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if w != nil {
		t.Fatal("expected no row visible to a different tenant")
	}

	w, err = g.GetWorkflowByKey(ctx, "welcome", "tenant-a")
	if err != nil || w == nil {
		t.Fatalf("expected the owning tenant to see its row, got w=%v err=%v", w, err)
	}
}

func TestMemoryGateway_CreateWorkflow_DuplicateKeyConstraint(t *testing.T) {
	g := store.NewMemoryGateway()
	ctx := context.Background()

	if err := g.CreateWorkflow(ctx, &store.Workflow{TenantID: "t1", WorkflowKey: "dup"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := g.CreateWorkflow(ctx, &store.Workflow{TenantID: "t1", WorkflowKey: "dup"})
	if err == nil {
		t.Fatal("expected a constraint error for a duplicate workflow_key")
	}
	se, ok := err.(*store.StoreError)
	if !ok || se.Kind != store.KindConstraint {
		t.Fatalf("expected StoreError{Kind: KindConstraint}, got %#v", err)
	}

	// Same key under a different tenant is not a conflict.
	if err := g.CreateWorkflow(ctx, &store.Workflow{TenantID: "t2", WorkflowKey: "dup"}); err != nil {
		t.Fatalf("unexpected error for a different tenant: %v", err)
	}
}

func TestMemoryGateway_ClaimNotification_ExactlyOnce(t *testing.T) {
	g := store.NewMemoryGateway()
	ctx := context.Background()

	n, err := g.CreateNotification(ctx, &store.NotificationRequest{TenantID: "t1", Status: store.StatusPending})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	claimed, err := g.ClaimNotification(ctx, n.ID, "t1", store.StatusPending, store.StatusProcessing)
	if err != nil || !claimed {
		t.Fatalf("expected the first claim to succeed, got claimed=%v err=%v", claimed, err)
	}

	claimed, err = g.ClaimNotification(ctx, n.ID, "t1", store.StatusPending, store.StatusProcessing)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Fatal("expected the second claim on an already-claimed row to fail")
	}

	got, err := g.GetNotification(ctx, n.ID, "t1")
	if err != nil || got == nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != store.StatusProcessing {
		t.Fatalf("expected status=PROCESSING, got %s", got.Status)
	}
}

func TestMemoryGateway_UpdateNotificationStatus_Idempotent(t *testing.T) {
	g := store.NewMemoryGateway()
	ctx := context.Background()

	n, _ := g.CreateNotification(ctx, &store.NotificationRequest{TenantID: "t1", Status: store.StatusPending})

	if err := g.UpdateNotificationStatus(ctx, n.ID, "t1", store.StatusSent, nil, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := g.UpdateNotificationStatus(ctx, n.ID, "t1", store.StatusSent, nil, nil); err != nil {
		t.Fatalf("unexpected error on repeated write: %v", err)
	}

	got, _ := g.GetNotification(ctx, n.ID, "t1")
	if got.Status != store.StatusSent {
		t.Fatalf("expected status=SENT, got %s", got.Status)
	}
}

func TestMemoryGateway_ListScheduledDue_BoundaryInclusive(t *testing.T) {
	g := store.NewMemoryGateway()
	ctx := context.Background()
	now := time.Now().UTC()

	due := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	n1, _ := g.CreateNotification(ctx, &store.NotificationRequest{TenantID: "t1", Status: store.StatusPending, ScheduledFor: &due})
	_, _ = g.CreateNotification(ctx, &store.NotificationRequest{TenantID: "t1", Status: store.StatusPending, ScheduledFor: &future})
	exact := now
	n3, _ := g.CreateNotification(ctx, &store.NotificationRequest{TenantID: "t1", Status: store.StatusPending, ScheduledFor: &exact})

	rows, err := g.ListScheduledDue(ctx, now, 10, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 due rows (past + exact boundary), got %d", len(rows))
	}
	ids := map[uint64]bool{rows[0].ID: true, rows[1].ID: true}
	if !ids[n1.ID] || !ids[n3.ID] {
		t.Fatalf("expected rows %d and %d, got %v", n1.ID, n3.ID, rows)
	}
}

func TestMemoryGateway_ListChangesSince_TenantFilter(t *testing.T) {
	g := store.NewMemoryGateway()
	ctx := context.Background()
	cursor := time.Now().UTC().Add(-time.Hour)

	_, _ = g.CreateNotification(ctx, &store.NotificationRequest{TenantID: "t1", Status: store.StatusPending})
	_, _ = g.CreateNotification(ctx, &store.NotificationRequest{TenantID: "t2", Status: store.StatusPending})

	rows, err := g.ListChangesSince(ctx, cursor, 10, "t1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0].TenantID != "t1" {
		t.Fatalf("expected exactly one t1 row, got %v", rows)
	}

	all, err := g.ListChangesSince(ctx, cursor, 10, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both tenants' rows with no filter, got %d", len(all))
	}
}
