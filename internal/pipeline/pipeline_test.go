package pipeline_test

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/delivery"
	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/pipeline"
	"github.com/notifyhub/orchestrator/internal/registry"
	"github.com/notifyhub/orchestrator/internal/render"
	"github.com/notifyhub/orchestrator/internal/store"
	"github.com/notifyhub/orchestrator/internal/workflowfactory"
)

const taskQueue = "test-queue"

func newHarness(t *testing.T) (*engine.FakeEngine, store.Gateway, *registry.Registry, *delivery.FakeClient) {
	eng, gw, reg, deliveryClient, _ := newHarnessWithRenderer(t)
	return eng, gw, reg, deliveryClient
}

func newHarnessWithRenderer(t *testing.T) (*engine.FakeEngine, store.Gateway, *registry.Registry, *delivery.FakeClient, *render.FakeRenderer) {
	t.Helper()
	gw := store.NewMemoryGateway()
	renderer := render.NewFakeRenderer()
	factory := workflowfactory.New(gw, renderer, zap.NewNop())
	reg := registry.New(factory, gw, zap.NewNop())
	reg.InitializeStatic()

	cfg := &store.WorkflowConfig{WorkflowKey: "welcome", Channels: []store.Channel{store.ChannelEmail}, EmailTemplateID: "t1"}
	if err := reg.RegisterDynamic(context.Background(), "welcome", cfg, "tenant-a"); err != nil {
		t.Fatalf("setup: register dynamic workflow: %v", err)
	}

	wf := &store.Workflow{TenantID: "tenant-a", WorkflowKey: "welcome", Kind: store.WorkflowKindDynamic, PublishStatus: store.PublishStatusPublish}
	if err := gw.CreateWorkflow(context.Background(), wf); err != nil {
		t.Fatalf("setup: create workflow: %v", err)
	}

	deliveryClient := delivery.NewFakeClient()
	deliveryClient.NextTxID = "tx-123"

	pl := pipeline.New(gw, reg, deliveryClient, zap.NewNop())
	eng := engine.NewFakeEngine()
	if err := pl.Register(eng); err != nil {
		t.Fatalf("setup: register pipeline: %v", err)
	}
	return eng, gw, reg, deliveryClient, renderer
}

func seedNotification(t *testing.T, gw store.Gateway, workflowRef uint64, status store.NotificationStatus) *store.NotificationRequest {
	t.Helper()
	n, err := gw.CreateNotification(context.Background(), &store.NotificationRequest{
		TenantID:    "tenant-a",
		WorkflowRef: workflowRef,
		Recipients:  []string{"alice@example.com"},
		Payload:     map[string]any{"message": "hi"},
		Status:      store.StatusPending,
	})
	if err != nil {
		t.Fatalf("seed notification: %v", err)
	}
	if status != store.StatusPending {
		if err := gw.UpdateNotificationStatus(context.Background(), n.ID, "tenant-a", status, nil, nil); err != nil {
			t.Fatalf("seed notification status: %v", err)
		}
	}
	return n
}

func TestPipeline_HappyPath_EndsSent(t *testing.T) {
	eng, gw, _, deliveryClient := newHarness(t)

	wfs, err := gw.ListDynamicPublished(context.Background(), "tenant-a")
	if err != nil || len(wfs) != 1 {
		t.Fatalf("setup: expected one dynamic workflow, got %v err=%v", wfs, err)
	}
	n := seedNotification(t, gw, wfs[0].ID, store.StatusPending)

	job := pipeline.Job{EventType: pipeline.EventInsert, TenantID: "tenant-a", NotificationID: n.ID, Timestamp: time.Unix(0, 1)}
	if err := startAndWait(eng, job); err != nil {
		t.Fatalf("unexpected workflow error: %v", err)
	}

	got, err := gw.GetNotification(context.Background(), n.ID, "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != store.StatusSent {
		t.Fatalf("expected status=SENT, got %s", got.Status)
	}
	if got.TransactionID == nil || *got.TransactionID != "tx-123" {
		t.Fatalf("expected transaction_id=tx-123, got %v", got.TransactionID)
	}
	if deliveryClient.CallCount() != 1 {
		t.Fatalf("expected exactly one delivery SDK call, got %d", deliveryClient.CallCount())
	}
}

func TestPipeline_AlreadyClaimed_AbandonsWithoutDispatch(t *testing.T) {
	eng, gw, _, deliveryClient := newHarness(t)

	wfs, _ := gw.ListDynamicPublished(context.Background(), "tenant-a")
	n := seedNotification(t, gw, wfs[0].ID, store.StatusProcessing)

	job := pipeline.Job{EventType: pipeline.EventUpdate, TenantID: "tenant-a", NotificationID: n.ID, Timestamp: time.Unix(0, 2)}
	if err := startAndWait(eng, job); err != nil {
		t.Fatalf("unexpected workflow error: %v", err)
	}

	if deliveryClient.CallCount() != 0 {
		t.Fatalf("expected no delivery SDK call for an already-claimed row, got %d", deliveryClient.CallCount())
	}
	got, _ := gw.GetNotification(context.Background(), n.ID, "tenant-a")
	if got.Status != store.StatusProcessing {
		t.Fatalf("expected status to remain PROCESSING, got %s", got.Status)
	}
}

func TestPipeline_MissingWorkflow_MarksFailed(t *testing.T) {
	eng, gw, _, deliveryClient := newHarness(t)

	n := seedNotification(t, gw, 999999, store.StatusPending)

	job := pipeline.Job{EventType: pipeline.EventInsert, TenantID: "tenant-a", NotificationID: n.ID, Timestamp: time.Unix(0, 3)}
	if err := startAndWait(eng, job); err != nil {
		t.Fatalf("unexpected workflow error: %v", err)
	}

	got, _ := gw.GetNotification(context.Background(), n.ID, "tenant-a")
	if got.Status != store.StatusFailed {
		t.Fatalf("expected status=FAILED for a missing workflow, got %s", got.Status)
	}
	if deliveryClient.CallCount() != 0 {
		t.Fatalf("expected no delivery SDK call when the workflow cannot be resolved, got %d", deliveryClient.CallCount())
	}
}

func TestPipeline_DeliveryFailure_MarksFailedWithErrorDetails(t *testing.T) {
	eng, gw, _, deliveryClient := newHarness(t)
	deliveryClient.NextErr = errDeliveryDown

	wfs, _ := gw.ListDynamicPublished(context.Background(), "tenant-a")
	n := seedNotification(t, gw, wfs[0].ID, store.StatusPending)

	job := pipeline.Job{EventType: pipeline.EventInsert, TenantID: "tenant-a", NotificationID: n.ID, Timestamp: time.Unix(0, 4)}
	if err := startAndWait(eng, job); err != nil {
		t.Fatalf("unexpected workflow error: %v", err)
	}

	got, err := gw.GetNotification(context.Background(), n.ID, "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("expected status=FAILED, got %s", got.Status)
	}
	if got.ErrorDetails == nil {
		t.Fatal("expected error_details to be set")
	}
}

// TestPipeline_RenderFailure_IsTerminalAndNotRetried covers spec §7's error
// classification: a rendering error is terminal by default, unlike a
// delivery error, which is retried under the activity's retry policy.
func TestPipeline_RenderFailure_IsTerminalAndNotRetried(t *testing.T) {
	eng, gw, _, deliveryClient, renderer := newHarnessWithRenderer(t)
	renderer.NextErr = errRenderBroken

	wfs, _ := gw.ListDynamicPublished(context.Background(), "tenant-a")
	n := seedNotification(t, gw, wfs[0].ID, store.StatusPending)

	job := pipeline.Job{EventType: pipeline.EventInsert, TenantID: "tenant-a", NotificationID: n.ID, Timestamp: time.Unix(0, 5)}
	if err := startAndWait(eng, job); err != nil {
		t.Fatalf("unexpected workflow error: %v", err)
	}

	got, err := gw.GetNotification(context.Background(), n.ID, "tenant-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Fatalf("expected status=FAILED for a render error, got %s", got.Status)
	}
	if got.ErrorDetails == nil {
		t.Fatal("expected error_details to be set")
	}
	if deliveryClient.CallCount() != 0 {
		t.Fatalf("expected no delivery SDK call when rendering fails, got %d", deliveryClient.CallCount())
	}

	renderCalls := 0
	for _, c := range eng.Calls {
		if c.Name == pipeline.ActivityRender {
			renderCalls++
		}
	}
	if renderCalls != 1 {
		t.Fatalf("expected exactly 1 render activity attempt (terminal, no retries), got %d", renderCalls)
	}
}

// TestPipeline_DeliveryFailure_RetriesUnderDefaultPolicy asserts a delivery
// error, unlike a render error, is retried up to defaultRetryPolicy's
// MaxAttempts before the row is marked FAILED.
func TestPipeline_DeliveryFailure_RetriesUnderDefaultPolicy(t *testing.T) {
	eng, gw, _, deliveryClient := newHarness(t)
	deliveryClient.NextErr = errDeliveryDown

	wfs, _ := gw.ListDynamicPublished(context.Background(), "tenant-a")
	n := seedNotification(t, gw, wfs[0].ID, store.StatusPending)

	job := pipeline.Job{EventType: pipeline.EventInsert, TenantID: "tenant-a", NotificationID: n.ID, Timestamp: time.Unix(0, 6)}
	if err := startAndWait(eng, job); err != nil {
		t.Fatalf("unexpected workflow error: %v", err)
	}

	dispatchCalls := 0
	for _, c := range eng.Calls {
		if c.Name == pipeline.ActivityDispatch {
			dispatchCalls++
		}
	}
	if dispatchCalls != 5 {
		t.Fatalf("expected 5 dispatch attempts under defaultRetryPolicy, got %d", dispatchCalls)
	}
}

var errRenderBroken = fakeRenderError{}

type fakeRenderError struct{}

func (fakeRenderError) Error() string { return "template not found" }

func startAndWait(eng *engine.FakeEngine, job pipeline.Job) error {
	handle, err := eng.StartWorkflow(context.Background(), engine.StartRequest{
		ID:        "test",
		Workflow:  pipeline.WorkflowName,
		TaskQueue: taskQueue,
		Input:     job,
	})
	if err != nil {
		return err
	}
	var result any
	return handle.Wait(context.Background(), &result)
}

var errDeliveryDown = fakeDeliveryError{}

type fakeDeliveryError struct{}

func (fakeDeliveryError) Error() string { return "delivery SDK unreachable" }
