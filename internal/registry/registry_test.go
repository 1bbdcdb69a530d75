package registry_test

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/registry"
	"github.com/notifyhub/orchestrator/internal/store"
)

type fakeDefinition struct{ id string }

func (d *fakeDefinition) Execute(context.Context, map[string]any) error { return nil }

type fakeFactory struct {
	rejectKeys map[string]bool
}

func (f *fakeFactory) Validate(cfg *store.WorkflowConfig) error {
	if cfg.WorkflowKey == "" {
		return errors.New("empty workflow_key")
	}
	if f.rejectKeys[cfg.WorkflowKey] {
		return errors.New("rejected for test")
	}
	return nil
}

func (f *fakeFactory) Build(tenant string, cfg *store.WorkflowConfig) registry.Definition {
	return &fakeDefinition{id: tenant + ":" + cfg.WorkflowKey}
}

func TestRegistry_DynamicShadowsStaticWithinTenant(t *testing.T) {
	gw := store.NewMemoryGateway()
	reg := registry.New(&fakeFactory{}, gw, zap.NewNop())

	reg.RegisterStatic("common", &fakeDefinition{id: "static:common"})
	reg.InitializeStatic()

	err := reg.RegisterDynamic(context.Background(), "common",
		&store.WorkflowConfig{WorkflowKey: "common", Channels: []store.Channel{store.ChannelEmail}}, "T")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tenantDef := reg.Resolve("common", "T")
	if tenantDef == nil || tenantDef.(*fakeDefinition).id != "T:common" {
		t.Fatalf("expected the dynamic definition to shadow static within tenant T, got %v", tenantDef)
	}

	globalDef := reg.Resolve("common", "")
	if globalDef == nil || globalDef.(*fakeDefinition).id != "static:common" {
		t.Fatalf("expected the static definition outside any tenant, got %v", globalDef)
	}

	otherTenantDef := reg.Resolve("common", "OTHER")
	if otherTenantDef == nil || otherTenantDef.(*fakeDefinition).id != "static:common" {
		t.Fatalf("expected tenant OTHER to fall back to static, got %v", otherTenantDef)
	}
}

func TestRegistry_RegisterDynamic_Idempotent(t *testing.T) {
	gw := store.NewMemoryGateway()
	reg := registry.New(&fakeFactory{}, gw, zap.NewNop())
	cfg := &store.WorkflowConfig{WorkflowKey: "k", Channels: []store.Channel{store.ChannelSMS}}

	if err := reg.RegisterDynamic(context.Background(), "k", cfg, "T"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	before := reg.Stats()

	if err := reg.RegisterDynamic(context.Background(), "k", cfg, "T"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	after := reg.Stats()

	if before != after {
		t.Fatalf("expected repeated registration to leave registry state unchanged, got %+v vs %+v", before, after)
	}
}

func TestRegistry_LoadTenant_SkipsInvalidRowsWithoutAbortingTenant(t *testing.T) {
	gw := store.NewMemoryGateway()
	reg := registry.New(&fakeFactory{rejectKeys: map[string]bool{"bad": true}}, gw, zap.NewNop())

	gw.SeedWorkflow(&store.Workflow{
		ID: 1, TenantID: "T", WorkflowKey: "bad",
		PublishStatus: store.PublishStatusPublish, Kind: store.WorkflowKindDynamic,
	})
	gw.SeedWorkflow(&store.Workflow{
		ID: 2, TenantID: "T", WorkflowKey: "good",
		PublishStatus: store.PublishStatusPublish, Kind: store.WorkflowKindDynamic,
	})

	if err := reg.LoadTenant(context.Background(), "T"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reg.Resolve("bad", "T") != nil {
		t.Fatal("expected the invalid row to be skipped")
	}
	if reg.Resolve("good", "T") == nil {
		t.Fatal("expected the valid row to still load")
	}
}

func TestRegistry_ReloadTenant_DoesNotTouchOtherTenants(t *testing.T) {
	gw := store.NewMemoryGateway()
	reg := registry.New(&fakeFactory{}, gw, zap.NewNop())

	gw.SeedWorkflow(&store.Workflow{
		ID: 1, TenantID: "A", WorkflowKey: "a-wf",
		PublishStatus: store.PublishStatusPublish, Kind: store.WorkflowKindDynamic,
	})
	if err := reg.LoadTenant(context.Background(), "A"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := reg.ReloadTenant(context.Background(), "B"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if reg.Resolve("a-wf", "A") == nil {
		t.Fatal("expected tenant A's entry to survive tenant B's reload")
	}
}

func TestRegistry_StaticSealedAfterInitialize(t *testing.T) {
	gw := store.NewMemoryGateway()
	reg := registry.New(&fakeFactory{}, gw, zap.NewNop())
	reg.InitializeStatic()
	reg.RegisterStatic("late", &fakeDefinition{id: "late"})

	if reg.Resolve("late", "") != nil {
		t.Fatal("expected a post-seal static registration to be ignored")
	}
}
