// Package registry resolves a workflow key to an executable definition,
// holding a process-wide static index and a per-tenant dynamic index.
package registry

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/store"
)

// Definition is the sum-type every workflow body implements, per the design
// note that polymorphism here is limited to "a workflow definition" rather
// than class inheritance.
type Definition interface {
	Execute(ctx context.Context, payload map[string]any) error
}

// Factory builds a Definition from a stored WorkflowConfig, and validates
// one before it is accepted into the registry. Implemented by
// internal/workflowfactory; declared here to avoid an import cycle (the
// registry only needs the narrow slice it calls through).
type Factory interface {
	Validate(cfg *store.WorkflowConfig) error
	Build(tenant string, cfg *store.WorkflowConfig) Definition
}

// Stats summarizes registry contents for the health/metrics surface.
type Stats struct {
	Total        int
	StaticCount  int
	DynamicCount int
	TenantCount  int
}

// Registry holds the static (compiled-in) index and the dynamic (per-tenant,
// DB-defined) index. Mutation follows the teacher's in-memory-repository
// locking discipline (sync.RWMutex, mock_notification_repo.go), generalized
// to two maps instead of one.
type Registry struct {
	factory Factory
	gateway store.Gateway
	log     *zap.Logger

	mu      sync.RWMutex
	static  map[string]Definition
	dynamic map[string]map[string]Definition // tenant -> key -> Definition

	staticSealed bool
}

func New(factory Factory, gateway store.Gateway, log *zap.Logger) *Registry {
	return &Registry{
		factory: factory,
		gateway: gateway,
		log:     log,
		static:  make(map[string]Definition),
		dynamic: make(map[string]map[string]Definition),
	}
}

// RegisterStatic adds a compiled-in definition. Must be called before
// InitializeStatic seals the static index; after sealing it is a no-op
// (logged), per the invariant that static entries never mutate post-init.
func (r *Registry) RegisterStatic(key string, def Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.staticSealed {
		r.log.Warn("ignoring static registration after seal", zap.String("workflow_key", key))
		return
	}
	r.static[key] = def
}

// InitializeStatic seals the static index; subsequent RegisterStatic calls
// are rejected.
func (r *Registry) InitializeStatic() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staticSealed = true
}

// RegisterDynamic validates cfg via the Factory and installs (or overwrites)
// the (tenant, key) entry. A failed validation logs and leaves the registry
// unchanged, per the Configuration error-kind policy (§7).
func (r *Registry) RegisterDynamic(ctx context.Context, key string, cfg *store.WorkflowConfig, tenant string) error {
	if err := r.factory.Validate(cfg); err != nil {
		r.log.Warn("dynamic workflow failed validation",
			zap.String("tenant", tenant), zap.String("workflow_key", key), zap.Error(err))
		return err
	}
	def := r.factory.Build(tenant, cfg)

	r.mu.Lock()
	defer r.mu.Unlock()
	slice, ok := r.dynamic[tenant]
	if !ok {
		slice = make(map[string]Definition)
		r.dynamic[tenant] = slice
	}
	slice[key] = def
	return nil
}

// Resolve returns the dynamic entry if tenant is non-empty and one exists,
// else the static entry, else nil. Dynamic entries shadow static ones only
// within their own tenant — the core resolution rule (spec §4.2).
func (r *Registry) Resolve(key, tenant string) Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tenant != "" {
		if slice, ok := r.dynamic[tenant]; ok {
			if def, ok := slice[key]; ok {
				return def
			}
		}
	}
	if def, ok := r.static[key]; ok {
		return def
	}
	return nil
}

// LoadTenant rebuilds tenant's dynamic slice from scratch using the store's
// published dynamic workflows. A per-row error is logged and skipped; it
// never aborts the whole tenant load.
func (r *Registry) LoadTenant(ctx context.Context, tenant string) error {
	workflows, err := r.gateway.ListDynamicPublished(ctx, tenant)
	if err != nil {
		return err
	}

	fresh := make(map[string]Definition, len(workflows))
	for _, w := range workflows {
		cfg := workflowConfigFrom(w)
		if err := r.factory.Validate(cfg); err != nil {
			r.log.Warn("skipping invalid dynamic workflow on tenant load",
				zap.String("tenant", tenant), zap.String("workflow_key", w.WorkflowKey), zap.Error(err))
			continue
		}
		fresh[w.WorkflowKey] = r.factory.Build(tenant, cfg)
	}

	r.mu.Lock()
	r.dynamic[tenant] = fresh
	r.mu.Unlock()
	return nil
}

// ReloadTenant is equivalent to drop-then-load for tenant only; other
// tenants' slices are untouched. LoadTenant already replaces the slice
// atomically, so ReloadTenant is its alias — kept as a distinct name because
// the spec calls out both operations explicitly.
func (r *Registry) ReloadTenant(ctx context.Context, tenant string) error {
	return r.LoadTenant(ctx, tenant)
}

// Unregister removes one entry. tenant="" removes a static entry; otherwise
// removes the dynamic entry for that tenant.
func (r *Registry) Unregister(key, tenant string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tenant == "" {
		delete(r.static, key)
		return
	}
	if slice, ok := r.dynamic[tenant]; ok {
		delete(slice, key)
	}
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dynamicCount := 0
	for _, slice := range r.dynamic {
		dynamicCount += len(slice)
	}
	return Stats{
		Total:        len(r.static) + dynamicCount,
		StaticCount:  len(r.static),
		DynamicCount: dynamicCount,
		TenantCount:  len(r.dynamic),
	}
}

func workflowConfigFrom(w *store.Workflow) *store.WorkflowConfig {
	cfg := &store.WorkflowConfig{
		WorkflowKey:   w.WorkflowKey,
		Kind:          w.Kind,
		Channels:      w.DefaultChannels,
		PayloadSchema: w.PayloadSchema,
	}
	for c, templateID := range w.TemplateOverrides {
		switch store.NormalizeChannel(c) {
		case store.ChannelEmail:
			cfg.EmailTemplateID = templateID
		case store.ChannelInApp:
			cfg.InAppTemplateID = templateID
		case store.ChannelSMS:
			cfg.SMSTemplateID = templateID
		case store.ChannelPush:
			cfg.PushTemplateID = templateID
		case store.ChannelChat:
			cfg.ChatTemplateID = templateID
		}
	}
	return cfg
}
