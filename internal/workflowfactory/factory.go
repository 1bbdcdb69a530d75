// Package workflowfactory builds an executable workflow Definition from a
// stored WorkflowConfig (C3), grounded on the per-channel dispatch loop the
// spec describes in §4.3 — generalized from the teacher's single-channel
// provider.Send call into a fixed multi-channel walk.
package workflowfactory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/ratelimiter"
	"github.com/notifyhub/orchestrator/internal/registry"
	"github.com/notifyhub/orchestrator/internal/render"
	"github.com/notifyhub/orchestrator/internal/store"
)

// recognizedPriorities and recognizedCategories are the default payload
// schema's enums (spec §4.3).
var recognizedPriorities = map[string]bool{"low": true, "medium": true, "high": true, "critical": true}
var recognizedCategories = map[string]bool{"security": true, "emergency": true, "maintenance": true}

// Factory builds and validates Definitions. It satisfies registry.Factory.
type Factory struct {
	gateway  store.Gateway
	renderer render.Renderer
	limiter  *ratelimiter.ChannelLimiters
	log      *zap.Logger
}

func New(gateway store.Gateway, renderer render.Renderer, log *zap.Logger) *Factory {
	return &Factory{gateway: gateway, renderer: renderer, log: log}
}

// SetRateLimiter installs a per-channel token bucket every built Definition
// will wait on before rendering a channel. Optional: a Factory with no
// limiter installed dispatches at full speed, just like a nil *Factory field.
func (f *Factory) SetRateLimiter(l *ratelimiter.ChannelLimiters) { f.limiter = l }

// Validate checks workflow_key non-empty, channels non-empty and
// recognized, and that every channel names a template id (spec §4.3).
func (f *Factory) Validate(cfg *store.WorkflowConfig) error {
	if cfg.WorkflowKey == "" {
		return fmt.Errorf("workflow_key must not be empty")
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("channels must not be empty")
	}
	for _, raw := range cfg.Channels {
		c := store.NormalizeChannel(raw)
		if !c.IsValid() {
			return fmt.Errorf("unrecognized channel %q", raw)
		}
		if cfg.TemplateID(c) == "" {
			return fmt.Errorf("channel %q has no template id", c)
		}
	}
	return nil
}

// ValidatePayload enforces the default payload schema floor: unrecognized
// fields are permitted, but priority/category outside their enum fail.
func ValidatePayload(payload map[string]any) error {
	if payload == nil {
		return nil
	}
	if v, ok := payload["priority"]; ok {
		s, ok := v.(string)
		if !ok || !recognizedPriorities[s] {
			return fmt.Errorf("priority %v is not in {low,medium,high,critical}", v)
		}
	}
	if v, ok := payload["category"]; ok {
		s, ok := v.(string)
		if !ok || !recognizedCategories[s] {
			return fmt.Errorf("category %v is not recognized", v)
		}
	}
	return nil
}

// Build returns a Definition for cfg scoped to tenant. Does not validate —
// callers (registry.RegisterDynamic, LoadTenant) validate first.
func (f *Factory) Build(tenant string, cfg *store.WorkflowConfig) registry.Definition {
	return &definition{
		tenant:   tenant,
		cfg:      cfg,
		gateway:  f.gateway,
		renderer: f.renderer,
		limiter:  f.limiter,
		log:      f.log,
	}
}

// definition is the executable workflow body. Execute implements the three
// steps of spec §4.3: best-effort mark-processing, per-channel
// rate-limit-then-render, and terminal status write.
type definition struct {
	tenant   string
	cfg      *store.WorkflowConfig
	gateway  store.Gateway
	renderer render.Renderer
	limiter  *ratelimiter.ChannelLimiters
	log      *zap.Logger
}

func (d *definition) Execute(ctx context.Context, payload map[string]any) error {
	notificationID, hasID := notificationIDFrom(payload)

	if hasID {
		if err := d.gateway.UpdateNotificationStatus(ctx, notificationID, d.tenant, store.StatusProcessing, nil, nil); err != nil {
			d.log.Warn("best-effort mark-processing failed", zap.Uint64("notification_id", notificationID), zap.Error(err))
		}
	}

	for _, c := range store.ChannelOrder() {
		if !containsChannel(d.cfg.Channels, c) {
			continue
		}
		templateID := d.cfg.TemplateID(c)
		if templateID == "" {
			continue
		}
		if d.limiter != nil {
			if err := d.limiter.Wait(ctx, c); err != nil {
				return fmt.Errorf("rate limit wait for channel %s: %w", c, err)
			}
		}
		_, err := d.renderer.Render(ctx, d.tenant, templateID, string(c), payload)
		if err != nil {
			detail := err.Error()
			if hasID {
				if uerr := d.gateway.UpdateNotificationStatus(ctx, notificationID, d.tenant, store.StatusFailed, &detail, nil); uerr != nil {
					d.log.Error("failed to persist FAILED status after render error",
						zap.Uint64("notification_id", notificationID), zap.Error(uerr))
				}
			}
			return fmt.Errorf("render channel %s: %w", c, err)
		}
		// The rendered result's per-channel shape (subject/body/avatar/...)
		// is handed to the engine's per-channel dispatch step by the caller
		// (internal/pipeline), which owns the actual delivery SDK call.
	}

	if hasID {
		if err := d.gateway.UpdateNotificationStatus(ctx, notificationID, d.tenant, store.StatusSent, nil, nil); err != nil {
			d.log.Error("failed to persist SENT status", zap.Uint64("notification_id", notificationID), zap.Error(err))
		}
	}
	return nil
}

func notificationIDFrom(payload map[string]any) (uint64, bool) {
	v, ok := payload["notificationId"]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case uint64:
		return n, true
	case int:
		return uint64(n), true
	case float64:
		return uint64(n), true
	default:
		return 0, false
	}
}

func containsChannel(channels []store.Channel, c store.Channel) bool {
	for _, ch := range channels {
		if store.NormalizeChannel(ch) == c {
			return true
		}
	}
	return false
}

var _ registry.Factory = (*Factory)(nil)
