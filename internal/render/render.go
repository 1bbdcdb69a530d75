// Package render models per-channel template rendering as an external
// collaborator (spec §1 Non-goals: "per-channel template rendering" is out
// of scope for this core). Only the narrow interface the Dynamic Workflow
// Factory (C3) calls through lives here.
package render

import "context"

// Result is the channel-specific rendered shape the factory hands to the
// engine's per-channel dispatch step (subject/body/avatar/redirect/etc. are
// all opaque to the core, per §4.3).
type Result map[string]any

// Renderer renders a template for a channel given tenant + payload
// variables. A render failure propagates so the surrounding Render
// activity fails, per §4.3 step 2 and the Rendering error kind (§7).
type Renderer interface {
	Render(ctx context.Context, tenant, templateID string, channel string, vars map[string]any) (Result, error)
}

// HTTPRenderer posts to an external rendering service, grounded on the
// teacher's WebhookProvider POST-JSON/decode-body shape, reused here for a
// different external collaborator.
type HTTPRenderer struct {
	client httpPoster
}

// httpPoster is the minimal surface HTTPRenderer needs; kept narrow so tests
// can supply a fake without standing up net/http.
type httpPoster interface {
	PostJSON(ctx context.Context, path string, body any, out any) error
}

func NewHTTPRenderer(client httpPoster) *HTTPRenderer {
	return &HTTPRenderer{client: client}
}

func (r *HTTPRenderer) Render(ctx context.Context, tenant, templateID, channel string, vars map[string]any) (Result, error) {
	req := map[string]any{
		"tenant":     tenant,
		"templateId": templateID,
		"channel":    channel,
		"vars":       vars,
	}
	var out Result
	if err := r.client.PostJSON(ctx, "/render", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

var _ Renderer = (*HTTPRenderer)(nil)
