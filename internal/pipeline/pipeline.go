// Package pipeline implements the Notification Pipeline (C6): a durable,
// retryable workflow that walks a NotificationRequest through
// PENDING -> PROCESSING -> {SENT, FAILED}, grounded on the teacher's
// Worker.process method (internal/worker/worker.go), whose five inline
// steps (fetch, mark processing, rate-limit, send, mark sent/failed) map
// onto the five activities below, with rendering and delivery split into
// their own activities so each can carry its own retry policy.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/delivery"
	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/registry"
	"github.com/notifyhub/orchestrator/internal/store"
)

const (
	WorkflowName = "ProcessNotification"

	ActivityClaim    = "ClaimNotification"
	ActivityResolve  = "ResolveNotification"
	ActivityRender   = "RenderNotification"
	ActivityDispatch = "DispatchNotification"
	ActivityFinalize = "FinalizeNotification"
)

// EventType mirrors the change-feed operations that can start a workflow
// instance (spec §4.4/§4.6: INSERT and UPDATE are treated identically).
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Job is the RealtimeJob schema shared by C4 (Realtime Subscription Manager)
// and C5 (Outbox/Scheduled Poller); the pipeline is oblivious to which
// produced it (spec §4.5: "downstream is oblivious to the source").
type Job struct {
	EventType      EventType
	TenantID       string
	NotificationID uint64
	Timestamp      time.Time
	EventID        string
}

// defaultRetryPolicy is the activity retry policy from spec §5: attempt
// timeout 30s, exponential backoff 1s->30s, capped at 5 attempts.
var defaultRetryPolicy = engine.RetryPolicy{
	MaxAttempts:        5,
	InitialInterval:    time.Second,
	BackoffCoefficient: 2,
	MaxInterval:        30 * time.Second,
}

const defaultActivityTimeout = 30 * time.Second

// renderRetryPolicy governs RenderNotification: spec §7 classifies rendering
// errors as terminal unless the renderer itself is transient, so the render
// step gets no activity-level retries of its own, unlike defaultRetryPolicy's
// 5-attempt delivery retries.
var renderRetryPolicy = engine.RetryPolicy{
	MaxAttempts:        1,
	InitialInterval:    time.Second,
	BackoffCoefficient: 1,
	MaxInterval:        time.Second,
}

// MetricHooks lets a caller observe pipeline outcomes without the pipeline
// importing a metrics library directly, mirroring the teacher's
// worker.MetricHooks/Metrics.WorkerHooks split (internal/worker/pool.go,
// internal/metrics/metrics.go).
type MetricHooks struct {
	OnSent   func(tenant string, latency time.Duration)
	OnFailed func(tenant string)
}

// Pipeline wires the Store Gateway, Workflow Registry, and delivery SDK
// client into the five activities and the workflow function, and registers
// them with an engine.Engine.
type Pipeline struct {
	gateway  store.Gateway
	registry *registry.Registry
	delivery delivery.Client
	log      *zap.Logger
	hooks    MetricHooks
}

func New(gateway store.Gateway, reg *registry.Registry, deliveryClient delivery.Client, log *zap.Logger) *Pipeline {
	return &Pipeline{gateway: gateway, registry: reg, delivery: deliveryClient, log: log}
}

// SetMetricHooks installs the metric callbacks invoked from finalizeActivity.
// Optional: a Pipeline with no hooks installed behaves identically, just
// without the callbacks.
func (p *Pipeline) SetMetricHooks(h MetricHooks) { p.hooks = h }

// Register installs the workflow and its five activities on eng. Must run
// before any StartForJob / engine worker start, mirroring the teacher's
// "register then Start" ordering in cmd/server/main.go.
func (p *Pipeline) Register(eng engine.Engine) error {
	if err := eng.RegisterWorkflow(WorkflowName, p.workflow); err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}
	activities := map[string]engine.ActivityFunc{
		ActivityClaim:    p.claimActivity,
		ActivityResolve:  p.resolveActivity,
		ActivityRender:   p.renderActivity,
		ActivityDispatch: p.dispatchActivity,
		ActivityFinalize: p.finalizeActivity,
	}
	for name, fn := range activities {
		if err := eng.RegisterActivity(name, fn); err != nil {
			return fmt.Errorf("register activity %s: %w", name, err)
		}
	}
	return nil
}

// StartForJob launches one ProcessNotification workflow instance for job.
// The workflow ID is built from tenant, notification id and the job's
// timestamp, so two jobs for the same notification with different
// timestamps start separate instances; Claim enforces single ownership, so
// the later instance abandons as a no-op.
func (p *Pipeline) StartForJob(ctx context.Context, eng engine.Engine, taskQueue string, job Job) error {
	_, err := eng.StartWorkflow(ctx, engine.StartRequest{
		ID:        fmt.Sprintf("notif-%s-%d-%d", job.TenantID, job.NotificationID, job.Timestamp.UnixNano()),
		Workflow:  WorkflowName,
		TaskQueue: taskQueue,
		Input:     job,
	})
	return err
}

// workflow is the ProcessNotification workflow body.
func (p *Pipeline) workflow(ctx engine.Context, input any) (any, error) {
	job, ok := input.(Job)
	if !ok {
		return nil, fmt.Errorf("pipeline: unexpected workflow input type %T", input)
	}
	started := ctx.Now()

	var claimed claimResult
	if err := ctx.ExecuteActivity(engine.ActivityRequest{
		Name: ActivityClaim, Input: claimInput{TenantID: job.TenantID, NotificationID: job.NotificationID},
		RetryPolicy: defaultRetryPolicy, Timeout: defaultActivityTimeout,
	}, &claimed); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	if !claimed.Claimed {
		// Already claimed, terminal, or retracted: abandon successfully.
		return claimed, nil
	}

	var resolved resolveResult
	if err := ctx.ExecuteActivity(engine.ActivityRequest{
		Name: ActivityResolve, Input: resolveInput{TenantID: job.TenantID, NotificationID: job.NotificationID},
		RetryPolicy: defaultRetryPolicy, Timeout: defaultActivityTimeout,
	}, &resolved); err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	if !resolved.Found {
		// Resolve activity already wrote FAILED (or the row is gone); nothing more to do.
		return resolved, nil
	}

	finalizeIn := finalizeInput{TenantID: job.TenantID, NotificationID: job.NotificationID, StartedAt: started}

	var rendered renderResult
	renderErr := ctx.ExecuteActivity(engine.ActivityRequest{
		Name: ActivityRender, Input: renderInput{
			TenantID: job.TenantID, NotificationID: job.NotificationID,
			WorkflowKey: resolved.WorkflowKey,
		},
		RetryPolicy: renderRetryPolicy, Timeout: defaultActivityTimeout,
	}, &rendered)

	if renderErr != nil {
		detail := renderErr.Error()
		finalizeIn.Success = false
		finalizeIn.ErrorDetails = &detail
	} else {
		var dispatched dispatchResult
		dispatchErr := ctx.ExecuteActivity(engine.ActivityRequest{
			Name: ActivityDispatch, Input: dispatchInput{
				TenantID: job.TenantID, NotificationID: job.NotificationID,
				WorkflowKey: resolved.WorkflowKey,
			},
			RetryPolicy: defaultRetryPolicy, Timeout: defaultActivityTimeout,
		}, &dispatched)

		if dispatchErr != nil {
			detail := dispatchErr.Error()
			finalizeIn.Success = false
			finalizeIn.ErrorDetails = &detail
		} else {
			finalizeIn.Success = true
			finalizeIn.TransactionID = &dispatched.TransactionID
		}
	}

	var finalized finalizeResult
	if err := ctx.ExecuteActivity(engine.ActivityRequest{
		Name: ActivityFinalize, Input: finalizeIn,
		RetryPolicy: defaultRetryPolicy, Timeout: defaultActivityTimeout,
	}, &finalized); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	return finalized, nil
}

// ---- activity payloads ----

type claimInput struct {
	TenantID       string
	NotificationID uint64
}

type claimResult struct {
	Claimed bool
}

type resolveInput struct {
	TenantID       string
	NotificationID uint64
}

type resolveResult struct {
	Found       bool
	WorkflowKey string
}

type renderInput struct {
	TenantID       string
	NotificationID uint64
	WorkflowKey    string
}

type renderResult struct{}

type dispatchInput struct {
	TenantID       string
	NotificationID uint64
	WorkflowKey    string
}

type dispatchResult struct {
	TransactionID string
}

type finalizeInput struct {
	TenantID       string
	NotificationID uint64
	Success        bool
	TransactionID  *string
	ErrorDetails   *string
	StartedAt      time.Time
}

type finalizeResult struct {
	FinalStatus store.NotificationStatus
}

// ---- activity bodies ----

// claimActivity performs the CAS-style PENDING->PROCESSING transition (spec
// §4.6 step 1, §8's Claim(r);Claim(r) idempotence law).
func (p *Pipeline) claimActivity(ctx context.Context, in any) (any, error) {
	input := in.(claimInput)
	claimed, err := p.gateway.ClaimNotification(ctx, input.NotificationID, input.TenantID, store.StatusPending, store.StatusProcessing)
	if err != nil {
		return nil, err
	}
	return claimResult{Claimed: claimed}, nil
}

// resolveActivity fetches the request and its Workflow, then resolves a
// Definition via the registry using (workflow_key, tenant). Missing
// definition is terminal: FAILED "workflow not found" (spec §4.6 step 2).
func (p *Pipeline) resolveActivity(ctx context.Context, in any) (any, error) {
	input := in.(resolveInput)

	req, err := p.gateway.GetNotification(ctx, input.NotificationID, input.TenantID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return resolveResult{Found: false}, nil
	}

	wf, err := p.gateway.GetWorkflow(ctx, req.WorkflowRef, input.TenantID)
	if err != nil {
		return nil, err
	}
	if wf == nil || !wf.Eligible() {
		detail := "workflow not found"
		if uerr := p.gateway.UpdateNotificationStatus(ctx, input.NotificationID, input.TenantID, store.StatusFailed, &detail, nil); uerr != nil {
			p.log.Error("failed to persist FAILED status for missing workflow",
				zap.String("tenant", input.TenantID), zap.Uint64("notification_id", input.NotificationID), zap.Error(uerr))
		}
		return resolveResult{Found: false}, nil
	}

	def := p.registry.Resolve(wf.WorkflowKey, input.TenantID)
	if def == nil {
		detail := "workflow not found"
		if uerr := p.gateway.UpdateNotificationStatus(ctx, input.NotificationID, input.TenantID, store.StatusFailed, &detail, nil); uerr != nil {
			p.log.Error("failed to persist FAILED status for unresolved definition",
				zap.String("tenant", input.TenantID), zap.Uint64("notification_id", input.NotificationID), zap.Error(uerr))
		}
		return resolveResult{Found: false}, nil
	}

	return resolveResult{Found: true, WorkflowKey: wf.WorkflowKey}, nil
}

// renderActivity resolves the Definition (the registry is an in-process
// shared value, not data passed across activities) and runs its per-channel
// template rendering (spec §4.6 step 3, first half). Kept as its own
// activity, under renderRetryPolicy rather than defaultRetryPolicy, because
// spec §7 classifies a rendering error as terminal by default — bundling it
// into the same activity as delivery would retry a "template not found" the
// same 5 times a transient delivery error gets.
func (p *Pipeline) renderActivity(ctx context.Context, in any) (any, error) {
	input := in.(renderInput)

	req, err := p.gateway.GetNotification(ctx, input.NotificationID, input.TenantID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("notification %d disappeared before render", input.NotificationID)
	}

	def := p.registry.Resolve(input.WorkflowKey, input.TenantID)
	if def == nil {
		return renderResult{}, nil
	}
	if err := def.Execute(ctx, req.Payload); err != nil {
		return nil, fmt.Errorf("render: %w", err)
	}
	return renderResult{}, nil
}

// dispatchActivity invokes the delivery SDK with the resolved workflow key
// and the request's recipients/payload/overrides (spec §4.6 step 3, second
// half). This is the retry unit: a transient delivery failure is retried by
// the engine under defaultRetryPolicy.
func (p *Pipeline) dispatchActivity(ctx context.Context, in any) (any, error) {
	input := in.(dispatchInput)

	req, err := p.gateway.GetNotification(ctx, input.NotificationID, input.TenantID)
	if err != nil {
		return nil, err
	}
	if req == nil {
		return nil, fmt.Errorf("notification %d disappeared before dispatch", input.NotificationID)
	}

	resp, err := p.delivery.Trigger(ctx, delivery.TriggerRequest{
		WorkflowKey: input.WorkflowKey,
		To:          req.Recipients,
		Payload:     req.Payload,
		Overrides:   req.Overrides,
	})
	if err != nil {
		return nil, fmt.Errorf("delivery SDK trigger: %w", err)
	}
	return dispatchResult{TransactionID: resp.TransactionID}, nil
}

// finalizeActivity writes the terminal status (spec §4.6 step 4).
func (p *Pipeline) finalizeActivity(ctx context.Context, in any) (any, error) {
	input := in.(finalizeInput)
	if input.Success {
		if err := p.gateway.UpdateNotificationStatus(ctx, input.NotificationID, input.TenantID, store.StatusSent, nil, input.TransactionID); err != nil {
			return nil, err
		}
		if p.hooks.OnSent != nil {
			p.hooks.OnSent(input.TenantID, time.Since(input.StartedAt))
		}
		return finalizeResult{FinalStatus: store.StatusSent}, nil
	}
	if err := p.gateway.UpdateNotificationStatus(ctx, input.NotificationID, input.TenantID, store.StatusFailed, input.ErrorDetails, nil); err != nil {
		return nil, err
	}
	if p.hooks.OnFailed != nil {
		p.hooks.OnFailed(input.TenantID)
	}
	return finalizeResult{FinalStatus: store.StatusFailed}, nil
}
