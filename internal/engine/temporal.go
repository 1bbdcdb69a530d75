package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"
)

// TemporalEngine implements Engine on top of the real Temporal Go SDK. It
// owns one client and one worker per task queue, grounded on the teacher's
// internal/worker.Pool lifecycle (Start/Stop, one goroutine group, a single
// shutdown path) generalized to Temporal's worker.Worker.
type TemporalEngine struct {
	client    client.Client
	taskQueue string

	mu     sync.Mutex
	worker worker.Worker
	names  map[string]bool

	sched ScheduleController
}

// TemporalOptions configures the adapter's connection to the Temporal
// frontend service.
type TemporalOptions struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// NewTemporalEngine dials (lazily — no network round trip here, matching
// the teacher's pgxpool.New semantics) a Temporal client and prepares a
// worker for TaskQueue.
func NewTemporalEngine(opts TemporalOptions) (*TemporalEngine, error) {
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}
	c, err := client.NewLazyClient(client.Options{
		HostPort:  opts.HostPort,
		Namespace: opts.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal engine: dial: %w", err)
	}
	e := &TemporalEngine{
		client:    c,
		taskQueue: opts.TaskQueue,
		worker:    worker.New(c, opts.TaskQueue, worker.Options{}),
		names:     make(map[string]bool),
	}
	e.sched = &temporalSchedules{client: c, taskQueue: opts.TaskQueue}
	return e, nil
}

func (e *TemporalEngine) RegisterWorkflow(name string, fn WorkflowFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.names[name] {
		return fmt.Errorf("temporal engine: workflow %q already registered", name)
	}
	e.names[name] = true
	e.worker.RegisterWorkflowWithOptions(
		func(tctx workflow.Context, input any) (any, error) {
			return fn(newTemporalContext(tctx), input)
		},
		workflow.RegisterOptions{Name: name},
	)
	return nil
}

func (e *TemporalEngine) RegisterActivity(name string, fn ActivityFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.worker.RegisterActivityWithOptions(
		func(ctx context.Context, input any) (any, error) { return fn(ctx, input) },
		activity.RegisterOptions{Name: name},
	)
	return nil
}

func (e *TemporalEngine) StartWorkflow(ctx context.Context, req StartRequest) (Handle, error) {
	queue := req.TaskQueue
	if queue == "" {
		queue = e.taskQueue
	}
	opts := client.StartWorkflowOptions{
		ID:        req.ID,
		TaskQueue: queue,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		opts.RetryPolicy = rp
	}
	run, err := e.client.ExecuteWorkflow(ctx, opts, req.Workflow, req.Input)
	if err != nil {
		return nil, fmt.Errorf("temporal engine: start workflow %q: %w", req.Workflow, err)
	}
	return &temporalHandle{client: e.client, run: run}, nil
}

func (e *TemporalEngine) Schedules() ScheduleController { return e.sched }

func (e *TemporalEngine) StartWorker(_ context.Context) error {
	go func() {
		_ = e.worker.Run(worker.InterruptCh())
	}()
	return nil
}

func (e *TemporalEngine) StopWorker() { e.worker.Stop() }

func (e *TemporalEngine) Close() { e.client.Close() }

func convertRetryPolicy(rp RetryPolicy) *temporal.RetryPolicy {
	if rp.MaxAttempts == 0 && rp.InitialInterval == 0 && rp.BackoffCoefficient == 0 {
		return nil
	}
	coeff := rp.BackoffCoefficient
	if coeff < 1 {
		coeff = 2
	}
	interval := rp.InitialInterval
	if interval == 0 {
		interval = time.Second
	}
	return &temporal.RetryPolicy{
		InitialInterval:    interval,
		BackoffCoefficient: coeff,
		MaximumInterval:    rp.MaxInterval,
		MaximumAttempts:    int32(rp.MaxAttempts),
	}
}

// ---- activity/workflow context adapters ----

type temporalContext struct {
	tctx workflow.Context
}

func newTemporalContext(tctx workflow.Context) *temporalContext {
	return &temporalContext{tctx: tctx}
}

// Context returns context.Background(): workflow.Context is not a
// context.Context (Temporal workflows must not perform ad-hoc I/O through
// it), so callers needing cancellation use ExecuteActivity/Sleep instead.
func (c *temporalContext) Context() context.Context { return context.Background() }

func (c *temporalContext) ExecuteActivity(req ActivityRequest, result any) error {
	ao := workflow.ActivityOptions{
		StartToCloseTimeout: req.Timeout,
	}
	if rp := convertRetryPolicy(req.RetryPolicy); rp != nil {
		ao.RetryPolicy = rp
	}
	if ao.StartToCloseTimeout == 0 {
		ao.StartToCloseTimeout = 30 * time.Second
	}
	actx := workflow.WithActivityOptions(c.tctx, ao)
	return workflow.ExecuteActivity(actx, req.Name, req.Input).Get(actx, result)
}

func (c *temporalContext) Sleep(d time.Duration) error {
	return workflow.Sleep(c.tctx, d)
}

func (c *temporalContext) Signal(name string) SignalChannel {
	return &temporalSignalChannel{tctx: c.tctx, ch: workflow.GetSignalChannel(c.tctx, name)}
}

func (c *temporalContext) Now() time.Time { return workflow.Now(c.tctx) }

type temporalSignalChannel struct {
	tctx workflow.Context
	ch   workflow.ReceiveChannel
}

func (s *temporalSignalChannel) Receive(_ context.Context, dest any) error {
	s.ch.Receive(s.tctx, dest)
	return nil
}

func (s *temporalSignalChannel) ReceiveAsync(dest any) bool {
	return s.ch.ReceiveAsync(dest)
}

type temporalHandle struct {
	client client.Client
	run    client.WorkflowRun
}

func (h *temporalHandle) Wait(ctx context.Context, result any) error {
	return h.run.Get(ctx, result)
}

func (h *temporalHandle) Signal(ctx context.Context, name string, payload any) error {
	return h.client.SignalWorkflow(ctx, h.run.GetID(), h.run.GetRunID(), name, payload)
}

func (h *temporalHandle) Cancel(ctx context.Context) error {
	return h.client.CancelWorkflow(ctx, h.run.GetID(), h.run.GetRunID())
}

// ---- schedules (C7 Rule Reconciler) ----

type temporalSchedules struct {
	client    client.Client
	taskQueue string
}

func (s *temporalSchedules) Create(ctx context.Context, spec ScheduleSpec) error {
	queue := spec.TaskQueue
	if queue == "" {
		queue = s.taskQueue
	}
	_, err := s.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
		ID: spec.ID,
		Spec: client.ScheduleSpec{
			CronExpressions: []string{spec.Cron},
			TimeZoneName:    spec.Timezone,
		},
		Action: &client.ScheduleWorkflowAction{
			ID:        spec.ID + "-run",
			Workflow:  spec.Workflow,
			TaskQueue: queue,
			Args:      []any{spec.Input},
		},
		Paused: spec.Paused,
	})
	if err != nil {
		return fmt.Errorf("temporal schedules: create %q: %w", spec.ID, err)
	}
	return nil
}

func (s *temporalSchedules) Update(ctx context.Context, spec ScheduleSpec) error {
	h := s.client.ScheduleClient().GetHandle(ctx, spec.ID)
	queue := spec.TaskQueue
	if queue == "" {
		queue = s.taskQueue
	}
	err := h.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			desc := in.Description
			desc.Schedule.Spec = &client.ScheduleSpec{
				CronExpressions: []string{spec.Cron},
				TimeZoneName:    spec.Timezone,
			}
			desc.Schedule.Action = &client.ScheduleWorkflowAction{
				ID:        spec.ID + "-run",
				Workflow:  spec.Workflow,
				TaskQueue: queue,
				Args:      []any{spec.Input},
			}
			return &client.ScheduleUpdate{Schedule: &desc.Schedule}, nil
		},
	})
	if err != nil {
		return fmt.Errorf("temporal schedules: update %q: %w", spec.ID, err)
	}
	return nil
}

func (s *temporalSchedules) Delete(ctx context.Context, id string) error {
	h := s.client.ScheduleClient().GetHandle(ctx, id)
	if err := h.Delete(ctx); err != nil {
		return fmt.Errorf("temporal schedules: delete %q: %w", id, err)
	}
	return nil
}

func (s *temporalSchedules) List(ctx context.Context) ([]ScheduleSpec, error) {
	iter, err := s.client.ScheduleClient().List(ctx, client.ScheduleListOptions{})
	if err != nil {
		return nil, fmt.Errorf("temporal schedules: list: %w", err)
	}
	var out []ScheduleSpec
	for iter.HasNext() {
		entry, err := iter.Next()
		if err != nil {
			return nil, fmt.Errorf("temporal schedules: list iterate: %w", err)
		}
		spec := ScheduleSpec{ID: entry.ID, Paused: entry.Paused}
		if entry.Spec != nil {
			spec.Timezone = entry.Spec.TimeZoneName
			if len(entry.Spec.CronExpressions) > 0 {
				spec.Cron = entry.Spec.CronExpressions[0]
			}
		}
		out = append(out, spec)
	}
	return out, nil
}
