// Package engine defines narrow workflow-engine abstractions so both a real
// Temporal-backed adapter and an in-memory fake used in tests satisfy the
// same interfaces, per the design note that nothing outside this package
// should import go.temporal.io/sdk directly.
package engine

import (
	"context"
	"time"
)

// Engine is the durable-execution backend the daemon drives. It is
// implemented by the Temporal adapter (temporal.go) and by a deterministic
// in-memory fake (fake.go) used across the daemon's unit tests.
type Engine interface {
	// RegisterWorkflow binds a workflow function to a logical name. Must be
	// called before any StartWorkflow targeting that name.
	RegisterWorkflow(name string, fn WorkflowFunc) error
	// RegisterActivity binds an activity function to a logical name.
	RegisterActivity(name string, fn ActivityFunc) error
	// StartWorkflow launches a workflow execution and returns a handle.
	StartWorkflow(ctx context.Context, req StartRequest) (Handle, error)
	// Schedules returns the schedule controller for cron-backed rules (C7).
	Schedules() ScheduleController
	// StartWorker begins polling the task queue for workflow/activity tasks.
	StartWorker(ctx context.Context) error
	// StopWorker stops polling and drains in-flight tasks.
	StopWorker()
	// Close releases the underlying client connection.
	Close()
}

// WorkflowFunc is a workflow entry point. ctx is the engine's
// (possibly replay-aware) context; input/output are engine-native payloads.
type WorkflowFunc func(ctx Context, input any) (any, error)

// ActivityFunc is an activity entry point. Unlike workflows, activities may
// perform I/O (database access, HTTP calls to the delivery SDK).
type ActivityFunc func(ctx context.Context, input any) (any, error)

// Context exposes the subset of workflow-engine operations the pipeline
// (C6) and orchestration loop (C8) workflows need.
type Context interface {
	Context() context.Context
	ExecuteActivity(req ActivityRequest, result any) error
	Sleep(d time.Duration) error
	Signal(name string) SignalChannel
	Now() time.Time
}

// SignalChannel lets a workflow block on or poll for an external signal,
// e.g. the orchestration loop's stop_orchestration control signal (C8).
type SignalChannel interface {
	Receive(ctx context.Context, dest any) error
	ReceiveAsync(dest any) bool
}

// ActivityRequest names an activity and bounds its retry behavior.
type ActivityRequest struct {
	Name        string
	Input       any
	RetryPolicy RetryPolicy
	Timeout     time.Duration
}

// RetryPolicy mirrors the retry knobs every engine-native retry policy
// exposes. Zero-valued fields mean "use the engine default".
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
	MaxInterval        time.Duration
}

// StartRequest describes a workflow to launch.
type StartRequest struct {
	ID          string
	Workflow    string
	TaskQueue   string
	Input       any
	RetryPolicy RetryPolicy
}

// Handle lets a caller interact with a running (or completed) workflow.
type Handle interface {
	Wait(ctx context.Context, result any) error
	Signal(ctx context.Context, name string, payload any) error
	Cancel(ctx context.Context) error
}

// ScheduleSpec describes a cron-backed schedule materialized by the Rule
// Reconciler (C7): a recurring StartWorkflow call.
type ScheduleSpec struct {
	ID        string
	Cron      string
	Timezone  string
	Workflow  string
	TaskQueue string
	Input     any
	Paused    bool
}

// ScheduleController is the narrow slice of a workflow engine's scheduling
// API the Rule Reconciler needs: create/update/delete/list schedules keyed
// by a deterministic ID, grounded on Temporal's ScheduleClient/ScheduleHandle.
type ScheduleController interface {
	Create(ctx context.Context, spec ScheduleSpec) error
	Update(ctx context.Context, spec ScheduleSpec) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]ScheduleSpec, error)
}
