// Package orchestration implements the Orchestration Loop (C8): a single
// long-lived supervisor workflow started once at daemon boot that fires C7's
// force_reconcile on a cron_tick cadence and C5's scheduled sweep on a
// scheduled_tick cadence, until it receives a stop_orchestration signal.
//
// Grounded on the general "long-running workflow, two ticking loops, one
// stop signal" shape documented in goa-ai's runtime/agent/engine/temporal
// package: a sequential wake-sleep-check loop driven by workflow.Sleep and a
// non-blocking signal poll, since this daemon's narrow engine.Context (unlike
// raw Temporal workflow.Context) exposes no workflow.Go-style concurrent
// coroutines.
package orchestration

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/engine"
)

// WorkflowName is the engine-registered entry point for the supervisor.
const WorkflowName = "OrchestrationLoop"

// StopSignal is the name of the signal that causes the loop to exit
// cleanly, per spec §4.8.
const StopSignal = "stop_orchestration"

// ActivityForceReconcile and ActivityScheduledSweep name the two
// idempotent activities the loop invokes on its cadences.
const (
	ActivityForceReconcile = "OrchestrationForceReconcile"
	ActivityScheduledSweep = "OrchestrationScheduledSweep"
)

// tickInterval bounds how often the loop wakes to check the stop signal and
// cadence deadlines when neither cadence is imminent, so a stop signal sent
// mid-interval is still observed promptly rather than only at the next tick.
const tickInterval = time.Second

// Reconciler is the narrow slice of internal/reconciler.Reconciler the
// loop's cron_tick activity needs.
type Reconciler interface {
	ForceReconcile(ctx context.Context) error
}

// Sweeper is the narrow slice of internal/poller.Poller the loop's
// scheduled_tick activity needs: one pass of the scheduled sweep for a
// single tenant.
type Sweeper interface {
	SweepScheduledOnce(ctx context.Context, tenant string) error
}

// Input is the supervisor workflow's starting argument: the monitored
// tenants and the two cadences. It carries no batch size; each scheduled
// sweep uses the Sweeper's own batch limit.
type Input struct {
	Tenants      []string
	CronTick     time.Duration
	ScheduledTick time.Duration
}

// Loop wires the reconciler and sweeper into the engine-registered workflow
// and activities.
type Loop struct {
	reconciler Reconciler
	sweeper    Sweeper
	log        *zap.Logger
}

func New(reconciler Reconciler, sweeper Sweeper, log *zap.Logger) *Loop {
	return &Loop{reconciler: reconciler, sweeper: sweeper, log: log}
}

// Register binds the workflow and its two activities to the engine. Must be
// called once, before the engine's worker is started.
func (l *Loop) Register(eng engine.Engine) error {
	if err := eng.RegisterWorkflow(WorkflowName, l.workflow); err != nil {
		return fmt.Errorf("register %s workflow: %w", WorkflowName, err)
	}
	if err := eng.RegisterActivity(ActivityForceReconcile, l.forceReconcileActivity); err != nil {
		return fmt.Errorf("register %s activity: %w", ActivityForceReconcile, err)
	}
	if err := eng.RegisterActivity(ActivityScheduledSweep, l.scheduledSweepActivity); err != nil {
		return fmt.Errorf("register %s activity: %w", ActivityScheduledSweep, err)
	}
	return nil
}

// StartRequest builds the engine start request for launching the
// supervisor instance. Each call gets a fresh workflow ID (a fixed prefix
// plus the current time), so every daemon boot starts its own run.
func StartRequest(taskQueue string, in Input) engine.StartRequest {
	return engine.StartRequest{
		ID:        fmt.Sprintf("orchestration-loop-%d", time.Now().UnixNano()),
		Workflow:  WorkflowName,
		TaskQueue: taskQueue,
		Input:     in,
	}
}

func (l *Loop) workflow(ctx engine.Context, input any) (any, error) {
	in, ok := input.(Input)
	if !ok {
		return nil, fmt.Errorf("orchestration: unexpected workflow input type %T", input)
	}
	cronTick := in.CronTick
	if cronTick <= 0 {
		cronTick = time.Minute
	}
	scheduledTick := in.ScheduledTick
	if scheduledTick <= 0 {
		scheduledTick = time.Minute
	}

	stop := ctx.Signal(StopSignal)
	nextCron := ctx.Now().Add(cronTick)
	nextScheduled := ctx.Now().Add(scheduledTick)

	for {
		var sig struct{}
		if stop.ReceiveAsync(&sig) {
			return struct{}{}, nil
		}

		if err := ctx.Sleep(tickInterval); err != nil {
			return nil, err
		}

		now := ctx.Now()
		if !now.Before(nextCron) {
			if err := ctx.ExecuteActivity(engine.ActivityRequest{
				Name:    ActivityForceReconcile,
				Timeout: 2 * time.Minute,
				RetryPolicy: engine.RetryPolicy{
					MaxAttempts:        3,
					InitialInterval:    time.Second,
					BackoffCoefficient: 2,
					MaxInterval:        30 * time.Second,
				},
			}, nil); err != nil {
				return nil, err
			}
			nextCron = now.Add(cronTick)
		}

		if !now.Before(nextScheduled) {
			for _, tenant := range in.Tenants {
				if err := ctx.ExecuteActivity(engine.ActivityRequest{
					Name:    ActivityScheduledSweep,
					Input:   tenant,
					Timeout: 2 * time.Minute,
					RetryPolicy: engine.RetryPolicy{
						MaxAttempts:        3,
						InitialInterval:    time.Second,
						BackoffCoefficient: 2,
						MaxInterval:        30 * time.Second,
					},
				}, nil); err != nil {
					return nil, err
				}
			}
			nextScheduled = now.Add(scheduledTick)
		}
	}
}

func (l *Loop) forceReconcileActivity(ctx context.Context, _ any) (any, error) {
	if err := l.reconciler.ForceReconcile(ctx); err != nil {
		l.log.Warn("orchestration loop: force_reconcile activity failed", zap.Error(err))
		return nil, err
	}
	return struct{}{}, nil
}

func (l *Loop) scheduledSweepActivity(ctx context.Context, in any) (any, error) {
	tenant, _ := in.(string)
	if err := l.sweeper.SweepScheduledOnce(ctx, tenant); err != nil {
		l.log.Warn("orchestration loop: scheduled_tick activity failed", zap.String("tenant", tenant), zap.Error(err))
		return nil, err
	}
	return struct{}{}, nil
}
