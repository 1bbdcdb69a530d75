// Package reconciler implements the Rule Reconciler (C7): a stateless
// desired/actual diff between stored NotificationRules and the engine's
// cron schedules, grounded on the compozy schedule-manager's
// ReconcileSchedules (list existing -> build desired -> diff -> execute),
// simplified from its override-cache/metrics machinery since this daemon has
// no API-driven temporary-override concept.
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/store"
)

// cronParser validates a rule's cron expression before it is ever handed to
// the engine's Schedule API — the standard five-field form, the same one
// the engine's own cron scheduling expects.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// WorkflowName is the engine-registered entry point a rule's schedule
// invokes on each cron tick.
const WorkflowName = "FireRule"

// ActivityCreateNotification materializes the rule's payload template into
// a PENDING notification row; downstream delivery is left entirely to the
// normal change-feed/poller path (C4/C5), per the "downstream is oblivious
// to source" principle already used for those two components.
const ActivityCreateNotification = "CreateNotificationFromRule"

// ScheduleID is the deterministic mapping from a rule to its engine-side
// schedule identity (spec §4.7): schedule_id(rule) = "rule-{tenant}-{rule_id}".
func ScheduleID(tenant string, ruleID uint64) string {
	return fmt.Sprintf("rule-%s-%d", tenant, ruleID)
}

// fireInput is the payload carried by a rule's schedule into the FireRule
// workflow; RuleID/TenantID are re-resolved against the gateway at fire
// time rather than trusting the copy baked into the schedule, so a rule
// edited after its schedule was created still fires with current data.
type fireInput struct {
	TenantID string
	RuleID   uint64
}

// Reconciler diffs the rules stored for a set of tenants against the
// engine's schedule set and converges the engine toward the desired state.
type Reconciler struct {
	gateway   store.Gateway
	eng       engine.Engine
	taskQueue string
	tenants   []string
	interval  time.Duration
	log       *zap.Logger

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(gateway store.Gateway, eng engine.Engine, taskQueue string, tenants []string, interval time.Duration, log *zap.Logger) *Reconciler {
	return &Reconciler{
		gateway:   gateway,
		eng:       eng,
		taskQueue: taskQueue,
		tenants:   tenants,
		interval:  interval,
		log:       log,
	}
}

// Register binds the FireRule workflow and its one activity to the engine.
// Must be called once, before the engine's worker is started.
func (r *Reconciler) Register(eng engine.Engine) error {
	if err := eng.RegisterWorkflow(WorkflowName, r.workflow); err != nil {
		return fmt.Errorf("register %s workflow: %w", WorkflowName, err)
	}
	if err := eng.RegisterActivity(ActivityCreateNotification, r.createNotificationActivity); err != nil {
		return fmt.Errorf("register %s activity: %w", ActivityCreateNotification, err)
	}
	return nil
}

func (r *Reconciler) workflow(ctx engine.Context, input any) (any, error) {
	in := input.(fireInput)
	var out struct{}
	err := ctx.ExecuteActivity(engine.ActivityRequest{
		Name:  ActivityCreateNotification,
		Input: in,
		RetryPolicy: engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        10 * time.Second,
		},
		Timeout: 30 * time.Second,
	}, &out)
	return out, err
}

func (r *Reconciler) createNotificationActivity(ctx context.Context, in any) (any, error) {
	input := in.(fireInput)

	rule, err := r.gateway.GetRule(ctx, input.RuleID, input.TenantID)
	if err != nil {
		return nil, fmt.Errorf("load rule: %w", err)
	}
	if rule == nil || rule.Deactivated {
		r.log.Info("rule fired but is gone or deactivated, skipping",
			zap.String("tenant", input.TenantID), zap.Uint64("rule_id", input.RuleID))
		return struct{}{}, nil
	}

	_, err = r.gateway.CreateNotification(ctx, &store.NotificationRequest{
		TenantID:    rule.TenantID,
		WorkflowRef: rule.WorkflowRef,
		Recipients:  rule.Recipients,
		Payload:     rule.PayloadTemplate,
		Status:      store.StatusPending,
	})
	if err != nil {
		return nil, fmt.Errorf("create notification from rule: %w", err)
	}

	if err := r.gateway.UpdateRuleTimestamp(ctx, rule.ID, rule.TenantID); err != nil {
		r.log.Warn("could not refresh rule timestamp after firing",
			zap.String("tenant", rule.TenantID), zap.Uint64("rule_id", rule.ID), zap.Error(err))
	}
	return struct{}{}, nil
}

// IsRunning reports whether the periodic reconciliation loop is active.
func (r *Reconciler) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Start launches the periodic reconciliation loop (spec §4.7: ticks on a
// fixed interval, in addition to being invoked on-demand by ForceReconcile).
func (r *Reconciler) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	r.mu.Unlock()

	go r.loop(ctx)
}

func (r *Reconciler) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info("rule reconciler started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.markStopped()
			return
		case <-r.stop:
			r.markStopped()
			return
		case <-ticker.C:
			if err := r.ForceReconcile(ctx); err != nil {
				r.log.Error("scheduled reconciliation failed", zap.Error(err))
			}
		}
	}
}

func (r *Reconciler) markStopped() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
	r.log.Info("rule reconciler stopping")
}

// Stop halts the periodic loop and waits for it to exit. A no-op if the
// loop was never started.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	<-done
}

// ForceReconcile runs one reconciliation pass immediately, across every
// configured tenant (spec §4.7's force_reconcile operation).
func (r *Reconciler) ForceReconcile(ctx context.Context) error {
	var firstErr error
	for _, tenant := range r.tenants {
		if err := r.reconcileTenant(ctx, tenant); err != nil {
			r.log.Error("tenant reconciliation failed", zap.String("tenant", tenant), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (r *Reconciler) reconcileTenant(ctx context.Context, tenant string) error {
	rules, err := r.gateway.ListRules(ctx, tenant)
	if err != nil {
		return fmt.Errorf("list rules for tenant %s: %w", tenant, err)
	}

	desired := make(map[string]*store.NotificationRule, len(rules))
	for _, rule := range rules {
		if rule.Deactivated {
			continue
		}
		if _, err := cronParser.Parse(rule.Cron); err != nil {
			r.log.Error("rule has an invalid cron expression, skipping",
				zap.String("tenant", tenant), zap.Uint64("rule_id", rule.ID), zap.String("cron", rule.Cron), zap.Error(err))
			continue
		}
		desired[ScheduleID(tenant, rule.ID)] = rule
	}

	existing, err := r.existingSchedulesForTenant(ctx, tenant)
	if err != nil {
		// Resilience: proceed as if nothing exists yet rather than abort
		// the whole reconciliation pass, mirroring the schedule-manager's
		// "proceed with partial reconciliation" behavior.
		r.log.Warn("could not list existing schedules, assuming none exist",
			zap.String("tenant", tenant), zap.Error(err))
		existing = map[string]engine.ScheduleSpec{}
	}

	schedules := r.eng.Schedules()

	for scheduleID, rule := range desired {
		spec := r.specFor(scheduleID, tenant, rule)
		current, ok := existing[scheduleID]
		if !ok {
			if err := schedules.Create(ctx, spec); err != nil {
				r.log.Error("failed to create schedule", zap.String("schedule_id", scheduleID), zap.Error(err))
			}
			continue
		}
		if current.Cron == spec.Cron && current.Timezone == spec.Timezone {
			// (cron, timezone) unchanged since the last sync: no engine
			// mutation, per spec §8's force_reconcile idempotence law.
			continue
		}
		if err := schedules.Update(ctx, spec); err != nil {
			r.log.Error("failed to update schedule", zap.String("schedule_id", scheduleID), zap.Error(err))
		}
	}

	for scheduleID := range existing {
		if _, stillDesired := desired[scheduleID]; stillDesired {
			continue
		}
		if err := schedules.Delete(ctx, scheduleID); err != nil {
			r.log.Error("failed to delete stale schedule", zap.String("schedule_id", scheduleID), zap.Error(err))
		}
	}

	return nil
}

func (r *Reconciler) existingSchedulesForTenant(ctx context.Context, tenant string) (map[string]engine.ScheduleSpec, error) {
	all, err := r.eng.Schedules().List(ctx)
	if err != nil {
		return nil, err
	}
	prefix := fmt.Sprintf("rule-%s-", tenant)
	out := make(map[string]engine.ScheduleSpec)
	for _, spec := range all {
		if len(spec.ID) > len(prefix) && spec.ID[:len(prefix)] == prefix {
			out[spec.ID] = spec
		}
	}
	return out, nil
}

func (r *Reconciler) specFor(scheduleID, tenant string, rule *store.NotificationRule) engine.ScheduleSpec {
	return engine.ScheduleSpec{
		ID:        scheduleID,
		Cron:      rule.Cron,
		Timezone:  rule.Timezone,
		Workflow:  WorkflowName,
		TaskQueue: r.taskQueue,
		Input: fireInput{
			TenantID: tenant,
			RuleID:   rule.ID,
		},
	}
}
