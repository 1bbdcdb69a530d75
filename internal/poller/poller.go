// Package poller implements the Outbox/Scheduled Poller (C5): two ticking
// sweeps that start a pipeline workflow for rows the realtime path might
// have missed, grounded on the teacher's RetryWorker/SchedulerWorker pair
// (internal/worker/retry_worker.go, internal/worker/scheduler_worker.go) —
// same ticker-and-poll shape, generalized from queue.Enqueue to starting a
// Temporal-backed workflow.
package poller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/pipeline"
	"github.com/notifyhub/orchestrator/internal/store"
)

// Starter is the narrow slice of pipeline.Pipeline the poller needs,
// declared here so tests can substitute a recording fake.
type Starter interface {
	StartForJob(ctx context.Context, eng engine.Engine, taskQueue string, job pipeline.Job) error
}

// Poller runs the catch-up sweep (ListChangesSince) and the scheduled sweep
// (ListScheduledDue) on independent tickers, per spec §4.5.
type Poller struct {
	gateway   store.Gateway
	eng       engine.Engine
	starter   Starter
	taskQueue string
	log       *zap.Logger

	catchUpInterval  time.Duration
	scheduledInterval time.Duration
	batchLimit       int

	mu     sync.Mutex
	cursor time.Time // in-memory ListChangesSince watermark

	wg   sync.WaitGroup
	stop chan struct{}
}

func New(
	gateway store.Gateway, eng engine.Engine, starter Starter, taskQueue string,
	catchUpInterval, scheduledInterval time.Duration, batchLimit int, log *zap.Logger,
) *Poller {
	return &Poller{
		gateway:           gateway,
		eng:               eng,
		starter:           starter,
		taskQueue:         taskQueue,
		log:               log,
		catchUpInterval:   catchUpInterval,
		scheduledInterval: scheduledInterval,
		batchLimit:        batchLimit,
		cursor:            time.Now().UTC().Add(-24 * time.Hour),
		stop:              make(chan struct{}),
	}
}

// Start launches both sweep goroutines. Cancelling ctx or calling Stop both
// trigger a graceful shutdown, mirroring the teacher's ctx-cancellation idiom.
func (p *Poller) Start(ctx context.Context) {
	p.wg.Add(2)
	go p.runCatchUp(ctx)
	go p.runScheduled(ctx)
}

// Stop signals both sweeps to return and waits for them to finish.
func (p *Poller) Stop() {
	close(p.stop)
	p.wg.Wait()
}

func (p *Poller) runCatchUp(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.catchUpInterval)
	defer ticker.Stop()

	p.log.Info("catch-up poller started", zap.Duration("interval", p.catchUpInterval))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("catch-up poller stopping")
			return
		case <-p.stop:
			p.log.Info("catch-up poller stopping")
			return
		case <-ticker.C:
			p.sweepChanges(ctx)
		}
	}
}

func (p *Poller) runScheduled(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.scheduledInterval)
	defer ticker.Stop()

	p.log.Info("scheduled poller started", zap.Duration("interval", p.scheduledInterval))
	for {
		select {
		case <-ctx.Done():
			p.log.Info("scheduled poller stopping")
			return
		case <-p.stop:
			p.log.Info("scheduled poller stopping")
			return
		case <-ticker.C:
			p.sweepScheduled(ctx, "")
		}
	}
}

// SweepScheduledOnce runs a single scheduled-sweep pass for one tenant
// ("" sweeps every tenant), independent of the poller's own ticker. Used by
// the Orchestration Loop (C8) to drive the same sweep on its own cadence.
func (p *Poller) SweepScheduledOnce(ctx context.Context, tenant string) error {
	return p.sweepScheduled(ctx, tenant)
}

// sweepChanges lists every PENDING/FAILED row updated after the watermark
// across all tenants (tenantFilter="") and advances the watermark to the
// latest row's updated_at — the catch-up net for realtime subscription gaps.
func (p *Poller) sweepChanges(ctx context.Context) {
	p.mu.Lock()
	cursor := p.cursor
	p.mu.Unlock()

	rows, err := p.gateway.ListChangesSince(ctx, cursor, p.batchLimit, "")
	if err != nil {
		p.log.Error("catch-up sweep error", zap.Error(err))
		return
	}

	newest := cursor
	for _, n := range rows {
		if n.UpdatedAt.After(newest) {
			newest = n.UpdatedAt
		}
		p.startJob(ctx, n, pipeline.EventUpdate)
	}

	if len(rows) > 0 {
		p.mu.Lock()
		p.cursor = newest
		p.mu.Unlock()
		p.log.Info("catch-up sweep processed rows", zap.Int("count", len(rows)))
	}
}

// sweepScheduled lists PENDING rows whose scheduled_for is now due,
// restricted to tenant when non-empty.
func (p *Poller) sweepScheduled(ctx context.Context, tenant string) error {
	rows, err := p.gateway.ListScheduledDue(ctx, time.Now().UTC(), p.batchLimit, tenant)
	if err != nil {
		p.log.Error("scheduled sweep error", zap.Error(err))
		return err
	}
	for _, n := range rows {
		p.startJob(ctx, n, pipeline.EventInsert)
	}
	if len(rows) > 0 {
		p.log.Info("scheduled sweep processed rows", zap.Int("count", len(rows)))
	}
	return nil
}

func (p *Poller) startJob(ctx context.Context, n *store.NotificationRequest, eventType pipeline.EventType) {
	job := pipeline.Job{
		EventType:      eventType,
		TenantID:       n.TenantID,
		NotificationID: n.ID,
		Timestamp:      time.Now().UTC(),
	}
	if err := p.starter.StartForJob(ctx, p.eng, p.taskQueue, job); err != nil {
		p.log.Warn("could not start workflow for polled row",
			zap.String("tenant", n.TenantID), zap.Uint64("notification_id", n.ID), zap.Error(err))
	}
}
