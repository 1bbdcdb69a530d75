// Package daemon implements the Daemon Manager + Health surface (C9): the
// strict-order start/stop sequence that supervises the engine workers, the
// orchestration loop (C8), and the realtime subscription manager (C4), plus
// the health/metrics HTTP server, grounded on the teacher's cmd/server/main.go
// ordered-start/ordered-shutdown shape.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/config"
	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/orchestration"
	"github.com/notifyhub/orchestrator/internal/realtime"
)

// Daemon owns the process lifecycle: the strict start sequence (engine
// workers -> orchestration loop -> realtime manager -> health server) and
// its reverse stop sequence, per spec §4.9.
type Daemon struct {
	eng             engine.Engine
	realtimeManager *realtime.Manager // nil when tenants is empty (C4 disabled)

	taskQueue          string
	orchestrationInput orchestration.Input

	healthPort      string
	readTimeout     time.Duration
	writeTimeout    time.Duration
	shutdownTimeout time.Duration

	log *zap.Logger

	mu                  sync.RWMutex
	startedAt           time.Time
	workersUp           bool
	orchestrationUp     bool
	orchestrationHandle engine.Handle
	httpServer          *http.Server
}

// New builds a Daemon from runtime config. realtimeManager may be nil; the
// daemon then skips step 3 of the start sequence and reports C4 as disabled
// in health responses.
func New(cfg *config.Config, eng engine.Engine, realtimeManager *realtime.Manager, log *zap.Logger) *Daemon {
	return &Daemon{
		eng:             eng,
		realtimeManager: realtimeManager,
		taskQueue:       cfg.EngineTaskQueue,
		orchestrationInput: orchestration.Input{
			Tenants:       cfg.TenantIDs,
			CronTick:      cfg.CronTick,
			ScheduledTick: cfg.ScheduledTick,
		},
		healthPort:      cfg.HealthPort,
		readTimeout:     cfg.ReadTimeout,
		writeTimeout:    cfg.WriteTimeout,
		shutdownTimeout: cfg.ShutdownTimeout,
		log:             log,
	}
}

// Metrics registers the daemon's Prometheus instruments against reg and
// returns the handle pipeline.Pipeline.SetMetricHooks needs. Call once,
// before Start.
func (d *Daemon) Metrics(reg prometheus.Registerer) *Metrics {
	return NewMetrics(reg, time.Now(), d.snapshot)
}

// Start runs the four-step strict-order start sequence.
func (d *Daemon) Start(ctx context.Context, reg prometheus.Gatherer) error {
	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()

	if err := d.eng.StartWorker(ctx); err != nil {
		return fmt.Errorf("start engine workers: %w", err)
	}
	d.setWorkersUp(true)
	d.log.Info("engine workers started")

	handle, err := d.eng.StartWorkflow(ctx, orchestration.StartRequest(d.taskQueue, d.orchestrationInput))
	if err != nil {
		return fmt.Errorf("start orchestration loop: %w", err)
	}
	d.mu.Lock()
	d.orchestrationHandle = handle
	d.mu.Unlock()
	d.setOrchestrationUp(true)
	d.log.Info("orchestration loop started")

	if d.realtimeManager != nil {
		d.realtimeManager.Start(ctx)
		d.log.Info("realtime subscription manager started")
	}

	d.httpServer = &http.Server{
		Addr:         ":" + d.healthPort,
		Handler:      d.Handler(reg),
		ReadTimeout:  d.readTimeout,
		WriteTimeout: d.writeTimeout,
	}
	go func() {
		d.log.Info("health server starting", zap.String("addr", d.httpServer.Addr))
		if err := d.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.log.Error("health server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop runs the reverse stop sequence under a single total deadline, per
// spec §4.9: health server drain, C4, signal-then-cancel C8, engine workers.
func (d *Daemon) Stop(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, d.shutdownTimeout)
	defer cancel()

	if d.httpServer != nil {
		if err := d.httpServer.Shutdown(ctx); err != nil {
			d.log.Error("health server shutdown error", zap.Error(err))
		}
	}

	if d.realtimeManager != nil {
		d.realtimeManager.Stop()
		d.log.Info("realtime subscription manager stopped")
	}

	d.mu.RLock()
	handle := d.orchestrationHandle
	d.mu.RUnlock()
	if handle != nil {
		if err := handle.Signal(ctx, orchestration.StopSignal, struct{}{}); err != nil {
			d.log.Warn("failed to signal orchestration loop to stop", zap.Error(err))
		}
		waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
		var result any
		if err := handle.Wait(waitCtx, &result); err != nil {
			d.log.Warn("orchestration loop did not stop within 2s, cancelling", zap.Error(err))
			if cerr := handle.Cancel(ctx); cerr != nil {
				d.log.Error("failed to cancel orchestration loop", zap.Error(cerr))
			}
		}
		waitCancel()
	}
	d.setOrchestrationUp(false)

	d.eng.StopWorker()
	d.setWorkersUp(false)
	d.log.Info("daemon stopped")
	return nil
}

// Run starts the daemon, blocks until SIGTERM/SIGINT/SIGUSR2, then runs the
// stop sequence. A second signal during shutdown force-exits immediately,
// per spec §4.9.
func (d *Daemon) Run(ctx context.Context, reg prometheus.Gatherer) error {
	if err := d.Start(ctx, reg); err != nil {
		return err
	}

	quit := make(chan os.Signal, 2)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR2)

	sig := <-quit
	d.log.Info("shutdown signal received", zap.String("signal", sig.String()))

	go func() {
		s := <-quit
		d.log.Warn("second shutdown signal received, forcing exit", zap.String("signal", s.String()))
		os.Exit(1)
	}()

	return d.Stop(ctx)
}

func (d *Daemon) setWorkersUp(v bool) {
	d.mu.Lock()
	d.workersUp = v
	d.mu.Unlock()
}

func (d *Daemon) setOrchestrationUp(v bool) {
	d.mu.Lock()
	d.orchestrationUp = v
	d.mu.Unlock()
}
