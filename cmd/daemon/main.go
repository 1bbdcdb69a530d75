package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/config"
	"github.com/notifyhub/orchestrator/internal/daemon"
	"github.com/notifyhub/orchestrator/internal/db"
	"github.com/notifyhub/orchestrator/internal/delivery"
	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/orchestration"
	"github.com/notifyhub/orchestrator/internal/pipeline"
	"github.com/notifyhub/orchestrator/internal/poller"
	"github.com/notifyhub/orchestrator/internal/ratelimiter"
	"github.com/notifyhub/orchestrator/internal/realtime"
	"github.com/notifyhub/orchestrator/internal/reconciler"
	"github.com/notifyhub/orchestrator/internal/registry"
	"github.com/notifyhub/orchestrator/internal/render"
	"github.com/notifyhub/orchestrator/internal/store"
	"github.com/notifyhub/orchestrator/internal/workflowfactory"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ---- database ----
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.Migrate(cfg.StoreURL); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}
	logger.Info("database migrations applied")

	gateway := store.NewPostgresGateway(pool)

	// ---- workflow engine ----
	eng, err := engine.NewTemporalEngine(engine.TemporalOptions{
		HostPort:  cfg.EngineAddress,
		Namespace: "default",
		TaskQueue: cfg.EngineTaskQueue,
	})
	if err != nil {
		logger.Fatal("failed to construct workflow engine", zap.Error(err))
	}
	defer eng.Close()

	// ---- external collaborators ----
	deliveryClient := delivery.NewHTTPClient(cfg.DeliverySDKURL, cfg.DeliverySDKSecret, cfg.DeliveryTimeout)
	renderer := render.NewHTTPRenderer(render.NewPoster(cfg.RenderSDKURL, cfg.RenderSDKTimeout))

	// ---- workflow registry (C2/C3) ----
	factory := workflowfactory.New(gateway, renderer, logger)
	factory.SetRateLimiter(ratelimiter.New(cfg.ChannelRateLimitPerSec))
	reg := registry.New(factory, gateway, logger)
	reg.InitializeStatic() // no compiled-in static workflows; every definition is tenant-dynamic.
	for _, tenant := range cfg.TenantIDs {
		if err := reg.LoadTenant(ctx, tenant); err != nil {
			logger.Error("failed to load dynamic workflows for tenant", zap.String("tenant", tenant), zap.Error(err))
		}
	}

	// ---- notification pipeline (C6) ----
	pipe := pipeline.New(gateway, reg, deliveryClient, logger)
	if err := pipe.Register(eng); err != nil {
		logger.Fatal("failed to register pipeline workflow", zap.Error(err))
	}

	// ---- poller (C5) ----
	sweeper := poller.New(gateway, eng, pipe, cfg.EngineTaskQueue,
		cfg.CatchUpInterval, cfg.ScheduledInterval, cfg.ScheduledBatch, logger)

	// ---- rule reconciler (C7) ----
	recon := reconciler.New(gateway, eng, cfg.EngineTaskQueue, cfg.TenantIDs, cfg.ReconcileInterval, logger)
	if err := recon.Register(eng); err != nil {
		logger.Fatal("failed to register rule reconciler workflow", zap.Error(err))
	}

	// ---- orchestration loop (C8) ----
	loop := orchestration.New(recon, sweeper, logger)
	if err := loop.Register(eng); err != nil {
		logger.Fatal("failed to register orchestration loop workflow", zap.Error(err))
	}

	// ---- realtime subscription manager (C4), only if tenants configured ----
	var realtimeManager *realtime.Manager
	if cfg.HasRealtime() {
		realtimeManager = realtime.New(
			realtime.NewPGListenerFactory(cfg.StoreURL), eng, pipe,
			realtime.Config{
				Channel:        realtime.NotifyChannel,
				Tenants:        cfg.TenantIDs,
				TaskQueue:      cfg.EngineTaskQueue,
				ReconnectDelay: cfg.SubscriptionReconnectDelay,
				MaxRetries:     cfg.SubscriptionMaxRetries,
			},
			logger,
		)
	}

	// Background sweeps (C5 catch-up/scheduled ticker, C7 periodic
	// reconciliation) run on their own lifecycle, independent of the
	// daemon's strict-order start sequence (spec §4.9 names only engine
	// workers, the orchestration loop, C4, and the health server).
	bgCtx, cancelBG := context.WithCancel(ctx)
	defer cancelBG()
	sweeper.Start(bgCtx)
	defer sweeper.Stop()
	recon.Start(bgCtx)
	defer recon.Stop()

	// ---- daemon manager + health (C9) ----
	promReg := prometheus.NewRegistry()
	d := daemon.New(cfg, eng, realtimeManager, logger)
	metrics := d.Metrics(promReg)
	pipe.SetMetricHooks(metrics.PipelineHooks())

	if err := d.Run(ctx, promReg); err != nil {
		logger.Error("daemon exited with error", zap.Error(err))
	}
	logger.Info("daemon stopped cleanly")
}
