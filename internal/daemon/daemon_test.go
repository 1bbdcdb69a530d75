package daemon_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/config"
	"github.com/notifyhub/orchestrator/internal/daemon"
	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/orchestration"
)

type noopReconciler struct{}

func (noopReconciler) ForceReconcile(context.Context) error { return nil }

type noopSweeper struct{}

func (noopSweeper) SweepScheduledOnce(context.Context, string) error { return nil }

func testConfig() *config.Config {
	return &config.Config{
		EngineTaskQueue: "test-queue",
		HealthPort:      "0",
		ReadTimeout:     time.Second,
		WriteTimeout:    time.Second,
		ShutdownTimeout: 2 * time.Second,
		CronTick:        time.Hour,
		ScheduledTick:   time.Hour,
	}
}

func newStartedDaemon(t *testing.T) (*daemon.Daemon, *prometheus.Registry) {
	t.Helper()
	eng := engine.NewFakeEngine()
	loop := orchestration.New(noopReconciler{}, noopSweeper{}, zap.NewNop())
	if err := loop.Register(eng); err != nil {
		t.Fatalf("register orchestration: %v", err)
	}

	d := daemon.New(testConfig(), eng, nil, zap.NewNop())
	reg := prometheus.NewRegistry()
	d.Metrics(reg)

	if err := d.Start(context.Background(), reg); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := d.Stop(stopCtx); err != nil {
			t.Fatalf("stop: %v", err)
		}
	})
	return d, reg
}

func TestDaemon_Health_ReportsHealthyAfterStart(t *testing.T) {
	d, reg := newStartedDaemon(t)

	srv := httptest.NewServer(d.Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected status=healthy with no C4 configured, got %v", body)
	}
}

func TestDaemon_HealthDetailed_ReportsComponents(t *testing.T) {
	d, reg := newStartedDaemon(t)

	srv := httptest.NewServer(d.Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/health/detailed")
	if err != nil {
		t.Fatalf("get /health/detailed: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Components struct {
			EngineWorkers     bool `json:"engine_workers"`
			OrchestrationLoop bool `json:"orchestration_loop"`
		} `json:"components"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Components.EngineWorkers || !body.Components.OrchestrationLoop {
		t.Fatalf("expected both components up, got %+v", body.Components)
	}
}

func TestDaemon_HealthSubscriptions_DisabledWhenNoTenants(t *testing.T) {
	d, reg := newStartedDaemon(t)

	srv := httptest.NewServer(d.Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/health/subscriptions")
	if err != nil {
		t.Fatalf("get /health/subscriptions: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["state"] != "disabled" {
		t.Fatalf("expected state=disabled, got %v", body)
	}
}

func TestDaemon_Metrics_ExposesUptimeAndHealthyGauges(t *testing.T) {
	d, reg := newStartedDaemon(t)

	srv := httptest.NewServer(d.Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read /metrics: %v", err)
	}
	for _, name := range []string{"uptime_seconds", "healthy"} {
		if !strings.Contains(string(raw), "\n"+name+" ") {
			t.Fatalf("expected gauge %s in /metrics output", name)
		}
	}
}

func TestDaemon_Health_ReportsUnhealthyAfterStop(t *testing.T) {
	eng := engine.NewFakeEngine()
	loop := orchestration.New(noopReconciler{}, noopSweeper{}, zap.NewNop())
	if err := loop.Register(eng); err != nil {
		t.Fatalf("register orchestration: %v", err)
	}

	d := daemon.New(testConfig(), eng, nil, zap.NewNop())
	reg := prometheus.NewRegistry()
	d.Metrics(reg)

	if err := d.Start(context.Background(), reg); err != nil {
		t.Fatalf("start: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := d.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	srv := httptest.NewServer(d.Handler(reg))
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("expected 503 after stop, got %d", resp.StatusCode)
	}
}
