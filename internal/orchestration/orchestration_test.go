package orchestration_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/orchestration"
)

type countingReconciler struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReconciler) ForceReconcile(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func (r *countingReconciler) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type recordingSweeper struct {
	mu      sync.Mutex
	tenants []string
}

func (s *recordingSweeper) SweepScheduledOnce(_ context.Context, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = append(s.tenants, tenant)
	return nil
}

func (s *recordingSweeper) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tenants))
	copy(out, s.tenants)
	return out
}

func TestOrchestrationLoop_FiresBothCadences(t *testing.T) {
	reconciler := &countingReconciler{}
	sweeper := &recordingSweeper{}
	loop := orchestration.New(reconciler, sweeper, zap.NewNop())

	eng := engine.NewFakeEngine()
	if err := loop.Register(eng); err != nil {
		t.Fatalf("register: %v", err)
	}

	handle, err := eng.StartWorkflow(context.Background(), orchestration.StartRequest("queue", orchestration.Input{
		Tenants:       []string{"tenant-a", "tenant-b"},
		CronTick:      20 * time.Millisecond,
		ScheduledTick: 20 * time.Millisecond,
	}))
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for reconciler.count() == 0 && len(sweeper.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := handle.Signal(context.Background(), orchestration.StopSignal, struct{}{}); err != nil {
		t.Fatalf("signal stop: %v", err)
	}

	var result any
	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := handle.Wait(waitCtx, &result); err != nil {
		t.Fatalf("expected workflow to exit cleanly after stop signal, got: %v", err)
	}

	if reconciler.count() == 0 {
		t.Fatal("expected at least one force_reconcile activity invocation")
	}
	tenants := sweeper.snapshot()
	if len(tenants) == 0 {
		t.Fatal("expected at least one scheduled-sweep activity invocation")
	}
	for _, tenant := range tenants {
		if tenant != "tenant-a" && tenant != "tenant-b" {
			t.Fatalf("unexpected tenant swept: %s", tenant)
		}
	}
}

func TestOrchestrationLoop_StopSignalBeforeFirstTick_ExitsImmediately(t *testing.T) {
	reconciler := &countingReconciler{}
	sweeper := &recordingSweeper{}
	loop := orchestration.New(reconciler, sweeper, zap.NewNop())

	eng := engine.NewFakeEngine()
	if err := loop.Register(eng); err != nil {
		t.Fatalf("register: %v", err)
	}

	handle, err := eng.StartWorkflow(context.Background(), orchestration.StartRequest("queue", orchestration.Input{
		Tenants:       []string{"tenant-a"},
		CronTick:      time.Hour,
		ScheduledTick: time.Hour,
	}))
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}

	if err := handle.Signal(context.Background(), orchestration.StopSignal, struct{}{}); err != nil {
		t.Fatalf("signal stop: %v", err)
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var result any
	if err := handle.Wait(waitCtx, &result); err != nil {
		t.Fatalf("expected workflow to exit promptly on stop signal, got: %v", err)
	}
}
