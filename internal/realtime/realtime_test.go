package realtime_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/pipeline"
	"github.com/notifyhub/orchestrator/internal/realtime"
)

type recordingStarter struct {
	mu   sync.Mutex
	jobs []pipeline.Job
}

func (r *recordingStarter) StartForJob(_ context.Context, _ engine.Engine, _ string, job pipeline.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, job)
	return nil
}

func (r *recordingStarter) snapshot() []pipeline.Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pipeline.Job, len(r.jobs))
	copy(out, r.jobs)
	return out
}

func TestManager_DecodesAndDispatchesNotifications(t *testing.T) {
	listener := realtime.NewFakeListener(4)
	listener.Push(&realtime.Notification{Payload: `{"event_type":"INSERT","tenant":"tenant-a","notification_id":42,"timestamp":"2026-01-01T00:00:00Z","event_id":"e1"}`})

	starter := &recordingStarter{}
	m := realtime.New(func() realtime.Listener { return listener }, engine.NewFakeEngine(), starter, realtime.Config{
		Channel:        "notifyhub_changes",
		TaskQueue:      "queue",
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     3,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for len(starter.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	jobs := starter.snapshot()
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one dispatched job, got %d", len(jobs))
	}
	if jobs[0].TenantID != "tenant-a" || jobs[0].NotificationID != 42 {
		t.Fatalf("unexpected job: %+v", jobs[0])
	}
}

func TestManager_MonitoredTenants_FiltersOtherTenants(t *testing.T) {
	listener := realtime.NewFakeListener(4)
	listener.Push(&realtime.Notification{Payload: `{"event_type":"INSERT","tenant":"tenant-b","notification_id":1,"timestamp":"2026-01-01T00:00:00Z","event_id":"e1"}`})
	listener.Push(&realtime.Notification{Payload: `{"event_type":"INSERT","tenant":"tenant-a","notification_id":2,"timestamp":"2026-01-01T00:00:00Z","event_id":"e2"}`})

	starter := &recordingStarter{}
	m := realtime.New(func() realtime.Listener { return listener }, engine.NewFakeEngine(), starter, realtime.Config{
		Channel:        "notifyhub_changes",
		Tenants:        []string{"tenant-a"},
		TaskQueue:      "queue",
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     3,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for len(starter.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	jobs := starter.snapshot()
	if len(jobs) != 1 {
		t.Fatalf("expected exactly one dispatched job (tenant-a only), got %d", len(jobs))
	}
	if jobs[0].TenantID != "tenant-a" {
		t.Fatalf("expected tenant-a, got %s", jobs[0].TenantID)
	}
}

func TestManager_ConnectionLost_TransitionsToReconnecting(t *testing.T) {
	listener := realtime.NewFakeListener(1)
	listener.Break(nil)

	m := realtime.New(func() realtime.Listener { return listener }, engine.NewFakeEngine(), &recordingStarter{}, realtime.Config{
		Channel:        "notifyhub_changes",
		TaskQueue:      "queue",
		ReconnectDelay: 10 * time.Millisecond,
		MaxRetries:     3,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	m.Start(ctx)
	defer cancel()

	deadline := time.Now().Add(500 * time.Millisecond)
	for m.State() != realtime.StateReconnecting && m.State() != realtime.StateFailed && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	m.Stop()

	if m.State() != realtime.StateReconnecting && m.State() != realtime.StateFailed {
		t.Fatalf("expected RECONNECTING or FAILED after a dropped connection, got %s", m.State())
	}
}
