package daemon

import (
	"net/http"
	"runtime"
	"time"

	"github.com/notifyhub/orchestrator/internal/realtime"
)

// Status is the coarse health classification spec §4.9 requires at
// GET /health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// SubscriptionCounts summarizes the Realtime Subscription Manager's state
// for GET /health/subscriptions and the subscriptions_* metric gauges.
// The daemon maintains exactly one logical subscription (spec §4.4), so
// Total is always 0 or 1; the breakdown still uses plural field names to
// match the /metrics contract verbatim.
type SubscriptionCounts struct {
	Total        int
	Active       int
	Failed       int
	Reconnecting int
}

// Snapshot is the daemon's health state at one instant.
type Snapshot struct {
	Status        Status
	Uptime        time.Duration
	Timestamp     time.Time
	WorkersUp     bool
	Orchestration bool
	Subscriptions SubscriptionCounts
}

// snapshot computes the current Status by combining the three component
// flags the daemon tracks, per spec §4.9's aggregation rule: healthy iff
// workers up AND orchestration running AND (no subscription configured, or
// subscribed with 0 failures); degraded iff running but the subscription is
// not listening (connecting, reconnecting or failed); unhealthy otherwise.
func (d *Daemon) snapshot() Snapshot {
	d.mu.RLock()
	workersUp := d.workersUp
	orchestrationUp := d.orchestrationUp
	startedAt := d.startedAt
	d.mu.RUnlock()

	counts := SubscriptionCounts{}
	if d.realtimeManager != nil {
		counts.Total = 1
		switch d.realtimeManager.State() {
		case realtime.StateListening:
			counts.Active = 1
		case realtime.StateFailed:
			counts.Failed = 1
		case realtime.StateReconnecting:
			counts.Reconnecting = 1
		}
	}

	status := StatusUnhealthy
	switch {
	case workersUp && orchestrationUp && (counts.Total == 0 || counts.Active == 1):
		status = StatusHealthy
	case workersUp && orchestrationUp:
		status = StatusDegraded
	}

	return Snapshot{
		Status:        status,
		Uptime:        time.Since(startedAt),
		Timestamp:     time.Now().UTC(),
		WorkersUp:     workersUp,
		Orchestration: orchestrationUp,
		Subscriptions: counts,
	}
}

func statusHTTPCode(s Status) int {
	if s == StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

// handleHealth serves GET /health.
func (d *Daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshot()
	respondJSON(w, statusHTTPCode(snap.Status), map[string]any{
		"status":    snap.Status,
		"uptime":    snap.Uptime.Seconds(),
		"timestamp": snap.Timestamp,
	})
}

// handleHealthDetailed serves GET /health/detailed: per-component state
// plus process stats, per spec §4.9.
func (d *Daemon) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshot()
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	respondJSON(w, statusHTTPCode(snap.Status), map[string]any{
		"status":    snap.Status,
		"uptime":    snap.Uptime.Seconds(),
		"timestamp": snap.Timestamp,
		"components": map[string]any{
			"engine_workers":     snap.WorkersUp,
			"orchestration_loop": snap.Orchestration,
			"subscriptions":      snap.Subscriptions,
		},
		"process": map[string]any{
			"goroutines":  runtime.NumGoroutine(),
			"alloc_bytes": mem.Alloc,
			"num_gc":      mem.NumGC,
		},
	})
}

// handleHealthSubscriptions serves GET /health/subscriptions: C4 status
// only, per spec §4.9.
func (d *Daemon) handleHealthSubscriptions(w http.ResponseWriter, r *http.Request) {
	snap := d.snapshot()
	state := "disabled"
	if d.realtimeManager != nil {
		state = string(d.realtimeManager.State())
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"state":  state,
		"counts": snap.Subscriptions,
	})
}
