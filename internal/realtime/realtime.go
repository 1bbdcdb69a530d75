// Package realtime implements the Realtime Subscription Manager (C4): a
// Postgres LISTEN/NOTIFY consumer that turns row-change notifications into
// pipeline jobs. There is no teacher analogue for a change-feed consumer —
// grounded instead on the teacher's own driver (jackc/pgx/v5, already used
// by internal/store/postgres.go) for the LISTEN/NOTIFY primitive itself, and
// on internal/worker/retry_worker.go's ticker-goroutine-with-ctx-cancel
// shape for the reconnect loop's lifecycle.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notifyhub/orchestrator/internal/engine"
	"github.com/notifyhub/orchestrator/internal/pipeline"
)

// NotifyChannel is the Postgres NOTIFY channel the migrations' trigger
// publishes row changes on and the default Manager.Config.Channel value.
const NotifyChannel = "notifyhub_changes"

// State is the reconnection FSM's explicit typed state, per spec §4.4's
// requirement that the manager expose its connection health for
// /health/subscriptions.
type State string

const (
	StateDisconnected State = "DISCONNECTED"
	StateConnecting   State = "CONNECTING"
	StateListening     State = "LISTENING"
	StateReconnecting  State = "RECONNECTING"
	StateFailed        State = "FAILED"
)

// Notification is one raw LISTEN/NOTIFY payload delivered by the driver.
type Notification struct {
	Channel string
	Payload string
}

// Listener is the narrow slice of a dedicated Postgres connection's
// LISTEN/NOTIFY API the manager needs. PGListener implements it with
// pgx/v5; FakeListener implements it for tests.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*Notification, error)
	Close()
}

// changeEvent is the wire schema the database trigger publishes via
// pg_notify, decoded into a pipeline.Job (spec §4.4's RealtimeJob schema).
type changeEvent struct {
	EventType      string    `json:"event_type"`
	Tenant         string    `json:"tenant"`
	NotificationID uint64    `json:"notification_id"`
	Timestamp      time.Time `json:"timestamp"`
	EventID        string    `json:"event_id"`
}

// Callback receives every decoded job before it is dispatched to the
// pipeline; returning an error does not stop dispatch, it is only logged
// (spec §4.4's optional user callback is best-effort).
type Callback func(job pipeline.Job) error

// Manager owns the reconnect loop, the FSM, and the dial-out to the
// pipeline for each decoded row change.
type Manager struct {
	newListener func() Listener
	channel     string
	tenants     map[string]bool // nil/empty = shared mode, accept every tenant
	eng         engine.Engine
	starter     Starter
	taskQueue   string
	callback    Callback
	log         *zap.Logger

	reconnectDelay time.Duration
	maxRetries     int

	mu    sync.RWMutex
	state State

	stop chan struct{}
	done chan struct{}
}

// Starter is the narrow slice of pipeline.Pipeline the manager needs to
// dispatch a decoded job; exported so tests can substitute a recording fake.
type Starter interface {
	StartForJob(ctx context.Context, eng engine.Engine, taskQueue string, job pipeline.Job) error
}

// Config bundles Manager's construction knobs.
type Config struct {
	Channel        string
	Tenants        []string // empty = shared mode
	TaskQueue      string
	ReconnectDelay time.Duration
	MaxRetries     int
	Callback       Callback
}

func New(newListener func() Listener, eng engine.Engine, pipelineStarter Starter, cfg Config, log *zap.Logger) *Manager {
	tenants := make(map[string]bool, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenants[t] = true
	}
	return &Manager{
		newListener:    newListener,
		channel:        cfg.Channel,
		tenants:        tenants,
		eng:            eng,
		starter:        pipelineStarter,
		taskQueue:      cfg.TaskQueue,
		callback:       cfg.Callback,
		log:            log,
		reconnectDelay: cfg.ReconnectDelay,
		maxRetries:     cfg.MaxRetries,
		state:          StateDisconnected,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Start runs the connect/listen/reconnect loop until ctx is cancelled or
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Manager) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			m.setState(StateDisconnected)
			return
		case <-m.stop:
			m.setState(StateDisconnected)
			return
		default:
		}

		m.setState(StateConnecting)
		listener := m.newListener()
		if err := listener.Listen(ctx, m.channel); err != nil {
			attempt++
			m.log.Error("realtime listen failed", zap.Error(err), zap.Int("attempt", attempt))
			if m.maxRetries > 0 && attempt >= m.maxRetries {
				m.setState(StateFailed)
				return
			}
			m.setState(StateReconnecting)
			if !m.sleep(ctx, m.backoffDelay(attempt)) {
				return
			}
			continue
		}

		attempt = 0
		m.setState(StateListening)
		m.log.Info("realtime subscription listening", zap.String("channel", m.channel))
		err := m.consume(ctx, listener)
		listener.Close()
		if err == nil {
			// consume only returns nil on deliberate stop.
			m.setState(StateDisconnected)
			return
		}

		attempt++
		m.log.Warn("realtime connection lost, reconnecting", zap.Error(err), zap.Int("attempt", attempt))
		m.setState(StateReconnecting)
		if !m.sleep(ctx, m.backoffDelay(attempt)) {
			return
		}
	}
}

// backoffDelay implements spec §4.4's reconnect formula: on Error, sleep
// min(base·2^(retry-1), 30s) before reconnecting. Doubles m.reconnectDelay
// one step at a time rather than computing 2^(attempt-1) directly, so an
// unbounded attempt count (MaxRetries == 0) never overflows time.Duration.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	const cap = 30 * time.Second
	if attempt < 1 {
		attempt = 1
	}
	delay := m.reconnectDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		delay = cap
	}
	return delay
}

// consume reads notifications until the connection errors or a stop signal
// arrives. Returns nil only on deliberate shutdown.
func (m *Manager) consume(ctx context.Context, listener Listener) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.stop:
			return nil
		default:
		}

		n, err := listener.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		m.handle(ctx, n)
	}
}

func (m *Manager) handle(ctx context.Context, n *Notification) {
	var evt changeEvent
	if err := json.Unmarshal([]byte(n.Payload), &evt); err != nil {
		m.log.Error("could not decode change event", zap.Error(err), zap.String("payload", n.Payload))
		return
	}

	if len(m.tenants) > 0 && !m.tenants[evt.Tenant] {
		return // tenant list configured: drop events for tenants this manager does not monitor.
	}

	job := pipeline.Job{
		EventType:      pipeline.EventType(evt.EventType),
		TenantID:       evt.Tenant,
		NotificationID: evt.NotificationID,
		Timestamp:      evt.Timestamp,
		EventID:        evt.EventID,
	}

	if m.callback != nil {
		if err := m.callback(job); err != nil {
			m.log.Warn("realtime callback returned an error", zap.Error(err))
		}
	}

	if job.EventType == pipeline.EventDelete {
		return // retractions have no further pipeline work.
	}

	if err := m.starter.StartForJob(ctx, m.eng, m.taskQueue, job); err != nil {
		m.log.Warn("could not start workflow for realtime job",
			zap.String("tenant", job.TenantID), zap.Uint64("notification_id", job.NotificationID), zap.Error(err))
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.stop:
		return false
	case <-timer.C:
		return true
	}
}
