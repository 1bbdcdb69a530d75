package daemon

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/notifyhub/orchestrator/internal/pipeline"
)

// Metrics groups every Prometheus instrument the daemon exposes at
// GET /metrics, grounded on the teacher's metrics.New(reg) (registration
// against a caller-supplied prometheus.Registerer rather than the global
// default, so tests stay isolated).
type Metrics struct {
	notificationsSent   *prometheus.CounterVec
	notificationsFailed *prometheus.CounterVec
	notificationLatency *prometheus.HistogramVec
}

// NewMetrics registers all instruments with reg, including the gauges whose
// values are read live from status at scrape time (uptime, healthy,
// subscriptions_*), per spec §4.9's /metrics contract.
func NewMetrics(reg prometheus.Registerer, startedAt time.Time, status func() Snapshot) *Metrics {
	m := &Metrics{
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_sent_total",
			Help: "Total number of successfully delivered notifications.",
		}, []string{"tenant"}),

		notificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Total number of permanently failed notifications (retries exhausted).",
		}, []string{"tenant"}),

		notificationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notification_processing_seconds",
			Help:    "End-to-end processing latency from claim to delivery SDK ack.",
			Buckets: prometheus.DefBuckets,
		}, []string{"tenant"}),
	}

	uptime := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "uptime_seconds",
		Help: "Seconds since the daemon's metrics were registered.",
	}, func() float64 { return time.Since(startedAt).Seconds() })

	healthy := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "healthy",
		Help: "1 if the daemon is fully healthy, 0 otherwise (degraded or unhealthy).",
	}, func() float64 {
		if status().Status == StatusHealthy {
			return 1
		}
		return 0
	})

	subsTotal := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "subscriptions_total",
		Help: "Number of realtime subscriptions configured.",
	}, func() float64 { return float64(status().Subscriptions.Total) })

	subsActive := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "subscriptions_active",
		Help: "Number of realtime subscriptions currently listening.",
	}, func() float64 { return float64(status().Subscriptions.Active) })

	subsFailed := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "subscriptions_failed",
		Help: "Number of realtime subscriptions that exhausted max_retries.",
	}, func() float64 { return float64(status().Subscriptions.Failed) })

	subsReconnecting := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "subscriptions_reconnecting",
		Help: "Number of realtime subscriptions currently reconnecting.",
	}, func() float64 { return float64(status().Subscriptions.Reconnecting) })

	reg.MustRegister(
		m.notificationsSent,
		m.notificationsFailed,
		m.notificationLatency,
		uptime,
		healthy,
		subsTotal,
		subsActive,
		subsFailed,
		subsReconnecting,
	)

	return m
}

// PipelineHooks adapts Metrics to pipeline.MetricHooks, centralizing the
// Prometheus observation calls the same way the teacher's
// Metrics.WorkerHooks keeps worker.go import-free of prometheus.
func (m *Metrics) PipelineHooks() pipeline.MetricHooks {
	return pipeline.MetricHooks{
		OnSent: func(tenant string, latency time.Duration) {
			m.notificationsSent.WithLabelValues(tenant).Inc()
			m.notificationLatency.WithLabelValues(tenant).Observe(latency.Seconds())
		},
		OnFailed: func(tenant string) {
			m.notificationsFailed.WithLabelValues(tenant).Inc()
		},
	}
}
