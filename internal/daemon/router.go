package daemon

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthRequestTimeout bounds every health handler per spec §5's "Health
// HTTP handlers have a per-request timeout of 5s."
const healthRequestTimeout = 5 * time.Second

// Handler returns the daemon's HTTP handler, exported so tests can drive it
// directly (e.g. via httptest.NewServer) without going through Start's own
// listener.
func (d *Daemon) Handler(reg prometheus.Gatherer) http.Handler {
	return d.newRouter(reg)
}

// newRouter wires the chi router for the C9 health/metrics HTTP surface,
// grounded on internal/api/router.go's middleware stack and route-table
// shape, narrowed to the four endpoints spec §4.9 names.
func (d *Daemon) newRouter(reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestSize(1 << 20))
	r.Use(correlationID)
	r.Use(requestLogger(d.log))
	r.Use(chimw.Timeout(healthRequestTimeout))

	r.Get("/health", d.handleHealth)
	r.Get("/health/detailed", d.handleHealthDetailed)
	r.Get("/health/subscriptions", d.handleHealthSubscriptions)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return r
}
