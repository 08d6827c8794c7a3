// Package metrics holds the portal's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	LoginAttempts   *prometheus.CounterVec
	CSRFRejections  *prometheus.CounterVec
	Recalculations  prometheus.Counter
	Downloads       *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

// New registers every collector on a private registry, so tests can build
// as many instances as they like.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "landspace_login_attempts_total",
			Help: "Login attempts by principal and outcome",
		}, []string{"principal", "outcome"}),
		CSRFRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "landspace_csrf_rejections_total",
			Help: "Requests rejected by the CSRF guard",
		}, []string{"reason"}),
		Recalculations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "landspace_ledger_recalculations_total",
			Help: "Ledger recomputations committed",
		}),
		Downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "landspace_downloads_total",
			Help: "File download attempts by kind and outcome",
		}, []string{"kind", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "landspace_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.LoginAttempts, m.CSRFRejections, m.Recalculations, m.Downloads, m.RequestDuration,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

func (m *Metrics) CSRFRejected(reason string) { m.CSRFRejections.WithLabelValues(reason).Inc() }

func (m *Metrics) Login(principal, outcome string) {
	m.LoginAttempts.WithLabelValues(principal, outcome).Inc()
}

func (m *Metrics) Download(kind, outcome string) { m.Downloads.WithLabelValues(kind, outcome).Inc() }

// Instrument observes latency per chi route pattern, never the raw path,
// to keep label cardinality bounded.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}
