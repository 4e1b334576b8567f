package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	decisionResults = []string{"allow", "deny", "bypass", "error"}
	cacheOutcomes   = []string{"local_hit", "hit", "miss", "error"}
)

// Metrics collects Prometheus metrics for the HTTP layer and the authorization engine.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	decisionsTotal  *prometheus.CounterVec
	canonCacheTotal *prometheus.CounterVec
	invalidations   *prometheus.CounterVec
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nap_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "nap_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	decisions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nap_authz_decisions_total",
		Help: "Authorization decisions by result.",
	}, []string{"result"})
	canonCache := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nap_authz_canon_cache_total",
		Help: "Permission canon cache lookups by outcome.",
	}, []string{"outcome"})
	invalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nap_authz_invalidations_total",
		Help: "Canon invalidation jobs by status.",
	}, []string{"status"})
	registry.MustRegister(requests, duration, decisions, canonCache, invalidations)
	for _, r := range decisionResults {
		decisions.WithLabelValues(r)
	}
	for _, o := range cacheOutcomes {
		canonCache.WithLabelValues(o)
	}
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		decisionsTotal:  decisions,
		canonCacheTotal: canonCache,
		invalidations:   invalidations,
	}
}

// Handler returns the http.Handler serving /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveDecision counts an enforcement outcome.
func (m *Metrics) ObserveDecision(result string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(result).Inc()
}

// ObserveCanonCache counts a canon cache lookup outcome.
func (m *Metrics) ObserveCanonCache(outcome string) {
	if m == nil {
		return
	}
	m.canonCacheTotal.WithLabelValues(outcome).Inc()
}

// ObserveInvalidation counts a processed invalidation job.
func (m *Metrics) ObserveInvalidation(status string) {
	if m == nil {
		return
	}
	m.invalidations.WithLabelValues(status).Inc()
}

// Registerer exposes the registry for custom metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
