package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	resolutionTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "access_resolutions_total",
			Help: "Permission resolutions, split by cache outcome.",
		},
		[]string{"cache"},
	)

	resolutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "access_resolution_duration_seconds",
			Help:    "Latency of permission resolution including cache hits.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		},
	)

	cacheInvalidations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "access_cache_invalidations_total",
		Help: "Resolution cache invalidation calls.",
	})

	keyValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apikey_validations_total",
			Help: "API key validation attempts by result.",
		},
		[]string{"result"},
	)

	authorizerDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authorizer_decisions_total",
			Help: "Authorizer outcomes (allow, deny, throttled).",
		},
		[]string{"outcome"},
	)

	readyGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "service_ready",
		Help: "1 when the service reports ready, 0 otherwise.",
	})
)

// Init registers all metrics with the default registry. Call once at
// startup.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		resolutionTotal, resolutionDuration, cacheInvalidations,
		keyValidationsTotal, authorizerDecisions, readyGauge,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveResolution records one permission resolution.
func ObserveResolution(cacheHit bool, d time.Duration) {
	outcome := "miss"
	if cacheHit {
		outcome = "hit"
	}
	resolutionTotal.WithLabelValues(outcome).Inc()
	resolutionDuration.Observe(d.Seconds())
}

// RecordCacheInvalidation counts one resolution-cache invalidation.
func RecordCacheInvalidation() {
	cacheInvalidations.Inc()
}

// RecordKeyValidation counts one API key validation attempt.
// Result is one of: valid, invalid, expired, revoked, unavailable.
func RecordKeyValidation(result string) {
	keyValidationsTotal.WithLabelValues(result).Inc()
}

// RecordAuthorizerDecision counts one authorizer outcome.
func RecordAuthorizerDecision(outcome string) {
	authorizerDecisions.WithLabelValues(outcome).Inc()
}

// SetReady publishes readiness for scrapers.
func SetReady(ready bool) {
	if ready {
		readyGauge.Set(1)
		return
	}
	readyGauge.Set(0)
}

// Instrument wraps a handler with RPS/latency/in-flight measurement.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// CanonicalPath collapses resource identifiers so metric labels stay
// low-cardinality.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return path
	}
	switch parts[1] {
	case "groups":
		if len(parts) == 3 {
			return "/v1/groups/:id"
		}
		if len(parts) >= 4 {
			return "/v1/groups/:id/" + strings.Join(canonicalTail(parts[3:]), "/")
		}
	case "users":
		if len(parts) == 3 {
			return "/v1/users/:id"
		}
		if len(parts) >= 4 {
			return "/v1/users/:id/" + strings.Join(canonicalTail(parts[3:]), "/")
		}
	case "applications":
		if len(parts) == 3 {
			return "/v1/applications/:id"
		}
		if len(parts) >= 4 {
			return "/v1/applications/:id/" + strings.Join(parts[3:], "/")
		}
	}
	return path
}

// canonicalTail replaces the trailing resource segment with :id on
// sub-collections (members, roles).
func canonicalTail(parts []string) []string {
	if len(parts) == 2 && (parts[0] == "members" || parts[0] == "roles") {
		return []string{parts[0], ":id"}
	}
	if len(parts) == 3 && parts[0] == "members" {
		return []string{parts[0], ":id", parts[2]}
	}
	return parts
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
