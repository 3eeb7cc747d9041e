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

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_decisions_total",
			Help: "Access decisions by contributing mechanism and effect.",
		},
		[]string{"mechanism", "effect"},
	)

	sweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_sweeps_total",
			Help: "Background sweep runs by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	sweptRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "authz_swept_rows_total",
			Help: "Rows transitioned by background sweeps.",
		},
		[]string{"kind"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight,
		httpRequestsTotal,
		httpRequestDuration,
		decisionsTotal,
		sweepsTotal,
		sweptRows,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// CountDecision records one access decision.
func CountDecision(mechanism, effect string) {
	decisionsTotal.WithLabelValues(mechanism, effect).Inc()
}

// CountSweep records one background sweep run and how many rows it touched.
func CountSweep(kind, outcome string, rows int) {
	sweepsTotal.WithLabelValues(kind, outcome).Inc()
	if rows > 0 {
		sweptRows.WithLabelValues(kind).Add(float64(rows))
	}
}

// CanonicalPath collapses resource identifiers so metric label cardinality
// stays bounded.
func CanonicalPath(path string) string {
	if path == "" {
		return "/"
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	// /v1/<collection>/<id>[/<verb>] -> /v1/<collection>/:id[/<verb>]
	if len(parts) >= 3 && parts[0] == "v1" {
		switch parts[1] {
		case "permissions", "roles", "users", "policies", "emergency-access", "sessions", "devices":
			if !isStaticSegment(parts[2]) {
				parts[2] = ":id"
				if len(parts) > 4 {
					return path
				}
				return "/" + strings.Join(parts, "/")
			}
		}
	}
	return path
}

func isStaticSegment(s string) bool {
	switch s {
	case "evaluate", "evaluate-all", "check", "bulk", "matrix", "unused",
		"conflicts", "auto-revoke", "terminate-all", "register":
		return true
	}
	return false
}

// Instrument wraps a handler with RPS/latency/in-flight measurements.
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

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
