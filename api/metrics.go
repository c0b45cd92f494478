/*
metrics.go - Prometheus instrumentation

PURPOSE:
  Operational counters and latency histograms for the HTTP surface and
  the background scheduler. Exposed on /metrics.
*/
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashwire",
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route pattern and status.",
	}, []string{"method", "route", "status"})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cashwire",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cashwire",
		Name:      "errors_total",
		Help:      "Domain errors surfaced to clients, by code.",
	}, []string{"code"})

	sweepExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashwire",
		Name:      "requests_expired_total",
		Help:      "Money requests transitioned to EXPIRED by the sweep.",
	})

	retentionDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cashwire",
		Name:      "audit_entries_purged_total",
		Help:      "Audit entries removed by the retention job.",
	})
)

// metricsMiddleware records request counts and latency per route.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := routePattern(r)
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(sw.status)).Inc()
		httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// routePattern resolves the chi route pattern after routing, so the
// cardinality of the metrics stays bounded by route, not by URL.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
