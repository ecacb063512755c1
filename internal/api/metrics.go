package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsNamespace = "offload"
	metricsSubsystem = "http"

	// routeUnmatched labels requests that matched no chi route.
	routeUnmatched = "unmatched"
)

// Results of POST /v1/submissions, used as the "result" label.
const (
	submitAccepted    = "accepted"
	submitInvalid     = "invalid"
	submitUnavailable = "unavailable"
	submitUnconfirmed = "unconfirmed"
	submitError       = "error"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "requests_total",
			Help:      "HTTP requests served, by route and status class.",
		},
		[]string{"method", "route", "class"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds, by route. Event streams are excluded.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"method", "route"},
	)

	submitResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "submission_results_total",
			Help:      "Submission requests, by how the bridge answered them.",
		},
		[]string{"result"},
	)

	eventStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "event_streams",
			Help:      "Open lifecycle event streams.",
		},
	)
)

func init() {
	for _, r := range []string{submitAccepted, submitInvalid, submitUnavailable, submitUnconfirmed, submitError} {
		submitResults.WithLabelValues(r)
	}
}

// metricsMiddleware counts requests by chi route pattern, so per-submission
// paths share one series.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := routeOf(r)
		requestsTotal.WithLabelValues(r.Method, route, statusClass(ww.Status())).Inc()
		if route != eventsRoute {
			requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		}
	})
}

func routeOf(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return routeUnmatched
}

// statusClass maps 404 to "4xx". A handler that never wrote a header sent 200.
func statusClass(status int) string {
	if status == 0 {
		status = http.StatusOK
	}
	return fmt.Sprintf("%dxx", status/100)
}

func metricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})
}
