// Package metrics holds the prometheus instruments for the API server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo is set once at startup with version labels.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "insight_build_info",
		Help: "Build information for the running binary",
	}, []string{"version", "commit", "date"})

	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_http_requests_total",
		Help: "HTTP requests by route, method and status",
	}, []string{"route", "method", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insight_http_request_duration_seconds",
		Help:    "HTTP request duration by route and method",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	anthropicRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_anthropic_requests_total",
		Help: "Anthropic API requests by operation and outcome",
	}, []string{"operation", "outcome"})

	anthropicRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "insight_anthropic_request_duration_seconds",
		Help:    "Anthropic API request duration by operation",
		Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"operation"})

	anthropicTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_anthropic_tokens_total",
		Help: "Anthropic token usage by direction",
	}, []string{"direction"})

	clickhouseQueriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_clickhouse_queries_total",
		Help: "ClickHouse queries by outcome",
	}, []string{"outcome"})

	clickhouseQueryDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "insight_clickhouse_query_duration_seconds",
		Help:    "ClickHouse query duration",
		Buckets: prometheus.DefBuckets,
	})

	interventionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "insight_interventions_total",
		Help: "Intervention lifecycle events",
	}, []string{"event"})

	// ActiveWorkflows tracks unified runs currently executing in this process.
	ActiveWorkflows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "insight_active_workflows",
		Help: "Unified workflow runs currently executing in this process",
	})
)

// Middleware records request counts and durations keyed by the chi route
// pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.status)).Inc()
		httpRequestDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
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

// Flush passes through so SSE handlers keep working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecordAnthropicRequest records one Anthropic API call.
func RecordAnthropicRequest(operation string, duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	anthropicRequestsTotal.WithLabelValues(operation, outcome).Inc()
	anthropicRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordAnthropicTokens records token usage for one Anthropic API call.
func RecordAnthropicTokens(input, output int64) {
	anthropicTokensTotal.WithLabelValues("input").Add(float64(input))
	anthropicTokensTotal.WithLabelValues("output").Add(float64(output))
}

// RecordClickHouseQuery records one warehouse query.
func RecordClickHouseQuery(duration time.Duration, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	clickhouseQueriesTotal.WithLabelValues(outcome).Inc()
	clickhouseQueryDuration.Observe(duration.Seconds())
}

// RecordIntervention records an intervention lifecycle event
// (created, responded, timed_out, cancelled).
func RecordIntervention(event string) {
	interventionsTotal.WithLabelValues(event).Inc()
}
