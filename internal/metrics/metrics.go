// Package metrics exposes Prometheus collectors for the ingestion service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sourceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsdesk_source_runs_total",
			Help: "Source acquisition runs, labeled by method and result.",
		},
		[]string{"method", "result"},
	)

	recordsIngestedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsdesk_records_ingested_total",
			Help: "New records persisted, labeled by source.",
		},
		[]string{"source"},
	)

	duplicatesFilteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsdesk_duplicates_filtered_total",
			Help: "Candidates dropped because (url, source) already existed.",
		},
		[]string{"source"},
	)

	cascadeStageTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsdesk_cascade_stage_total",
			Help: "Fetch cascade stage outcomes, labeled by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	cascadeStageDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsdesk_cascade_stage_duration_seconds",
			Help:    "Wall time per fetch cascade stage.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 40},
		},
		[]string{"stage"},
	)

	proxyPoolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "newsdesk_proxy_pool_size",
			Help: "Endpoints loaded by the last proxy refresh.",
		},
	)

	proxyMarkedBadTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsdesk_proxy_marked_bad_total",
			Help: "Proxy endpoints reported as bad.",
		},
	)

	clusterDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsdesk_cluster_decisions_total",
			Help: "Clustering outcomes (created, joined, unclustered, skipped).",
		},
		[]string{"decision"},
	)

	linksCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsdesk_links_created_total",
			Help: "Bidirectional cross-reference links created.",
		},
	)

	enrichmentDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsdesk_enrichment_duration_seconds",
			Help:    "Enrichment gateway call latency, labeled by operation and result.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"operation", "result"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsdesk_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"domain"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SanitizeSite extracts a lowercase hostname, or "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// ObserveSourceRun records the outcome of one source run.
func ObserveSourceRun(method, result string) {
	sourceRunsTotal.WithLabelValues(method, result).Inc()
}

// ObserveIngested adds newly persisted records for a source.
func ObserveIngested(sourceID string, n int) {
	if n > 0 {
		recordsIngestedTotal.WithLabelValues(sourceID).Add(float64(n))
	}
}

// ObserveDuplicates adds filtered duplicate candidates for a source.
func ObserveDuplicates(sourceID string, n int) {
	if n > 0 {
		duplicatesFilteredTotal.WithLabelValues(sourceID).Add(float64(n))
	}
}

// ObserveCascadeStage records a fetch cascade stage outcome.
func ObserveCascadeStage(stage, outcome string, duration time.Duration) {
	cascadeStageTotal.WithLabelValues(stage, outcome).Inc()
	cascadeStageDurationSeconds.WithLabelValues(stage).Observe(duration.Seconds())
}

// SetProxyPoolSize records the size of the active proxy set.
func SetProxyPoolSize(n int) {
	proxyPoolSize.Set(float64(n))
}

// ObserveProxyMarkedBad increments the bad proxy counter.
func ObserveProxyMarkedBad() {
	proxyMarkedBadTotal.Inc()
}

// ObserveClusterDecision records what the clustering engine did with a record.
func ObserveClusterDecision(decision string) {
	clusterDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveLinksCreated adds created cross-reference links.
func ObserveLinksCreated(n int) {
	if n > 0 {
		linksCreatedTotal.Add(float64(n))
	}
}

// ObserveEnrichment records a gateway call.
func ObserveEnrichment(operation, result string, duration time.Duration) {
	enrichmentDurationSeconds.WithLabelValues(operation, result).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
