// Package metrics exposes Prometheus collectors for crawlq.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcomes recorded for each HTTP attempt.
const (
	OutcomeSuccess      = "success"
	OutcomeStatus       = "status"
	OutcomeRetryStatus  = "retry_status"
	OutcomeRetryNetwork = "retry_network"
	OutcomeTimeout      = "timeout"
	OutcomeError        = "error"
)

var (
	httpAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlq_http_attempts_total",
			Help: "Total outbound HTTP attempts, labeled by host and outcome.",
		},
		[]string{"host", "outcome"},
	)

	httpRetryDelaySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlq_http_retry_delay_seconds",
			Help:    "Histogram of backoff delays applied before a retry.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"host"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlq_rate_limit_delays_seconds",
			Help:    "Histogram of client-side rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"host"},
	)

	queueTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlq_queue_transitions_total",
			Help: "Total embed queue status transitions, labeled by target status.",
		},
		[]string{"status"},
	)

	workerCyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlq_worker_cycles_total",
			Help: "Total background worker cycles executed.",
		},
	)

	workerJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlq_worker_jobs_total",
			Help: "Total embed jobs handled by the worker, labeled by result.",
		},
		[]string{"result"},
	)

	embedDocumentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlq_embed_documents_total",
			Help: "Total documents embedded, labeled by result.",
		},
		[]string{"result"},
	)

	statusFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlq_status_fetch_total",
			Help: "Total remote status lookups, labeled by job kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)

	daemonRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlq_daemon_requests_total",
			Help: "Total daemon HTTP requests, labeled by method, route and status code.",
		},
		[]string{"method", "route", "code"},
	)

	daemonRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawlq_daemon_request_duration_seconds",
			Help:    "Histogram of daemon HTTP request latencies.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPAttempt counts one outbound attempt.
func ObserveHTTPAttempt(rawURL, outcome string) {
	httpAttemptsTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveRetryDelay records the backoff applied before a retry.
func ObserveRetryDelay(rawURL string, delay time.Duration) {
	httpRetryDelaySeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(delay.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveQueueTransition counts a queue status change.
func ObserveQueueTransition(status string) {
	queueTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveWorkerCycle counts a worker cycle.
func ObserveWorkerCycle() {
	workerCyclesTotal.Inc()
}

// ObserveWorkerJob counts a job outcome.
func ObserveWorkerJob(result string) {
	workerJobsTotal.WithLabelValues(result).Inc()
}

// ObserveEmbeddedDocuments adds document tallies from one embed run.
func ObserveEmbeddedDocuments(succeeded, failed int) {
	if succeeded > 0 {
		embedDocumentsTotal.WithLabelValues("succeeded").Add(float64(succeeded))
	}
	if failed > 0 {
		embedDocumentsTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// ObserveStatusFetch counts a status lookup outcome.
func ObserveStatusFetch(kind, outcome string) {
	statusFetchTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveDaemonRequest records one daemon request.
func ObserveDaemonRequest(method, route string, code int, duration time.Duration) {
	daemonRequestsTotal.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	daemonRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
