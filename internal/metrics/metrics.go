// Package metrics exposes Prometheus collectors for webfarm.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchRetriesTotal          *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	batchesCommittedTotal      *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	blockedEventsTotal         *prometheus.CounterVec
	runsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfarm_fetch_attempts_total",
				Help: "Fetch attempts, labeled by domain and outcome class (ok, retryable, fatal).",
			},
			[]string{"domain", "class"},
		)

		fetchRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfarm_fetch_retries_total",
				Help: "Retries scheduled after a retryable attempt, labeled by domain.",
			},
			[]string{"domain"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webfarm_fetch_duration_seconds",
				Help:    "Latency of single fetch attempts.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webfarm_rate_limit_wait_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		batchesCommittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfarm_batches_committed_total",
				Help: "Batches committed to storage, labeled by profile.",
			},
			[]string{"profile"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfarm_items_total",
				Help: "Items persisted, labeled by profile and kind (raw, unique, duplicate, unkeyed).",
			},
			[]string{"profile", "kind"},
		)

		blockedEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfarm_blocked_events_total",
				Help: "Blocked events recorded, labeled by profile and reason.",
			},
			[]string{"profile", "reason"},
		)

		runsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webfarm_runs_total",
				Help: "Finished runs, labeled by profile and status.",
			},
			[]string{"profile", "status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "webfarm_active_workers",
				Help: "Number of farm workers currently running a profile.",
			},
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
	})
}

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

// StatusClass buckets an attempt outcome for the attempts counter.
func StatusClass(status int) string {
	switch {
	case status == 0:
		return "error"
	case status < 400:
		return "ok"
	case status == http.StatusTooManyRequests || status >= 500:
		return "retryable"
	default:
		return "fatal"
	}
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveFetchAttempt records one transport attempt.
func ObserveFetchAttempt(domain, class string, duration time.Duration) {
	Init()
	fetchAttemptsTotal.WithLabelValues(domain, class).Inc()
	fetchDurationSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRetry counts a scheduled retry.
func ObserveRetry(domain string) {
	Init()
	fetchRetriesTotal.WithLabelValues(domain).Inc()
}

// ObserveRateLimitWait records the duration of a rate limit wait.
func ObserveRateLimitWait(domain string, duration time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveBatch records a committed batch and its item counts.
func ObserveBatch(profile string, raw, unique, duplicates int) {
	Init()
	batchesCommittedTotal.WithLabelValues(profile).Inc()
	itemsTotal.WithLabelValues(profile, "raw").Add(float64(raw))
	itemsTotal.WithLabelValues(profile, "unique").Add(float64(unique))
	itemsTotal.WithLabelValues(profile, "duplicate").Add(float64(duplicates))
}

// ObserveUnkeyed counts records skipped for unique storage.
func ObserveUnkeyed(profile string, n int) {
	Init()
	itemsTotal.WithLabelValues(profile, "unkeyed").Add(float64(n))
}

// ObserveBlocked counts a recorded blocked event.
func ObserveBlocked(profile, reason string) {
	Init()
	blockedEventsTotal.WithLabelValues(profile, reason).Inc()
}

// ObserveRun counts a finished run.
func ObserveRun(profile, status string) {
	Init()
	runsTotal.WithLabelValues(profile, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}
