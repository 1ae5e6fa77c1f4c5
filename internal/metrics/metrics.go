// Package metrics exposes Prometheus collectors for the status sync service and
// the in-process runtime sampler that backs the operator metrics surface.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	scrapesTotal               *prometheus.CounterVec
	scrapeDurationSeconds      prometheus.Histogram
	batchItemsTotal            *prometheus.CounterVec
	batchDurationSeconds       prometheus.Histogram
	cacheLookupsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	alertsTotal                *prometheus.CounterVec
	alertDispatchFailuresTotal *prometheus.CounterVec
	healthCheckStatus          *prometheus.GaugeVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	archivedBodiesTotal        prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scrapesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pnr_scrape_total",
				Help: "Total number of status lookups against the external site, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scrapeDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pnr_scrape_duration_seconds",
				Help:    "Histogram of external status lookup latencies.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		)

		batchItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pnr_batch_items_total",
				Help: "Total number of batch items processed, labeled by result.",
			},
			[]string{"result"},
		)

		batchDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "pnr_batch_duration_seconds",
				Help:    "Histogram of whole batch run durations.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pnr_cache_lookups_total",
				Help: "Total number of status cache lookups, labeled by hit or miss.",
			},
			[]string{"result"},
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

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pnr_alerts_total",
				Help: "Total number of alerts raised, labeled by severity.",
			},
			[]string{"severity"},
		)

		alertDispatchFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pnr_alert_dispatch_failures_total",
				Help: "Total number of failed alert deliveries, labeled by channel.",
			},
			[]string{"channel"},
		)

		healthCheckStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "pnr_health_check_status",
				Help: "Latest health probe verdict (0 healthy, 1 degraded, 2 unhealthy), labeled by check.",
			},
			[]string{"check"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pnr_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		archivedBodiesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pnr_archived_bodies_total",
				Help: "Total number of unparseable response bodies archived for inspection.",
			},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveScrape records the outcome and latency of one external lookup.
func ObserveScrape(outcome string, duration time.Duration) {
	Init()
	scrapesTotal.WithLabelValues(outcome).Inc()
	scrapeDurationSeconds.Observe(duration.Seconds())
}

// ObserveBatchItem increments the batch item counter for the given result.
func ObserveBatchItem(result string) {
	Init()
	batchItemsTotal.WithLabelValues(result).Inc()
}

// ObserveBatch records the duration of a whole batch run.
func ObserveBatch(duration time.Duration) {
	Init()
	batchDurationSeconds.Observe(duration.Seconds())
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveAlert increments the alert counter for a severity.
func ObserveAlert(severity string) {
	Init()
	alertsTotal.WithLabelValues(severity).Inc()
}

// ObserveAlertDispatchFailure increments the failed delivery counter for a channel.
func ObserveAlertDispatchFailure(channel string) {
	Init()
	alertDispatchFailuresTotal.WithLabelValues(channel).Inc()
}

// SetHealthStatus publishes the latest verdict for a named health check.
func SetHealthStatus(check string, level int) {
	Init()
	healthCheckStatus.WithLabelValues(check).Set(float64(level))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveArchivedBody increments the archived body counter.
func ObserveArchivedBody() {
	Init()
	archivedBodiesTotal.Inc()
}
