// Package metrics exposes Prometheus collectors for the orchestration engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawlforge_requests_total",
			Help: "Total requests processed, labeled by outcome.",
		},
		[]string{"outcome"},
	)

	retriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlforge_retries_total",
			Help: "Total retry attempts scheduled.",
		},
	)

	inFlightTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlforge_in_flight_tasks",
			Help: "Tasks currently holding a concurrency slot.",
		},
	)

	desiredConcurrency = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawlforge_desired_concurrency",
			Help: "Concurrency level the autoscaled pool currently targets.",
		},
	)

	overloadedSnapshotsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawlforge_overloaded_snapshots_total",
			Help: "Snapshots in which at least one dimension was overloaded.",
		},
	)

	handlerDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawlforge_handler_duration_seconds",
			Help:    "Histogram of pipeline plus handler latency per request.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	slotWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawlforge_slot_wait_seconds",
			Help:    "Histogram of time spent waiting for a concurrency slot.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	rateLimitDelaySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawlforge_rate_limit_delay_seconds",
			Help:    "Histogram of delay introduced by per-domain rate limiting.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)
)

// ObserveRequest records one finished request with its outcome and duration.
func ObserveRequest(outcome string, duration time.Duration) {
	requestsTotal.WithLabelValues(outcome).Inc()
	handlerDurationSeconds.Observe(duration.Seconds())
}

// IncRetries counts one scheduled retry.
func IncRetries() {
	retriesTotal.Inc()
}

// SetInFlight publishes the number of admitted tasks.
func SetInFlight(n int) {
	inFlightTasks.Set(float64(n))
}

// SetDesiredConcurrency publishes the pool's current target.
func SetDesiredConcurrency(n int) {
	desiredConcurrency.Set(float64(n))
}

// IncOverloadedSnapshots counts one overloaded sample.
func IncOverloadedSnapshots() {
	overloadedSnapshotsTotal.Inc()
}

// ObserveSlotWait records how long slot acquisition blocked.
func ObserveSlotWait(duration time.Duration) {
	slotWaitSeconds.Observe(duration.Seconds())
}

// ObserveRateLimitDelay records time a fetch waited on the domain limiter.
func ObserveRateLimitDelay(duration time.Duration) {
	rateLimitDelaySeconds.Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler for the ops server.
func Handler() http.Handler {
	return promhttp.Handler()
}
