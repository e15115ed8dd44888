// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/platform"
)

var (
	ingestOutcomesTotal        *prometheus.CounterVec
	leaseEventsTotal           *prometheus.CounterVec
	retryDecisionsTotal        *prometheus.CounterVec
	healthTransitionsTotal     *prometheus.CounterVec
	tasksDispatchedTotal       *prometheus.CounterVec
	tasksCompletedTotal        *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	activeAgents               prometheus.Gauge
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ingestOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotfeed_ingest_outcomes_total",
				Help: "Raw item ingests, labeled by platform and outcome (inserted, updated).",
			},
			[]string{"platform", "outcome"},
		)

		leaseEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotfeed_lease_events_total",
				Help: "Lease acquisitions, contention and losses, labeled by lease scope.",
			},
			[]string{"scope", "event"},
		)

		retryDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotfeed_retry_decisions_total",
				Help: "Failure decisions, labeled by subject kind, error kind and decision.",
			},
			[]string{"kind", "error_kind", "decision"},
		)

		healthTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotfeed_health_transitions_total",
				Help: "Source health class changes, labeled by from and to class.",
			},
			[]string{"from", "to"},
		)

		tasksDispatchedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotfeed_tasks_dispatched_total",
				Help: "Crawl tasks handed to an agent, labeled by trigger.",
			},
			[]string{"trigger"},
		)

		tasksCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "hotfeed_tasks_completed_total",
				Help: "Crawl tasks finished, labeled by final status.",
			},
			[]string{"status"},
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

		activeAgents = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "hotfeed_active_agent_tasks",
				Help: "Number of crawl tasks an agent is currently running.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "hotfeed_rate_limit_delays_seconds",
				Help:    "Histogram of per-platform rate limit waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"platform"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveIngest counts one dedup outcome. Its signature matches
// dedup.OutcomeObserver.
func ObserveIngest(code platform.Code, outcome crawler.IngestOutcome) {
	Init()
	ingestOutcomesTotal.WithLabelValues(string(code), string(outcome)).Inc()
}

// ObserveRetry counts a failure decision. Its signature matches
// workqueue.RetryObserver.
func ObserveRetry(kind crawler.JobKind, errKind crawler.ErrorKind, retried bool) {
	Init()
	decision := "give_up"
	if retried {
		decision = "retry"
	}
	retryDecisionsTotal.WithLabelValues(string(kind), string(errKind), decision).Inc()
}

// ObserveCrawlRetry counts a platform crawl retry decision.
func ObserveCrawlRetry(errKind crawler.ErrorKind, retried bool) {
	ObserveRetry("platform_crawl", errKind, retried)
}

// ObserveAttempt counts health transitions. Its signature matches
// health.Observer.
func ObserveAttempt(_ crawler.ExecutionLog, before, after crawler.Source) {
	if after.ID == "" || before.Health == after.Health {
		return
	}
	Init()
	healthTransitionsTotal.WithLabelValues(string(before.Health), string(after.Health)).Inc()
}

// ObserveTaskDispatched counts a task handed to an agent.
func ObserveTaskDispatched(trigger crawler.Trigger) {
	Init()
	tasksDispatchedTotal.WithLabelValues(string(trigger)).Inc()
}

// ObserveTaskCompleted counts a finished task.
func ObserveTaskCompleted(status crawler.TaskStatus) {
	Init()
	tasksCompletedTotal.WithLabelValues(string(status)).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveAgents increments the running task gauge.
func IncActiveAgents() {
	Init()
	activeAgents.Inc()
}

// DecActiveAgents decrements the running task gauge.
func DecActiveAgents() {
	Init()
	activeAgents.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(code platform.Code, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(string(code)).Observe(duration.Seconds())
}

// LeaseObserver reports lease events. It satisfies lease.Observer.
type LeaseObserver struct{}

// LeaseAcquired implements lease.Observer.
func (LeaseObserver) LeaseAcquired(itemID string) { observeLease(itemID, "acquired") }

// LeaseBusy implements lease.Observer.
func (LeaseObserver) LeaseBusy(itemID string) { observeLease(itemID, "busy") }

// LeaseLost implements lease.Observer.
func (LeaseObserver) LeaseLost(itemID string) { observeLease(itemID, "lost") }

func observeLease(itemID, event string) {
	Init()
	leaseEventsTotal.WithLabelValues(LeaseScope(itemID), event).Inc()
}

// LeaseScope returns the key prefix of a lease item id ("crawl", "job",
// "aggregate"), keeping label cardinality bounded.
func LeaseScope(itemID string) string {
	scope, _, found := strings.Cut(itemID, ":")
	if !found || scope == "" {
		return "other"
	}
	return scope
}
