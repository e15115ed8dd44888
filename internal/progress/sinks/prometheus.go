package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/hotfeed-orchestrator/internal/crawler"
	"github.com/JakeFAU/hotfeed-orchestrator/internal/progress"
)

// PrometheusSink exports attempt counters, durations and source health
// transitions.
type PrometheusSink struct {
	attempts      *prometheus.CounterVec
	failures      *prometheus.CounterVec
	items         *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	healthChanges *prometheus.CounterVec
	disabled      prometheus.Counter
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotfeed_attempts_total",
			Help: "Recorded attempts partitioned by log kind and outcome.",
		}, []string{"kind", "outcome"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotfeed_attempt_failures_total",
			Help: "Failed attempts partitioned by log kind and error kind.",
		}, []string{"kind", "error_kind"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotfeed_attempt_items_total",
			Help: "Items handled by successful attempts.",
		}, []string{"kind"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hotfeed_attempt_duration_seconds",
			Help:    "Attempt wall time partitioned by log kind.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		healthChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hotfeed_source_health_changes_total",
			Help: "Source health class changes partitioned by target class.",
		}, []string{"to"}),
		disabled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hotfeed_sources_auto_disabled_total",
			Help: "Sources disabled by the failure threshold.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		s.attempts,
		s.failures,
		s.items,
		s.duration,
		s.healthChanges,
		s.disabled,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	entry := evt.Log
	kind := string(entry.Kind)
	s.attempts.WithLabelValues(kind, string(entry.Outcome)).Inc()
	if d := entry.Duration(); d > 0 {
		s.duration.WithLabelValues(kind).Observe(d.Seconds())
	}
	if entry.Outcome == crawler.OutcomeFailure {
		errKind := string(entry.ErrorKind)
		if errKind == "" {
			errKind = string(crawler.KindUnknown)
		}
		s.failures.WithLabelValues(kind, errKind).Inc()
	} else if entry.ItemCount > 0 {
		s.items.WithLabelValues(kind).Add(float64(entry.ItemCount))
	}
	if evt.SourceAfter != "" && evt.HealthChanged() {
		s.healthChanges.WithLabelValues(string(evt.SourceAfter)).Inc()
	}
	if evt.Disabled {
		s.disabled.Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
