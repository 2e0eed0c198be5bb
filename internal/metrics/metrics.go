// Package metrics provides Prometheus metrics for the policy review service.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	gatherer prometheus.Gatherer

	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Engine metrics
	DiffDuration        *prometheus.HistogramVec
	DiffDegradedTotal   prometheus.Counter
	TransitionsTotal    *prometheus.CounterVec
	FinalizeTotal       *prometheus.CounterVec
	SkippedChangesTotal *prometheus.CounterVec
	ReviewsOpenedTotal  prometheus.Counter
}

// New registers all metrics on reg. A nil reg uses a fresh registry, which
// keeps tests independent of the global default registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	m := &Metrics{gatherer: reg}

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policy_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	m.DiffDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "policy_diff_duration_seconds",
			Help:    "Duration of text alignment in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"granularity"},
	)

	m.DiffDegradedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_diff_degraded_total",
			Help: "Total number of diffs that fell back to line granularity",
		},
	)

	m.TransitionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_change_transitions_total",
			Help: "Total number of change record transitions",
		},
		[]string{"action", "result"},
	)

	m.FinalizeTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_finalize_total",
			Help: "Total number of finalize attempts by outcome",
		},
		[]string{"outcome"},
	)

	m.SkippedChangesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policy_skipped_changes_total",
			Help: "Total number of selected changes that could not be applied",
		},
		[]string{"reason"},
	)

	m.ReviewsOpenedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "policy_reviews_opened_total",
			Help: "Total number of reviews opened",
		},
	)

	return m
}

// RecordHTTPRequest records a completed HTTP request
func (m *Metrics) RecordHTTPRequest(method string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordDiff records one alignment
func (m *Metrics) RecordDiff(granularity string, degraded bool, duration time.Duration) {
	m.DiffDuration.WithLabelValues(granularity).Observe(duration.Seconds())
	if degraded {
		m.DiffDegradedTotal.Inc()
	}
}

// RecordTransition records a change record transition
func (m *Metrics) RecordTransition(action string, err error) {
	result := "ok"
	if err != nil {
		result = "rejected"
	}
	m.TransitionsTotal.WithLabelValues(action, result).Inc()
}

// RecordFinalize records a finalize attempt and the reasons of skipped changes
func (m *Metrics) RecordFinalize(outcome string, skippedReasons []string) {
	m.FinalizeTotal.WithLabelValues(outcome).Inc()
	for _, reason := range skippedReasons {
		m.SkippedChangesTotal.WithLabelValues(reason).Inc()
	}
}

// RecordReviewOpened counts a newly opened review
func (m *Metrics) RecordReviewOpened() {
	m.ReviewsOpenedTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
