// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redemption_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "route"})

	// RedemptionsTotal counts ledger inserts by outcome.
	RedemptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_commits_total",
		Help: "Ledger insert attempts, labeled by outcome",
	}, []string{"outcome"})

	RecordDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "redemption_record_duration_seconds",
		Help:    "Time to insert a ledger row and refresh its aggregates",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	// AggregateFailures counts aggregate refreshes left for the reconciler.
	AggregateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_aggregate_failures_total",
		Help: "Aggregate refreshes that exhausted their retries",
	}, []string{"aggregate"})

	ReconcilePending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redemption_reconcile_pending",
		Help: "Aggregates waiting for reconciliation",
	})

	EligibilityDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_eligibility_decisions_total",
		Help: "Eligibility evaluations, labeled by reason",
	}, []string{"reason"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redemption_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	}, []string{"action"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redemption_active_sessions",
		Help: "Open scanning sessions",
	})

	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redemption_feed_subscribers",
		Help: "Connected change feed clients",
	})
)
