package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EntityChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consistency_entity_checks_total",
		Help: "Entities validated, by entity type and final status",
	}, []string{"entity", "status"})

	DiscrepanciesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consistency_discrepancies_total",
		Help: "Discrepancies left after polling gave up, by kind",
	}, []string{"entity", "kind"})

	PollAttempts = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consistency_poll_attempts",
		Help:    "Checks needed per entity before convergence or give-up",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21, 34},
	}, []string{"entity"})

	ValidationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consistency_validation_runs_total",
		Help: "Validation runs by result",
	}, []string{"result"})

	RunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "consistency_run_duration_seconds",
		Help:    "Wall time of a full validation run",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	SourceRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "consistency_source_request_duration_seconds",
		Help:    "Latency of requests to the inventory and shop APIs",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "operation", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
