// Package metrics defines prometheus metrics to expose
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Total time taken for upstream requests in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180},
		},
		[]string{"route", "model", "endpoint"},
	)

	TimeToFirstToken = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_time_to_first_token_seconds",
			Help:    "Time to first streamed line in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 45, 60},
		},
		[]string{"route", "model"},
	)

	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_request_count_total",
			Help: "Total number of upstream requests processed",
		},
		[]string{"route", "model", "endpoint", "status"},
	)

	ErrorCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_error_count",
			Help: "Error count",
		},
		[]string{"route", "endpoint", "from"},
	)

	ResponseCodes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_status_code",
			Help: "Status Codes",
		},
		[]string{"path", "status_code"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"backend"},
	)

	RateLimitBackendErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_backend_errors_total",
			Help: "Shared rate limit backend failures admitted fail-open",
		},
	)

	ModelRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_model_refresh_total",
			Help: "Per route /models refreshes",
		},
		[]string{"route", "result"},
	)

	ModelRefreshLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_model_refresh_latency_seconds",
			Help:    "Latency of per route /models calls",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route"},
	)

	RelayOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_relay_outcome_total",
			Help: "How streaming sessions ended",
		},
		[]string{"outcome"},
	)

	Heartbeats = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_relay_heartbeats_total",
			Help: "Keep-alive comments sent to streaming callers",
		},
	)

	InflightStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_inflight_streams",
			Help: "Streaming sessions currently open",
		},
	)

	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_persist_failures_total",
			Help: "Record store writes that failed and were dropped",
		},
		[]string{"task"},
	)

	PendingWrites = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_pending_writes",
			Help: "Record store writes dispatched but not yet finished",
		},
	)
)
