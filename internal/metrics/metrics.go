package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gatekeeper_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Access decision metrics
	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_decisions_total",
			Help: "Access decisions by outcome and deny reason",
		},
		[]string{"outcome", "reason"},
	)

	BurstRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_burst_rejections_total",
			Help: "Messages rejected by the burst guard",
		},
	)

	MessagesAllowedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_messages_allowed_total",
			Help: "Allowed messages by role",
		},
		[]string{"role"},
	)

	// OAuth metrics
	StateVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_state_verifications_total",
			Help: "State token verifications by result",
		},
		[]string{"result"},
	)

	TokenExchangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_token_exchanges_total",
			Help: "Authorization-code exchanges by result",
		},
		[]string{"result"},
	)

	// Payment metrics
	PaymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gatekeeper_payments_total",
			Help: "Payment confirmations by plan and result",
		},
		[]string{"plan", "result"},
	)

	// Sweep metrics
	TrialsExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gatekeeper_trials_expired_total",
			Help: "Trial records transitioned to expired by the sweep",
		},
	)

	TrackedUsers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gatekeeper_users_total",
			Help: "Number of user records in the store",
		},
	)
)
