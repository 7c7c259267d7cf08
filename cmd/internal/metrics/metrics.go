// Package metrics declares duochat's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_sessions_started_total",
			Help: "Conversation sessions that reached Active",
		},
		[]string{"mode"}, // "start" or "join"
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duochat_sessions_active",
			Help: "Conversation sessions currently Active",
		},
	)

	SessionFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_session_failures_total",
			Help: "Sessions that ended in Failed",
		},
		[]string{"stage"}, // "room_write", "subscribe", "stream"
	)

	MessagesApplied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duochat_messages_applied_total",
			Help: "Messages inserted into a local message list",
		},
	)

	MessagesDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duochat_messages_duplicate_total",
			Help: "Re-delivered messages ignored by id",
		},
	)

	DecodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duochat_decode_failures_total",
			Help: "Message documents that failed to decode",
		},
	)

	ChangesIgnored = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_changes_ignored_total",
			Help: "Change notifications ignored by the adapter",
		},
		[]string{"kind"},
	)

	SendsDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duochat_sends_dispatched_total",
			Help: "Messages submitted to the store",
		},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_send_failures_total",
			Help: "Messages that could not be dispatched or stored",
		},
		[]string{"reason"},
	)

	// Presence metrics
	PresenceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_presence_writes_total",
			Help: "Presence store mutations",
		},
		[]string{"op", "result"},
	)

	PresenceSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_presence_skipped_total",
			Help: "Lifecycle signals skipped for lack of an authenticated user",
		},
		[]string{"signal"},
	)

	// Gateway metrics
	GatewayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duochat_gateway_connections",
			Help: "Open gateway websocket connections",
		},
	)

	GatewayEnvelopes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_gateway_envelopes_total",
			Help: "Envelopes received by the gateway",
		},
		[]string{"type"},
	)

	GatewaySubscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "duochat_gateway_subscriptions",
			Help: "Live gateway subscriptions",
		},
	)

	GatewayForbidden = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_gateway_forbidden_total",
			Help: "Requests refused by the gateway access policy",
		},
		[]string{"type"},
	)

	GatewayRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "duochat_gateway_rate_limited_total",
			Help: "Connections closed for exceeding the rate limit",
		},
	)

	// Infrastructure metrics
	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duochat_store_op_duration_seconds",
			Help:    "Document store operation latency",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "op"},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duochat_store_errors_total",
			Help: "Document store operation errors",
		},
		[]string{"backend", "op"},
	)
)
