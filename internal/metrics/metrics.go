// Package metrics exposes the Prometheus counters/gauges/histograms for
// ratchet-relay's own components, following a promauto-var-plus-
// Record-helper style throughout.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection-plane metrics (C6).
	WebSocketConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_websocket_connections",
			Help: "Number of live WebSocket connections on this instance",
		},
		[]string{"instance_id"},
	)

	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Total number of transport frames processed",
		},
		[]string{"frame_type", "direction"}, // direction: inbound, outbound
	)

	ConnectRateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_connect_rate_limit_hits_total",
			Help: "Total number of connection attempts rejected by the connect-time rate limiter",
		},
	)

	AuthUnverifiedConnections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_auth_unverified_connections_total",
			Help: "Total number of connections admitted with a missing or invalid bearer token",
		},
	)

	// Messaging metrics (C4/C5).
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_sent_total",
			Help: "Total number of messages encrypted and handed to the delivery plane",
		},
		[]string{"delivery"}, // immediate, queued
	)

	MessageDeliveryLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_message_delivery_latency_seconds",
			Help:    "Time from SendText to a successful DeliverEnvelope call",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
		},
	)

	DecryptFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_decrypt_failures_total",
			Help: "Total number of failed decrypt attempts, by cause",
		},
		[]string{"reason"}, // auth_tag, unknown_session, skip_exhausted
	)

	SkippedKeysCached = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_skipped_keys_cached",
			Help: "Number of skipped message keys currently cached for a session",
		},
		[]string{"user_id"},
	)

	HandshakesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_x3dh_handshakes_total",
			Help: "Total number of X3DH handshakes performed",
		},
		[]string{"role", "one_time_prekey"}, // role: initiator, responder; one_time_prekey: used, absent
	)

	// Directory / offline-queue metrics (C3).
	OfflineMessagesQueued = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_offline_messages_queued_total",
			Help: "Total number of messages queued because the recipient was offline",
		},
	)

	OfflineMessagesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_offline_messages_delivered_total",
			Help: "Total number of queued messages delivered on reconnect",
		},
	)

	PreKeysRemaining = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_prekeys_remaining",
			Help: "Number of unused one-time prekeys remaining per user",
		},
		[]string{"user_id"},
	)

	// Self-destruct sweeper metrics (C6).
	SelfDestructSweepLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_self_destruct_sweep_latency_seconds",
			Help:    "Time taken to process one self-destruct sweep tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	SelfDestructedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_self_destructed_messages_total",
			Help: "Total number of messages cleaned up by the self-destruct sweeper",
		},
	)

	// Cross-instance delivery metrics (C6).
	CrossInstanceDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cross_instance_deliveries_total",
			Help: "Total number of envelopes republished to a peer instance",
		},
		[]string{"result"}, // delivered, failed
	)
)

// RecordFrame records one transport frame in the given direction.
func RecordFrame(frameType, direction string) {
	FramesTotal.WithLabelValues(frameType, direction).Inc()
}

// RecordMessageSent records a SendText outcome.
func RecordMessageSent(delivery string) {
	MessagesSentTotal.WithLabelValues(delivery).Inc()
}

// RecordDecryptFailure records a failed decrypt attempt by cause.
func RecordDecryptFailure(reason string) {
	DecryptFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordHandshake records an X3DH handshake by role and one-time-prekey use.
func RecordHandshake(role string, usedOneTimePreKey bool) {
	otpk := "absent"
	if usedOneTimePreKey {
		otpk = "used"
	}
	HandshakesTotal.WithLabelValues(role, otpk).Inc()
}

// RecordCrossInstanceDelivery records a cross-instance republish attempt.
func RecordCrossInstanceDelivery(delivered bool) {
	result := "failed"
	if delivered {
		result = "delivered"
	}
	CrossInstanceDeliveriesTotal.WithLabelValues(result).Inc()
}

// Handler returns the /metrics HTTP handler for wiring into the relay's
// router.
func Handler() http.Handler {
	return promhttp.Handler()
}
