package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modgate_connections_active",
		Help: "Number of live WebSocket connections.",
	})

	metricSessionsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "modgate_sessions_registered",
		Help: "Number of connections with a persisted session.",
	})

	metricRPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_rpc_requests_total",
		Help: "Inbound JSON-RPC requests handled, by method and outcome.",
	}, []string{"method", "outcome"})

	metricBusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "modgate_bus_messages_total",
		Help: "Bus messages consumed, by message type.",
	}, []string{"type"})

	metricRelayTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modgate_relay_timeouts_total",
		Help: "Bus-to-module relayed requests that timed out.",
	})

	metricDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "modgate_dropped_frames_total",
		Help: "Inbound frames dropped as malformed or unclassifiable.",
	})
)
