// Package metrics exposes the transport's counters on a private prometheus
// registry. Collectors are labeled by mesh service so child nets sharing a
// process stay distinguishable.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registry = prometheus.NewRegistry()

	BytesOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "bytes_written_total",
			Help:      "Bytes written to peer sockets.",
		},
		[]string{"service", "peer"},
	)

	BytesIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "bytes_read_total",
			Help:      "Bytes read from peer sockets.",
		},
		[]string{"service", "peer"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "replmesh",
			Name:      "send_queue_depth",
			Help:      "Frames currently queued per peer.",
		},
		[]string{"service", "peer"},
	)

	QueueFull = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "send_queue_full_total",
			Help:      "Enqueues rejected by the count or byte cap.",
		},
		[]string{"service", "peer"},
	)

	Dedupes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "send_queue_dedupe_total",
			Help:      "Frames coalesced against the queue head.",
		},
		[]string{"service", "peer"},
	)

	Reorders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "send_queue_reorder_total",
			Help:      "In-order insertions that moved past at least one frame.",
		},
		[]string{"service", "peer"},
	)

	Connects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "peer_connects_total",
			Help:      "Successful connection establishments, dial and accept.",
		},
		[]string{"service", "peer", "direction"},
	)

	SocketKills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "liveness_socket_kills_total",
			Help:      "Sockets shut down by the heartbeat check thread.",
		},
		[]string{"service", "peer"},
	)

	HandlerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "handler_calls_total",
			Help:      "User-message handler invocations by registered name.",
		},
		[]string{"service", "handler"},
	)

	HandlerSeconds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "handler_seconds_total",
			Help:      "Cumulative time spent inside user-message handlers.",
		},
		[]string{"service", "handler"},
	)

	AckTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "ack_timeouts_total",
			Help:      "Synchronous sends that gave up waiting for an ack.",
		},
		[]string{"service", "peer"},
	)

	ThrottleWaits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "replmesh",
			Name:      "throttle_waits_total",
			Help:      "Callers that blocked waiting for queue headroom.",
		},
		[]string{"service", "peer"},
	)
)

func init() {
	registry.MustRegister(
		BytesOut, BytesIn, QueueDepth, QueueFull, Dedupes, Reorders,
		Connects, SocketKills, HandlerCalls, HandlerSeconds, AckTimeouts,
		ThrottleWaits,
	)
}

// Registry returns the transport's private registry for promhttp exposure.
func Registry() *prometheus.Registry {
	return registry
}
