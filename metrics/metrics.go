package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Dispatcher
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_dispatch_total",
			Help: "Acknowledged commands by event and result",
		},
		[]string{"event", "result"}, // "ok", "no_connection", "rejected", "timeout", "canceled"
	)

	AckLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "minichat_ack_latency_seconds",
			Help:    "Time from command write to its acknowledgement",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"event"},
	)

	// Connection
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_reconnects_total",
			Help: "Successful websocket reconnects",
		},
	)

	Connected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_connected",
			Help: "1 while the websocket is established",
		},
	)

	InboundEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_inbound_events_total",
			Help: "Server pushed events by name",
		},
		[]string{"event"},
	)

	// Timeline
	Rollbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_rollbacks_total",
			Help: "Optimistic sends rolled back after a failed dispatch",
		},
	)

	Resyncs = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_resyncs_total",
			Help: "Snapshot reloads of the open view after a reconnect",
		},
	)
)
