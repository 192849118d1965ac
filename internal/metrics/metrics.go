// Package metrics provides Prometheus instrumentation for the relay server.
// It exposes gauges for connection and presence counts, counters for message
// and notification throughput, and a histogram for pipeline latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of active WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kidtalk_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// AccountsOnline tracks the current number of accounts bound to a connection.
	AccountsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kidtalk_accounts_online",
		Help: "Current number of accounts with a live connection",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "delivered", "stored_offline", "filtered", or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kidtalk_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// NotificationPushesTotal counts live notification pushes, labeled by
	// result: "sent" or "offline".
	NotificationPushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kidtalk_notification_pushes_total",
		Help: "Total number of live notification push attempts",
	}, []string{"result"})

	// SubmitLatency records message pipeline latency in seconds, from frame
	// receipt to persisted message.
	SubmitLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kidtalk_submit_latency_seconds",
		Help:    "Message pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		AccountsOnline,
		MessagesTotal,
		NotificationPushesTotal,
		SubmitLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
