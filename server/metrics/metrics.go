package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "groupchat"

// Metrics holds the server collectors. Build one per registry.
type Metrics struct {
	Connections     prometheus.Gauge
	Users           prometheus.Gauge
	Events          *prometheus.CounterVec
	Rejected        *prometheus.CounterVec
	Fanout          *prometheus.CounterVec
	Dropped         prometheus.Counter
	PersistFailures prometheus.Counter
	PersistLatency  prometheus.Histogram
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live websocket connections.",
		}),
		Users: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "users_online",
			Help:      "Connections that completed user_join.",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_events_total",
			Help:      "Inbound events by type.",
		}, []string{"type"}),
		Rejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejected_events_total",
			Help:      "Inbound events answered with an error event, by code.",
		}, []string{"code"}),
		Fanout: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_deliveries_total",
			Help:      "Outbound events queued to connections, by type.",
		}, []string{"type"}),
		Dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slow_connections_dropped_total",
			Help:      "Connections closed because their send queue was full.",
		}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Message writes that failed.",
		}),
		PersistLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_seconds",
			Help:      "Latency of message writes.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}
