package manager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments the manager and pump update as
// connections are created, torn down, and as segments flow through. A
// nil *Metrics is never passed around; callers use NewMetrics with a
// registerer of their choosing (prometheus.DefaultRegisterer in
// production, a scratch prometheus.NewRegistry() in tests).
type Metrics struct {
	ConnectionsActive   prometheus.Gauge
	ConnectionsAccepted prometheus.Counter
	SegmentsDropped     *prometheus.CounterVec
	BytesReceived       prometheus.Counter
	BytesSent           prometheus.Counter
}

// NewMetrics registers the tuntcp collector family with reg and returns
// the handles used to update them.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "tuntcp_connections_active",
			Help: "Number of TCP connections currently tracked by the manager.",
		}),
		ConnectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "tuntcp_connections_accepted_total",
			Help: "Total number of inbound SYNs accepted into a new connection.",
		}),
		SegmentsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tuntcp_segments_dropped_total",
			Help: "Total number of inbound segments dropped before reaching a connection.",
		}, []string{"reason"}),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "tuntcp_bytes_received_total",
			Help: "Total payload bytes delivered to applications.",
		}),
		BytesSent: f.NewCounter(prometheus.CounterOpts{
			Name: "tuntcp_bytes_sent_total",
			Help: "Total payload bytes transmitted by Stream.Write and Stream.Flush.",
		}),
	}
}
