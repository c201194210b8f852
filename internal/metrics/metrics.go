// Package metrics registers the prometheus instruments for the streaming
// core and exposes them on a registry the web server serves at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every instrument the server records.
type Metrics struct {
	Registry *prometheus.Registry

	ActiveStreams   prometheus.Gauge
	BytesServed     *prometheus.CounterVec
	RequestsTotal   *prometheus.CounterVec
	ChunkRetries    prometheus.Counter
	AbortedStreams  prometheus.Counter
	ReapedStreams   prometheus.Counter
	BandwidthUsed   prometheus.Gauge
	RateLimitDenied prometheus.Counter
}

// New creates and registers all instruments on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		Registry: reg,
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filebeam_active_streams",
			Help: "Streams currently being served.",
		}),
		BytesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filebeam_bytes_served_total",
			Help: "Body bytes written to clients.",
		}, []string{"client_id"}),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "filebeam_requests_total",
			Help: "Streaming requests by final HTTP status.",
		}, []string{"status"}),
		ChunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filebeam_chunk_retries_total",
			Help: "Upstream chunk reads that were retried.",
		}),
		AbortedStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filebeam_aborted_streams_total",
			Help: "Streams that ended mid-body with a connection close.",
		}),
		ReapedStreams: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filebeam_reaped_streams_total",
			Help: "Stale streams torn down by the reaper.",
		}),
		BandwidthUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "filebeam_bandwidth_used_bytes",
			Help: "Bytes served in the current calendar month.",
		}),
		RateLimitDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "filebeam_rate_limited_total",
			Help: "Requests denied by the rate limiter.",
		}),
	}

	reg.MustRegister(
		m.ActiveStreams,
		m.BytesServed,
		m.RequestsTotal,
		m.ChunkRetries,
		m.AbortedStreams,
		m.ReapedStreams,
		m.BandwidthUsed,
		m.RateLimitDenied,
	)
	return m
}
