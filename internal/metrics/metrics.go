// Package metrics exposes collector counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the collector. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Connection metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	AuthFailures      prometheus.Counter
	HelloThrottled    prometheus.Counter
	ProtocolErrors    *prometheus.CounterVec

	// Frame metrics
	FramesTotal *prometheus.CounterVec
	FrameBytes  prometheus.Counter

	// Collector metrics
	ChunksStored     prometheus.Counter
	StrayRecords     prometheus.Counter
	DecodeErrors     *prometheus.CounterVec
	SymbolCacheHits  prometheus.Counter
	SymbolCacheMiss  prometheus.Counter
	TraceDataLatency prometheus.Histogram

	// Live feed metrics
	WSConnections prometheus.Gauge
	WSDropped     prometheus.Counter
}

// New creates the collector metrics on a private registry, so several
// instances can coexist in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Name: "zico_connections_active",
			Help: "Number of open agent connections",
		}),
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_connections_total",
			Help: "Total number of accepted agent connections",
		}),
		AuthFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_auth_failures_total",
			Help: "Hello frames rejected for bad credentials",
		}),
		HelloThrottled: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_hello_throttled_total",
			Help: "Hello frames rejected by the per-address rate limit",
		}),
		ProtocolErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zico_protocol_errors_total",
			Help: "Connections reset because of framing errors",
		}, []string{"kind"}),

		FramesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zico_frames_total",
			Help: "Frames received by type",
		}, []string{"type"}),
		FrameBytes: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_frame_bytes_total",
			Help: "Payload bytes received",
		}),

		ChunksStored: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_chunks_stored_total",
			Help: "Trace chunks appended to the store",
		}),
		StrayRecords: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_stray_records_total",
			Help: "Trace records discarded because no scope was open",
		}),
		DecodeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "zico_decode_errors_total",
			Help: "Payloads that failed to decode completely",
		}, []string{"payload"}),
		SymbolCacheHits: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_symbol_cache_hits_total",
			Help: "Symbols resolved from a session cache",
		}),
		SymbolCacheMiss: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_symbol_cache_misses_total",
			Help: "Symbols interned into the registry",
		}),
		TraceDataLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "zico_trace_data_duration_seconds",
			Help:    "Time spent processing one trace data payload",
			Buckets: prometheus.DefBuckets,
		}),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "zico_ws_connections",
			Help: "Live chunk feed subscribers",
		}),
		WSDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "zico_ws_dropped_messages_total",
			Help: "Live feed messages dropped for subscribers that fell behind",
		}),
	}
}

// Registerer exposes the private registry so other components can add
// their own collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GaugeFunc registers a gauge whose value is read on every scrape.
func (m *Metrics) GaugeFunc(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

func (m *Metrics) AuthFailed() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}

func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.HelloThrottled.Inc()
}

func (m *Metrics) ProtocolError(kind string) {
	if m == nil {
		return
	}
	m.ProtocolErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) Frame(typ string, size int) {
	if m == nil {
		return
	}
	m.FramesTotal.WithLabelValues(typ).Inc()
	m.FrameBytes.Add(float64(size))
}

func (m *Metrics) ChunkStored() {
	if m == nil {
		return
	}
	m.ChunksStored.Inc()
}

func (m *Metrics) Stray(n int) {
	if m == nil || n == 0 {
		return
	}
	m.StrayRecords.Add(float64(n))
}

func (m *Metrics) DecodeError(payload string) {
	if m == nil {
		return
	}
	m.DecodeErrors.WithLabelValues(payload).Inc()
}

func (m *Metrics) SymbolCache(hits, misses uint64) {
	if m == nil {
		return
	}
	m.SymbolCacheHits.Add(float64(hits))
	m.SymbolCacheMiss.Add(float64(misses))
}

func (m *Metrics) ObserveTraceData(start time.Time) {
	if m == nil {
		return
	}
	m.TraceDataLatency.Observe(time.Since(start).Seconds())
}

func (m *Metrics) WSConnected(delta int) {
	if m == nil {
		return
	}
	m.WSConnections.Add(float64(delta))
}

func (m *Metrics) WSDroppedMessage() {
	if m == nil {
		return
	}
	m.WSDropped.Inc()
}
