package workspace

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's instrumentation. Collectors are registered
// on a private registry so tests can run many engines in one process.
type Metrics struct {
	Registry *prometheus.Registry

	SessionsOpen   prometheus.Gauge
	ClientsActive  prometheus.Gauge
	WritesTotal    prometheus.Counter
	PatchesTotal   prometheus.Counter
	ParseErrors    prometheus.Counter
	EvalErrors     prometheus.Counter
	EvictionsTotal prometheus.Counter
	ParseDuration  prometheus.Histogram
	EvalDuration   prometheus.Histogram
}

// NewMetrics creates and registers the engine collectors.
func NewMetrics() *Metrics {
	m := &Metrics{Registry: prometheus.NewRegistry()}

	m.SessionsOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paperclip",
		Name:      "sessions_open",
		Help:      "Open file sessions.",
	})
	m.ClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paperclip",
		Name:      "clients_active",
		Help:      "Active per-client preview states.",
	})
	m.WritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paperclip",
		Name:      "writes_total",
		Help:      "Successful write pipeline runs.",
	})
	m.PatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paperclip",
		Name:      "patches_total",
		Help:      "Patches emitted to subscribers.",
	})
	m.ParseErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paperclip",
		Name:      "parse_errors_total",
		Help:      "Writes rejected by the parser.",
	})
	m.EvalErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paperclip",
		Name:      "eval_errors_total",
		Help:      "Writes aborted by structural evaluation errors.",
	})
	m.EvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paperclip",
		Name:      "evictions_total",
		Help:      "Clients evicted for capacity or idleness.",
	})
	m.ParseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paperclip",
		Name:      "parse_duration_seconds",
		Help:      "Parse latency per write.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})
	m.EvalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "paperclip",
		Name:      "eval_duration_seconds",
		Help:      "Evaluate latency per write.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	m.Registry.MustRegister(
		m.SessionsOpen, m.ClientsActive, m.WritesTotal, m.PatchesTotal,
		m.ParseErrors, m.EvalErrors, m.EvictionsTotal,
		m.ParseDuration, m.EvalDuration,
	)
	return m
}
