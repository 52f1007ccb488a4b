package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "zephyrsync"

// Metrics is everything a node exports: the HTTP surface of its admin and
// sync endpoints plus the replication metrics in Sync.
type Metrics struct {
	Sync *SyncMetrics

	gatherer  prometheus.Gatherer
	requests  *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	inFlight  *prometheus.GaugeVec
	buildInfo *prometheus.GaugeVec
}

// NewMetrics creates a node's metrics and registers them with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	started := time.Now()
	m := &Metrics{
		Sync:     NewSyncMetrics(reg),
		gatherer: reg,
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Requests served by the node's HTTP endpoints, by op and status class.",
			},
			[]string{"op", "status"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency of the node's HTTP endpoints.",
				// 1ms .. ~4s
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
			},
			[]string{"op"},
		),
		inFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "in_flight_requests",
				Help:      "Requests currently being served, by op.",
			},
			[]string{"op"},
		),
		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "build_info",
				Help:      "Constant 1, labeled by version and git_sha.",
			},
			[]string{"version", "git_sha"},
		),
	}
	uptime := prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the node's metrics were created.",
		},
		func() float64 { return time.Since(started).Seconds() },
	)
	reg.MustRegister(m.requests, m.latency, m.inFlight, m.buildInfo, uptime)
	return m
}

// Handler serves the registry m was created with.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup, e.g. with ldflags-provided values.
func (m *Metrics) SetBuildInfo(version, gitSHA string) {
	m.buildInfo.WithLabelValues(version, gitSHA).Set(1)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps next to record its requests under op.
func (m *Metrics) Instrument(op string, next http.Handler) http.Handler {
	inFlight := m.inFlight.WithLabelValues(op)
	latency := m.latency.WithLabelValues(op)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		inFlight.Inc()
		defer inFlight.Dec()

		next.ServeHTTP(sw, r)

		m.requests.WithLabelValues(op, strconv.Itoa(sw.status/100)+"xx").Inc()
		latency.Observe(time.Since(start).Seconds())
	})
}

var (
	// Registry holds the process-wide metrics served on /metrics.
	Registry = prometheus.NewRegistry()
	// Default is the process-wide Metrics.
	Default = NewMetrics(Registry)
	// Sync is shorthand for Default.Sync.
	Sync = Default.Sync
)

// MetricsHandler exposes /metrics. Mount it with mux.Handle("/metrics", telemetry.MetricsHandler()).
func MetricsHandler() http.Handler { return Default.Handler() }

func SetBuildInfo(version, gitSHA string) { Default.SetBuildInfo(version, gitSHA) }

// Instrument is Default.Instrument.
//
//	mux.Handle("/sync/message", telemetry.Instrument("sync_message", http.HandlerFunc(n.Message)))
func Instrument(op string, next http.Handler) http.Handler { return Default.Instrument(op, next) }
