package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Apply results recorded on zephyrsync_sync_operations_total.
const (
	ResultOK       = "ok"
	ResultUnknown  = "unknown_key"
	ResultDecode   = "decode_error"
	ResultRejected = "invalid_for_mode"
	ResultFailed   = "write_failed"
	ResultProtocol = "protocol_violation"
)

// Bootstrap outcomes recorded on zephyrsync_bootstrap_keys_total.
const (
	BootstrapRestored  = "restored"
	BootstrapDefaulted = "defaulted"
	BootstrapStale     = "stale"
	BootstrapTimeout   = "timeout"
)

// SyncMetrics groups the replication counters. A nil *SyncMetrics is valid
// and records nothing.
type SyncMetrics struct {
	operations *prometheus.CounterVec
	applyTime  *prometheus.HistogramVec
	broadcasts *prometheus.CounterVec
	dropped    *prometheus.CounterVec
	bootstrap  *prometheus.CounterVec
	handlers   prometheus.Gauge
}

// NewSyncMetrics creates the replication metrics and registers them with reg.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "operations_total",
				Help:      "Operations applied through the sync registry, by key, kind, origin and result.",
			},
			[]string{"key", "kind", "origin", "result"},
		),
		applyTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "apply_duration_seconds",
				Help:      "Time spent holding a key lock while applying an operation.",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 14),
			},
			[]string{"key"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "broadcasts_total",
				Help:      "Messages handed to the transport by local mutations.",
			},
			[]string{"channel", "name"},
		),
		dropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "dropped_messages_total",
				Help:      "Inbound messages discarded by a router, by reason.",
			},
			[]string{"domain", "reason"},
		),
		bootstrap: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "bootstrap_keys_total",
				Help:      "Keys processed by the bootstrap synchronizer, by outcome.",
			},
			[]string{"key", "outcome"},
		),
		handlers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "handlers",
			Help:      "Number of registered sync handlers.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.applyTime, m.broadcasts, m.dropped, m.bootstrap, m.handlers)
	}
	return m
}

func (m *SyncMetrics) ObserveApply(key, kind, origin, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(key, kind, origin, result).Inc()
	if result == ResultOK {
		m.applyTime.WithLabelValues(key).Observe(d.Seconds())
	}
}

func (m *SyncMetrics) Broadcast(channel, name string) {
	if m == nil {
		return
	}
	m.broadcasts.WithLabelValues(channel, name).Inc()
}

func (m *SyncMetrics) Dropped(domain, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(domain, reason).Inc()
}

func (m *SyncMetrics) Bootstrap(key, outcome string) {
	if m == nil {
		return
	}
	m.bootstrap.WithLabelValues(key, outcome).Inc()
}

func (m *SyncMetrics) SetHandlers(n int) {
	if m == nil {
		return
	}
	m.handlers.Set(float64(n))
}
