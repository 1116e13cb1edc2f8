package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nexuscore/nexusd/pkg/metrics"
)

// NexusMetrics records child state transitions, retire events, and I/O
// subsystem pause durations for a nexus.
type NexusMetrics struct {
	childState    *prometheus.GaugeVec
	retiredTotal  *prometheus.CounterVec
	faultedTotal  *prometheus.CounterVec
	pauseDuration *prometheus.HistogramVec
	ioErrorsTotal *prometheus.CounterVec
}

// NewNexusMetrics creates a new Prometheus-backed NexusMetrics instance.
//
// Returns nil if metrics are not enabled (metrics.Init not called).
func NewNexusMetrics() *NexusMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &NexusMetrics{
		childState: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexus_child_state",
				Help: "Child device state as an enum value (see nexus.ChildState), by nexus and child",
			},
			[]string{"nexus", "child"},
		),
		retiredTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_child_retired_total",
				Help: "Total children retired, by nexus and reason",
			},
			[]string{"nexus", "reason"},
		),
		faultedTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_child_faulted_total",
				Help: "Total children transitioned to Faulted, by nexus and reason",
			},
			[]string{"nexus", "reason"},
		),
		pauseDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_io_pause_seconds",
				Help:    "Duration the I/O subsystem spent paused for a nexus",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"nexus"},
		),
		ioErrorsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_io_errors_total",
				Help: "Total I/O errors observed on a child, by nexus, child, and I/O type",
			},
			[]string{"nexus", "child", "io_type"},
		),
	}
}

// SetChildState records the current enum value of a child's state.
func (m *NexusMetrics) SetChildState(nexus, child string, state int) {
	if m == nil {
		return
	}
	m.childState.WithLabelValues(nexus, child).Set(float64(state))
}

// RecordRetired increments the retired-children counter.
func (m *NexusMetrics) RecordRetired(nexus, reason string) {
	if m == nil {
		return
	}
	m.retiredTotal.WithLabelValues(nexus, reason).Inc()
}

// RecordFaulted increments the faulted-children counter.
func (m *NexusMetrics) RecordFaulted(nexus, reason string) {
	if m == nil {
		return
	}
	m.faultedTotal.WithLabelValues(nexus, reason).Inc()
}

// ObservePause records how long the I/O subsystem was paused.
func (m *NexusMetrics) ObservePause(nexus string, d time.Duration) {
	if m == nil {
		return
	}
	m.pauseDuration.WithLabelValues(nexus).Observe(d.Seconds())
}

// RecordIOError increments the I/O error counter for a child.
func (m *NexusMetrics) RecordIOError(nexus, child, ioType string) {
	if m == nil {
		return
	}
	m.ioErrorsTotal.WithLabelValues(nexus, child, ioType).Inc()
}
