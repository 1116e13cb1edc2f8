package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nexuscore/nexusd/pkg/metrics"
)

// ReservationMetrics records NVMe persistent reservation command outcomes.
type ReservationMetrics struct {
	opsTotal *prometheus.CounterVec
}

// NewReservationMetrics creates a new Prometheus-backed ReservationMetrics
// instance.
//
// Returns nil if metrics are not enabled (metrics.Init not called).
func NewReservationMetrics() *ReservationMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &ReservationMetrics{
		opsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_reservation_ops_total",
				Help: "Total NVMe reservation commands, by nexus, command, and outcome",
			},
			[]string{"nexus", "command", "outcome"}, // command: register/acquire/release/preempt/report
		),
	}
}

// RecordOp increments the reservation-op counter.
func (m *ReservationMetrics) RecordOp(nexus, command, outcome string) {
	if m == nil {
		return
	}
	m.opsTotal.WithLabelValues(nexus, command, outcome).Inc()
}
