package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nexuscore/nexusd/pkg/metrics"
)

// RebuildMetrics records rebuild engine progress and throughput.
type RebuildMetrics struct {
	blocksTotal     *prometheus.GaugeVec
	blocksRecovered *prometheus.GaugeVec
	progress        *prometheus.GaugeVec
	throughput      *prometheus.HistogramVec
	jobsStarted     *prometheus.CounterVec
	jobsCompleted   *prometheus.CounterVec
	jobsFailed      *prometheus.CounterVec
}

// NewRebuildMetrics creates a new Prometheus-backed RebuildMetrics instance.
//
// Returns nil if metrics are not enabled (metrics.Init not called). All
// methods are nil-receiver safe so callers can pass the result straight to
// the rebuild engine without a conditional.
func NewRebuildMetrics() *RebuildMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &RebuildMetrics{
		blocksTotal: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexus_rebuild_blocks_total",
				Help: "Total blocks to rebuild for the current job, by nexus and child",
			},
			[]string{"nexus", "child"},
		),
		blocksRecovered: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexus_rebuild_blocks_recovered",
				Help: "Blocks recovered so far for the current rebuild job, by nexus and child",
			},
			[]string{"nexus", "child"},
		),
		progress: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nexus_rebuild_progress_pct",
				Help: "Rebuild completion percentage, by nexus and child",
			},
			[]string{"nexus", "child"},
		),
		throughput: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nexus_rebuild_segment_copy_seconds",
				Help:    "Duration of a single rebuild segment copy",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"nexus", "child"},
		),
		jobsStarted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_rebuild_jobs_started_total",
				Help: "Total rebuild jobs started, by nexus and child",
			},
			[]string{"nexus", "child"},
		),
		jobsCompleted: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_rebuild_jobs_completed_total",
				Help: "Total rebuild jobs completed successfully, by nexus and child",
			},
			[]string{"nexus", "child"},
		),
		jobsFailed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "nexus_rebuild_jobs_failed_total",
				Help: "Total rebuild jobs that failed or were cancelled, by nexus and child",
			},
			[]string{"nexus", "child"},
		),
	}
}

// SetTotals records the total and recovered block counts for a rebuild job.
func (m *RebuildMetrics) SetTotals(nexus, child string, total, recovered uint64) {
	if m == nil {
		return
	}
	m.blocksTotal.WithLabelValues(nexus, child).Set(float64(total))
	m.blocksRecovered.WithLabelValues(nexus, child).Set(float64(recovered))
	if total > 0 {
		m.progress.WithLabelValues(nexus, child).Set(float64(recovered) / float64(total) * 100)
	}
}

// ObserveSegmentCopy records the duration of one segment copy.
func (m *RebuildMetrics) ObserveSegmentCopy(nexus, child string, seconds float64) {
	if m == nil {
		return
	}
	m.throughput.WithLabelValues(nexus, child).Observe(seconds)
}

// JobStarted increments the started-jobs counter.
func (m *RebuildMetrics) JobStarted(nexus, child string) {
	if m == nil {
		return
	}
	m.jobsStarted.WithLabelValues(nexus, child).Inc()
}

// JobCompleted increments the completed-jobs counter.
func (m *RebuildMetrics) JobCompleted(nexus, child string) {
	if m == nil {
		return
	}
	m.jobsCompleted.WithLabelValues(nexus, child).Inc()
}

// JobFailed increments the failed-jobs counter.
func (m *RebuildMetrics) JobFailed(nexus, child string) {
	if m == nil {
		return
	}
	m.jobsFailed.WithLabelValues(nexus, child).Inc()
}
