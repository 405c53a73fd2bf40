package job

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"contentsync/internal/model"
)

// Metrics are the job and stage counters exposed on /metrics.
type Metrics struct {
	jobsTotal     *prometheus.CounterVec
	jobsRunning   prometheus.Gauge
	stageItems    *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
}

// NewMetrics registers the job metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		jobsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contentsync_jobs_total",
			Help: "Finished jobs by final state",
		}, []string{"state"}),
		jobsRunning: f.NewGauge(prometheus.GaugeOpts{
			Name: "contentsync_jobs_running",
			Help: "Jobs currently running or paused in this process",
		}),
		stageItems: f.NewCounterVec(prometheus.CounterOpts{
			Name: "contentsync_stage_items_total",
			Help: "Items handled by pipeline stages by outcome",
		}, []string{"stage", "outcome"}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "contentsync_stage_duration_seconds",
			Help:    "Duration of pipeline stages",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"stage"}),
	}
}

func (m *Metrics) jobStarted() {
	if m != nil {
		m.jobsRunning.Inc()
	}
}

func (m *Metrics) jobFinished(s State) {
	if m != nil {
		m.jobsRunning.Dec()
		m.jobsTotal.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) stageFinished(r model.StageResult, d time.Duration) {
	if m == nil {
		return
	}
	m.stageItems.WithLabelValues(r.Stage, "processed").Add(float64(r.Processed))
	m.stageItems.WithLabelValues(r.Stage, "skipped").Add(float64(r.Skipped))
	m.stageItems.WithLabelValues(r.Stage, "failed").Add(float64(r.Failed))
	m.stageDuration.WithLabelValues(r.Stage).Observe(d.Seconds())
}
