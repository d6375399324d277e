package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the stage metrics of a runner.
type Metrics struct {
	stageDuration *prometheus.HistogramVec
	stageRuns     *prometheus.CounterVec
}

// NewMetrics registers the stage metrics on reg. A nil reg gets a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "recon",
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stage runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 4 * 3600},
			},
			[]string{"stage"},
		),
		stageRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "recon",
				Name:      "stage_runs_total",
				Help:      "Pipeline stage runs by outcome",
			},
			[]string{"stage", "status"},
		),
	}
}

// skipped labels runs that reused a committed artifact.
const skipped = "skipped"

func (m *Metrics) observe(stage, status string, took time.Duration) {
	if status != skipped {
		m.stageDuration.WithLabelValues(stage).Observe(took.Seconds())
	}
	m.stageRuns.WithLabelValues(stage, status).Inc()
}
