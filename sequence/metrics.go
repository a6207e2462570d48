package sequence

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the prometheus collectors updated by a Runner
type Metrics struct {
	runs     *prometheus.CounterVec
	frames   *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates the run collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labseq_runs_total",
			Help: "Runs completed, by overall status.",
		}, []string{"status"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "labseq_frames_total",
			Help: "Planned frames by outcome, captured or lost.",
		}, []string{"camera", "outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "labseq_run_duration_seconds",
			Help:    "Wall time from the start of a run to its report.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	for _, c := range []prometheus.Collector{m.runs, m.frames, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observe(r *Report) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(r.Status.String()).Inc()
	m.duration.Observe(r.Finished.Sub(r.Started).Seconds())
	for _, rep := range r.Repetitions {
		for _, c := range rep.Cameras {
			lost := c.Lost()
			m.frames.WithLabelValues(c.Camera, "captured").Add(float64(len(c.Records) - lost))
			m.frames.WithLabelValues(c.Camera, "lost").Add(float64(lost))
		}
	}
}
