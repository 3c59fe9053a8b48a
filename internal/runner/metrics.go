package runner

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jobwatch-dev/jobwatch/internal/store"
)

// Metrics exposes runner counters. A nil *Metrics is a no-op so callers can
// run without a registry.
type Metrics struct {
	started   prometheus.Counter
	completed *prometheus.CounterVec
	running   prometheus.Gauge
}

// NewMetrics registers the runner collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobwatch_jobs_started_total",
			Help: "Jobs accepted and launched.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_jobs_completed_total",
			Help: "Jobs finished, by final status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jobwatch_jobs_running",
			Help: "Jobs currently executing.",
		}),
	}
	for _, c := range []prometheus.Collector{m.started, m.completed, m.running} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) observeStart() {
	if m == nil {
		return
	}
	m.started.Inc()
	m.running.Inc()
}

func (m *Metrics) observeComplete(status store.RunStatus) {
	if m == nil {
		return
	}
	m.running.Dec()
	m.completed.WithLabelValues(string(status)).Inc()
}
