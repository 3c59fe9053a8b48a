package progress

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors updated by watchers. A nil *Metrics is valid
// and records nothing, so wiring metrics stays optional.
type Metrics struct {
	updates *prometheus.CounterVec
	flushes prometheus.Counter
	evicted prometheus.Counter
	rebinds prometheus.Counter
}

// NewMetrics registers the watcher collectors against the provided registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jobwatch_progress_updates_total",
			Help: "Raw update payloads merged, partitioned by carried field.",
		}, []string{"field"}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobwatch_progress_flushes_total",
			Help: "Throttled flushes committed to display state.",
		}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobwatch_progress_lines_evicted_total",
			Help: "Detail-log lines evicted by the retention cap.",
		}),
		rebinds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jobwatch_progress_rebinds_total",
			Help: "Watcher rebinds, each of which resets accumulated state.",
		}),
	}
	for _, collector := range []prometheus.Collector{
		m.updates,
		m.flushes,
		m.evicted,
		m.rebinds,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observeIngest(u Update) {
	if m == nil {
		return
	}
	if u.Progress != nil {
		m.updates.WithLabelValues("progress").Inc()
	}
	if u.ProgressInc != nil {
		m.updates.WithLabelValues("progress_inc").Inc()
	}
	if u.Total != nil {
		m.updates.WithLabelValues("total").Inc()
	}
	if u.Detail != nil {
		m.updates.WithLabelValues("detail").Inc()
	}
}

func (m *Metrics) observeFlush() {
	if m == nil {
		return
	}
	m.flushes.Inc()
}

func (m *Metrics) observeEvicted(n int) {
	if m == nil {
		return
	}
	m.evicted.Add(float64(n))
}

func (m *Metrics) observeRebind() {
	if m == nil {
		return
	}
	m.rebinds.Inc()
}
