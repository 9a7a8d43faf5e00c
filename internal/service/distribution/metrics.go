package distribution

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Galaxerum/dif-bot/internal/allocation"
)

var runBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30}

// Metrics holds distribution collectors.
type Metrics struct {
	placements   *prometheus.CounterVec
	conflictTags prometheus.Counter
	runs         *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

// NewMetrics registers distribution collectors on reg, reusing collectors
// that are already registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "difbot",
			Subsystem: "distribution",
			Name:      "placements_total",
			Help:      "Participants placed, by priority rule",
		}, []string{"rule"}),
		conflictTags: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "difbot",
			Subsystem: "distribution",
			Name:      "conflict_tags_total",
			Help:      "Tags shared with a team at placement time",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "difbot",
			Subsystem: "distribution",
			Name:      "runs_total",
			Help:      "Distribution operations by kind and outcome",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "difbot",
			Subsystem: "distribution",
			Name:      "run_duration_seconds",
			Help:      "Duration of distribution operations",
			Buckets:   runBuckets,
		}, []string{"kind"}),
	}

	if err := reg.Register(m.placements); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.placements = existing
			}
		}
	}
	if err := reg.Register(m.conflictTags); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				m.conflictTags = existing
			}
		}
	}
	if err := reg.Register(m.runs); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				m.runs = existing
			}
		}
	}
	if err := reg.Register(m.duration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				m.duration = existing
			}
		}
	}
	return m
}

func (m *Metrics) recordPlacement(rule allocation.Rule, conflicts int) {
	if m == nil {
		return
	}
	m.placements.With(prometheus.Labels{"rule": rule.String()}).Inc()
	if conflicts > 0 {
		m.conflictTags.Add(float64(conflicts))
	}
}

func (m *Metrics) recordRun(kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.runs.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
	m.duration.With(prometheus.Labels{"kind": kind}).Observe(elapsed.Seconds())
}
