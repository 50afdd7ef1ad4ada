package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Task outcomes recorded by Metrics.
const (
	OutcomeDone           = "done"
	OutcomeRetry          = "retry"
	OutcomeError          = "error"
	OutcomeMalformed      = "malformed"
	OutcomeLeaseLost      = "lease_lost"
	OutcomeFinalizeFailed = "finalize_failed"
	OutcomeInterrupted    = "interrupted"
)

// Metrics captures worker loop health. A nil *Metrics records nothing.
type Metrics struct {
	claimed   prometheus.Counter
	reclaimed prometheus.Counter
	outcomes  *prometheus.CounterVec
	duration  prometheus.Histogram
	pollErrs  *prometheus.CounterVec
}

// NewMetrics registers the worker collectors with registerer, or with the
// default registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receiptq",
			Subsystem: "worker",
			Name:      "tasks_claimed_total",
			Help:      "Tasks claimed from the queue.",
		}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "receiptq",
			Subsystem: "worker",
			Name:      "tasks_reclaimed_total",
			Help:      "Tasks returned to the queue after their lease expired.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receiptq",
			Subsystem: "worker",
			Name:      "task_outcomes_total",
			Help:      "Finalize outcomes of executed tasks.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "receiptq",
			Subsystem: "worker",
			Name:      "task_duration_seconds",
			Help:      "Wall time spent executing one task.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
		}),
		pollErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "receiptq",
			Subsystem: "worker",
			Name:      "poll_errors_total",
			Help:      "Store errors during reclaim or claim.",
		}, []string{"stage"}),
	}
	registerer.MustRegister(m.claimed, m.reclaimed, m.outcomes, m.duration, m.pollErrs)
	return m
}

func (m *Metrics) incClaimed() {
	if m == nil {
		return
	}
	m.claimed.Inc()
}

func (m *Metrics) addReclaimed(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.reclaimed.Add(float64(n))
}

func (m *Metrics) outcome(o string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(o).Inc()
}

func (m *Metrics) observeDuration(seconds float64) {
	if m == nil {
		return
	}
	m.duration.Observe(seconds)
}

func (m *Metrics) pollError(stage string) {
	if m == nil {
		return
	}
	m.pollErrs.WithLabelValues(stage).Inc()
}
