package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional Prometheus surface for a Scheduler: rounds
// completed, requests issued, round errors, and a ToF histogram. A nil
// *Metrics (the default) disables collection entirely; SetMetrics attaches
// one built against a caller-supplied registry.
type Metrics struct {
	roundsCompleted prometheus.Counter
	requestsIssued  prometheus.Counter
	errors          prometheus.Counter
	tof             prometheus.Histogram
}

// NewMetrics registers scheduler metrics with reg and returns the handle to
// pass to Scheduler.SetMetrics. reg is typically a *prometheus.Registry
// dedicated to this process, or prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		roundsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dw1000",
			Subsystem: "scheduler",
			Name:      "rounds_completed_total",
			Help:      "Ranging rounds whose index lists have been swapped and dispatched.",
		}),
		requestsIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dw1000",
			Subsystem: "scheduler",
			Name:      "requests_issued_total",
			Help:      "Ranging requests issued by the periodic tick.",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dw1000",
			Subsystem: "scheduler",
			Name:      "round_errors_total",
			Help:      "RX timeout, RX error, or TX error events observed by the scheduler.",
		}),
		tof: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dw1000",
			Subsystem: "scheduler",
			Name:      "time_of_flight_ticks",
			Help:      "Time-of-flight of completed exchanges, in device ticks.",
			Buckets:   prometheus.ExponentialBuckets(100, 2, 12),
		}),
	}
	reg.MustRegister(m.roundsCompleted, m.requestsIssued, m.errors, m.tof)
	return m
}

func (m *Metrics) observeToF(tof float64) {
	if tof < 0 {
		return
	}
	m.tof.Observe(tof)
}
