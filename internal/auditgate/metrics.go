package auditgate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels the result of a transition request.
type Outcome string

const (
	OutcomeRequested  Outcome = "requested"
	OutcomeConfirmed  Outcome = "confirmed"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeNoop       Outcome = "noop"
)

// Metrics for the audit gate. A nil *Metrics records nothing.
type Metrics struct {
	Transitions            *prometheus.CounterVec
	RequestRatio           prometheus.Histogram
	HistoryRefreshFailures prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_audit_transitions_total",
			Help: "Audit transition requests by target state and outcome",
		}, []string{"target", "outcome"}),
		RequestRatio: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "storeops_audit_request_completion_ratio",
			Help:    "Completion ratio of records at the time an audit was requested",
			Buckets: []float64{0, 0.01, 0.05, 0.1, 0.25, 0.5, 0.75, 1},
		}),
		HistoryRefreshFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "storeops_audit_history_refresh_failures_total",
			Help: "Best-effort audit history refreshes that failed",
		}),
	}
}

func (m *Metrics) IncOutcome(target string, outcome Outcome) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(target, string(outcome)).Inc()
}

func (m *Metrics) ObserveRatio(ratio float64) {
	if m == nil {
		return
	}
	m.RequestRatio.Observe(ratio)
}

func (m *Metrics) IncHistoryRefreshFailure() {
	if m == nil {
		return
	}
	m.HistoryRefreshFailures.Inc()
}
