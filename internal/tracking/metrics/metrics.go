package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the sync engine.
type Metrics struct {
	MutationsSubmitted *prometheus.CounterVec
	MutationsFailed    *prometheus.CounterVec
	MutationsRolled    prometheus.Counter
	SubmitLatency      prometheus.Histogram
	PendingMutations   prometheus.Gauge
	RemoteEvents       *prometheus.CounterVec
	Reloads            *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	DegradedSessions   prometheus.Gauge
	DroppedNotices     prometheus.Counter
}

// New creates and registers all sync engine metrics.
func New() *Metrics {
	return &Metrics{
		MutationsSubmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_mutations_submitted_total",
			Help: "Optimistic mutations submitted to the record store, by record kind",
		}, []string{"kind"}),
		MutationsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_mutations_failed_total",
			Help: "Mutations rejected or lost in transport, by failure category",
		}, []string{"category"}),
		MutationsRolled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "storeops_mutations_rolled_back_total",
			Help: "Failed mutations whose optimistic value was reverted in the cache",
		}),
		SubmitLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "storeops_submit_duration_seconds",
			Help:    "Latency of record store patch calls",
			Buckets: prometheus.DefBuckets,
		}),
		PendingMutations: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "storeops_pending_mutations",
			Help: "Mutations currently in flight across all sessions",
		}),
		RemoteEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_remote_events_total",
			Help: "Change events merged by reconciliation listeners, by operation",
		}, []string{"op"}),
		Reloads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_reloads_total",
			Help: "Fallback reloads, by reason",
		}, []string{"reason"}),
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "storeops_sessions_active",
			Help: "Open viewing sessions",
		}),
		DegradedSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "storeops_sessions_degraded",
			Help: "Sessions polling because their change bus is unhealthy",
		}),
		DroppedNotices: promauto.NewCounter(prometheus.CounterOpts{
			Name: "storeops_notifications_dropped_total",
			Help: "Notifications dropped because a watcher fell behind",
		}),
	}
}

func (m *Metrics) IncSubmitted(kind string) {
	if m == nil {
		return
	}
	m.MutationsSubmitted.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncFailed(category string) {
	if m == nil {
		return
	}
	m.MutationsFailed.WithLabelValues(category).Inc()
}

func (m *Metrics) IncRolledBack() {
	if m == nil {
		return
	}
	m.MutationsRolled.Inc()
}

func (m *Metrics) ObserveSubmit(seconds float64) {
	if m == nil {
		return
	}
	m.SubmitLatency.Observe(seconds)
}

func (m *Metrics) AddPending(delta float64) {
	if m == nil {
		return
	}
	m.PendingMutations.Add(delta)
}

func (m *Metrics) IncRemoteEvent(op string) {
	if m == nil {
		return
	}
	m.RemoteEvents.WithLabelValues(op).Inc()
}

func (m *Metrics) IncReload(reason string) {
	if m == nil {
		return
	}
	m.Reloads.WithLabelValues(reason).Inc()
}

func (m *Metrics) AddSessions(delta float64) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(delta)
}

func (m *Metrics) AddDegraded(delta float64) {
	if m == nil {
		return
	}
	m.DegradedSessions.Add(delta)
}

func (m *Metrics) IncDropped() {
	if m == nil {
		return
	}
	m.DroppedNotices.Inc()
}
