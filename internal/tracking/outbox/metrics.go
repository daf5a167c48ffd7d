package outbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the outbox relay. A nil *Metrics records nothing.
type Metrics struct {
	Delivered *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Lag       prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		Delivered: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_outbox_delivered_total",
			Help: "Outbox entries delivered, by aggregate type",
		}, []string{"aggregate_type"}),
		Failed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "storeops_outbox_failed_total",
			Help: "Outbox deliveries that failed and will be retried, by aggregate type",
		}, []string{"aggregate_type"}),
		Lag: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "storeops_outbox_lag_seconds",
			Help:    "Time between a write committing and its outbox entry being delivered",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
}

func (m *Metrics) IncDelivered(aggregateType string) {
	if m == nil {
		return
	}
	m.Delivered.WithLabelValues(aggregateType).Inc()
}

func (m *Metrics) IncFailed(aggregateType string) {
	if m == nil {
		return
	}
	m.Failed.WithLabelValues(aggregateType).Inc()
}

func (m *Metrics) ObserveLag(d time.Duration) {
	if m == nil {
		return
	}
	m.Lag.Observe(d.Seconds())
}
