package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the HTTP-level Prometheus metrics of the API.
type Metrics struct {
	RequestDuration *prometheus.HistogramVec
	OpenStreams     prometheus.Gauge
}

// New creates and registers the HTTP metrics.
func New() *Metrics {
	return &Metrics{
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storeops_http_request_duration_seconds",
			Help:    "HTTP request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		OpenStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "storeops_http_open_streams",
			Help: "Server-sent event streams currently open",
		}),
	}
}

// ObserveRequest implements request.LatencyObserver.
func (m *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// AddStreams moves the open stream gauge by delta.
func (m *Metrics) AddStreams(delta float64) {
	if m == nil {
		return
	}
	m.OpenStreams.Add(delta)
}
