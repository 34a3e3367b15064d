package backend

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records per-endpoint request outcomes
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	InFlight        prometheus.Gauge
	CacheLookups    *prometheus.CounterVec
}

// NewMetrics registers the backend collectors on reg. A nil reg uses the
// default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "requests_total",
			Help:      "Total analysis backend requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),

		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "request_duration_seconds",
			Help:      "Analysis backend request latency distribution.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 45},
		}, []string{"endpoint"}),

		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backend",
			Name:      "in_flight_requests",
			Help:      "Current number of in-flight analysis backend requests.",
		}),

		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "diagnosis_cache",
			Name:      "lookups_total",
			Help:      "Diagnosis cache lookups by tier and result.",
		}, []string{"tier", "result"}),
	}
}

func (m *Metrics) observe(endpoint, outcome string, started time.Time) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}

func (m *Metrics) cacheLookup(tier, result string) {
	if m == nil {
		return
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) inFlight(delta float64) {
	if m == nil {
		return
	}
	m.InFlight.Add(delta)
}
