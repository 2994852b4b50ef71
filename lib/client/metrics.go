package client

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songyanbo/http-client/lib/metrics"
)

// Metrics tracks dispatched requests.
type Metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inflight prometheus.Gauge
}

// NewMetrics constructs and registers dispatcher metrics with the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "client",
				Name:      "requests_total",
				Help:      "Dispatched requests by method and outcome.",
			},
			[]string{"method", "result"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "client",
				Name:      "request_duration_seconds",
				Help:      "End-to-end request latency including the pool borrow.",
				Buckets:   metrics.DefaultLatencyBuckets,
			},
			[]string{"method"},
		),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "client",
				Name:      "inflight_requests",
				Help:      "Requests currently being dispatched.",
			},
		),
	}
	reg.MustRegister(m.requests, m.duration, m.inflight)
	return m
}

func (m *Metrics) begin() {
	if m == nil {
		return
	}
	m.inflight.Inc()
}

func (m *Metrics) observe(method, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.inflight.Dec()
	m.requests.WithLabelValues(method, result).Inc()
	m.duration.WithLabelValues(method).Observe(d.Seconds())
}
