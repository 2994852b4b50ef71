package transport

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songyanbo/http-client/lib/metrics"
)

// Metrics tracks connection creation outcomes and handshake latency.
type Metrics struct {
	connects  *prometheus.CounterVec
	handshake prometheus.Histogram
}

// NewMetrics constructs and registers transport metrics with the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "transport",
				Name:      "connects_total",
				Help:      "Connection creation attempts by scheme and outcome.",
			},
			[]string{"scheme", "result"},
		),
		handshake: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "transport",
				Name:      "tls_handshake_seconds",
				Help:      "Duration of successful TLS client handshakes.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),
	}
	reg.MustRegister(m.connects, m.handshake)
	return m
}

func (m *Metrics) observeConnect(scheme, result string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(scheme, result).Inc()
}

func (m *Metrics) observeHandshake(d time.Duration) {
	if m == nil {
		return
	}
	m.handshake.Observe(d.Seconds())
}
