package resilience

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/songyanbo/http-client/lib/metrics"
)

// Metrics exports circuit breaker state for Prometheus.
type Metrics struct {
	state      *prometheus.GaugeVec
	trips      *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// NewMetrics constructs and registers breaker metrics with the provided registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "breaker",
				Name:      "state",
				Help:      "Current state of the circuit breaker (0=closed, 1=open, 2=half-open).",
			},
			[]string{"endpoint"},
		),
		trips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "breaker",
				Name:      "trips_total",
				Help:      "Number of times a circuit has opened.",
			},
			[]string{"endpoint"},
		),
		rejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "breaker",
				Name:      "rejections_total",
				Help:      "Connects rejected by an open circuit.",
			},
			[]string{"endpoint"},
		),
	}
	reg.MustRegister(m.state, m.trips, m.rejections)
	return m
}

// observeTransition is a state change callback that updates metrics.
func (m *Metrics) observeTransition(name string, _, to CircuitState) {
	if m == nil {
		return
	}
	m.state.WithLabelValues(name).Set(float64(to))
	if to == CircuitOpen {
		m.trips.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) observeRejection(name string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(name).Inc()
}
