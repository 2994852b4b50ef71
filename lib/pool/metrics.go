package pool

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/songyanbo/http-client/lib/metrics"
)

// Metrics tracks pool utilization per key and borrow outcomes.
type Metrics struct {
	idle       *prometheus.GaugeVec
	inUse      *prometheus.GaugeVec
	creating   *prometheus.GaugeVec
	maxPerKey  prometheus.Gauge
	borrows    *prometheus.CounterVec
	borrowWait prometheus.Histogram
}

// NewMetrics constructs and registers pool metrics with the provided registerer.
func NewMetrics(reg prometheus.Registerer, maxPerKey int) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		idle: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "idle_connections",
				Help:      "Current number of idle connections per endpoint.",
			},
			[]string{"endpoint"},
		),
		inUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "in_use_connections",
				Help:      "Number of connections currently borrowed per endpoint.",
			},
			[]string{"endpoint"},
		),
		creating: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "creating_connections",
				Help:      "Number of connections being established per endpoint.",
			},
			[]string{"endpoint"},
		),
		maxPerKey: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "max_per_endpoint",
				Help:      "Maximum outstanding connections per endpoint.",
			},
		),
		borrows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "borrows_total",
				Help:      "Borrow attempts by outcome.",
			},
			[]string{"result"},
		),
		borrowWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metrics.Namespace,
				Subsystem: "pool",
				Name:      "borrow_duration_seconds",
				Help:      "Time spent borrowing a connection from the pool.",
				Buckets:   metrics.DefaultLatencyBuckets,
			},
		),
	}
	reg.MustRegister(m.idle, m.inUse, m.creating, m.maxPerKey, m.borrows, m.borrowWait)
	m.maxPerKey.Set(float64(maxPerKey))
	return m
}

func (m *Metrics) update(key string, s PartitionStats) {
	if m == nil {
		return
	}
	m.idle.WithLabelValues(key).Set(float64(s.Idle))
	m.inUse.WithLabelValues(key).Set(float64(s.InUse))
	m.creating.WithLabelValues(key).Set(float64(s.Creating))
}

func (m *Metrics) observeBorrow(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.borrows.WithLabelValues(result).Inc()
	m.borrowWait.Observe(d.Seconds())
}

// String renders a short utilization summary, for CLI output.
func (s Stats) String() string {
	return "keys=" + strconv.Itoa(s.Keys) +
		" idle=" + strconv.Itoa(s.NumIdle) +
		" in_use=" + strconv.Itoa(s.NumInUse) +
		" creating=" + strconv.Itoa(s.NumCreating) +
		" borrows=" + strconv.FormatUint(s.BorrowCount, 10) +
		" timeouts=" + strconv.FormatUint(s.BorrowTimeouts, 10) +
		" created=" + strconv.FormatUint(s.CreateCount, 10) +
		" discarded=" + strconv.FormatUint(s.DiscardCount, 10)
}
