// Package metrics wires the client's Prometheus instrumentation: a shared
// registry, the default latency buckets and the /metrics HTTP endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric the client exports.
const Namespace = "httpool"

// DefaultLatencyBuckets are histogram buckets in seconds for request and
// borrow latencies.
var DefaultLatencyBuckets = []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Registry holds the client's collectors.
type Registry struct {
	*prometheus.Registry
	startTime prometheus.Gauge
}

// NewRegistry creates a registry preloaded with Go runtime and process
// collectors and a start time gauge.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	start := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      "start_time_seconds",
		Help:      "Unix timestamp when the client started.",
	})
	reg.MustRegister(start)
	return &Registry{Registry: reg, startTime: start}
}

// RecordStartTime records the current time as the start time.
func (r *Registry) RecordStartTime() {
	r.startTime.Set(float64(time.Now().Unix()))
}

// Handler returns an http.Handler that exposes the registry's metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Registry, promhttp.HandlerOpts{Registry: r.Registry})
}

// Serve exposes the registry at /metrics on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
