package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/fatih/color"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/songyanbo/http-client/lib/client"
	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// Histogram bounds in microseconds: 1us to 60s.
const (
	minLatencyUs = 1
	maxLatencyUs = 60_000_000
)

type benchOptions struct {
	requests      int
	concurrency   int
	method        string
	metricsListen string
}

func newBenchCmd(global *globalOptions) *cobra.Command {
	opts := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench <url>",
		Short: "Send many requests and report latencies",
		Long: `Send a fixed number of requests from concurrent workers sharing one
connection pool, then report throughput, latency percentiles and pool reuse.

Examples:
  # 1000 requests from 20 workers
  httpool bench http://localhost:8080/health -n 1000 -c 20

  # Expose Prometheus metrics while the run is in progress
  httpool bench http://localhost:8080/ -n 100000 --metrics-listen 127.0.0.1:9464`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd, global, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.IntVarP(&opts.requests, "requests", "n", 100, "total number of requests")
	f.IntVarP(&opts.concurrency, "concurrency", "c", 10, "number of concurrent workers")
	f.StringVarP(&opts.method, "method", "X", "GET", "request method")
	f.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address during the run")
	return cmd
}

// benchResult aggregates the outcome of a run.
type benchResult struct {
	mu        sync.Mutex
	histogram *hdrhistogram.Histogram
	errors    map[string]int

	success atomic.Int64
	failed  atomic.Int64
	bytes   atomic.Int64

	elapsed time.Duration
}

func newBenchResult() *benchResult {
	return &benchResult{
		histogram: hdrhistogram.New(minLatencyUs, maxLatencyUs, 3),
		errors:    make(map[string]int),
	}
}

func (r *benchResult) record(d time.Duration, n int64, err error) {
	if err != nil {
		r.failed.Add(1)
		r.mu.Lock()
		r.errors[apperrors.Kind(err)]++
		r.mu.Unlock()
		return
	}
	r.success.Add(1)
	r.bytes.Add(n)

	us := d.Microseconds()
	if us < minLatencyUs {
		us = minLatencyUs
	}
	if us > maxLatencyUs {
		us = maxLatencyUs
	}
	r.mu.Lock()
	_ = r.histogram.RecordValue(us)
	r.mu.Unlock()
}

func (r *benchResult) percentile(q float64) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Duration(r.histogram.ValueAtQuantile(q)) * time.Microsecond
}

func runBench(cmd *cobra.Command, global *globalOptions, opts *benchOptions, rawURL string) error {
	if opts.requests < 1 {
		return usageError{fmt.Errorf("--requests must be at least 1, got %d", opts.requests)}
	}
	if opts.concurrency < 1 {
		return usageError{fmt.Errorf("--concurrency must be at least 1, got %d", opts.concurrency)}
	}

	cfg, err := loadConfig(cmd, global)
	if err != nil {
		return err
	}
	if opts.metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = opts.metricsListen
	}
	req, err := client.NewRequest(opts.method, rawURL, nil)
	if err != nil {
		return usageError{err}
	}

	c, err := startClient(cmd.Context(), cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = stopClient(c) }()

	d, err := c.Dispatcher()
	if err != nil {
		return err
	}

	res := benchRun(cmd.Context(), d, req, opts)
	printBenchReport(cmd.OutOrStdout(), res, opts)
	fmt.Fprintf(cmd.OutOrStdout(), "Pool:        %s\n", c.PoolStats())

	if res.success.Load() == 0 {
		return fmt.Errorf("all %d requests failed", res.failed.Load())
	}
	return nil
}

// benchRun sends opts.requests copies of req through d using
// opts.concurrency workers. It stops early when ctx is cancelled.
func benchRun(ctx context.Context, d *client.Dispatcher, req *client.Request, opts *benchOptions) *benchResult {
	res := newBenchResult()
	workers := pool.New().WithMaxGoroutines(opts.concurrency)

	start := time.Now()
	for i := 0; i < opts.requests; i++ {
		if ctx.Err() != nil {
			break
		}
		workers.Go(func() {
			t0 := time.Now()
			n, err := client.Dispatch(ctx, d, req, client.StreamConsumer(io.Discard)).Await(ctx)
			res.record(time.Since(t0), n, err)
		})
	}
	workers.Wait()
	res.elapsed = time.Since(start)
	return res
}

func printBenchReport(w io.Writer, res *benchResult, opts *benchOptions) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	success, failed := res.success.Load(), res.failed.Load()
	total := success + failed
	rps := 0.0
	if res.elapsed > 0 {
		rps = float64(total) / res.elapsed.Seconds()
	}

	fmt.Fprintln(w, bold("Summary"))
	fmt.Fprintf(w, "Requests:    %d (%s, %s) with %d workers\n",
		total, green(fmt.Sprintf("%d ok", success)), red(fmt.Sprintf("%d failed", failed)), opts.concurrency)
	fmt.Fprintf(w, "Duration:    %s\n", res.elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "Throughput:  %.1f req/s, %d bytes\n", rps, res.bytes.Load())

	if success > 0 {
		fmt.Fprintln(w, bold("Latency"))
		for _, q := range []float64{50, 90, 99, 100} {
			label := fmt.Sprintf("p%g", q)
			if q == 100 {
				label = "max"
			}
			fmt.Fprintf(w, "  %-4s %s\n", label, res.percentile(q))
		}
	}

	if len(res.errors) > 0 {
		fmt.Fprintln(w, bold("Errors"))
		kinds := make([]string, 0, len(res.errors))
		for k := range res.errors {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-18s %d\n", k, res.errors[k])
		}
	}
}
