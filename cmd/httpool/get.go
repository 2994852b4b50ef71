package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/songyanbo/http-client/lib/client"
	"github.com/songyanbo/http-client/lib/core"
	apperrors "github.com/songyanbo/http-client/lib/errors"
)

type getOptions struct {
	method  string
	headers []string
	data    string
	include bool
	output  string
	retries int
}

// exactArgs is cobra.ExactArgs reporting a usage error.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return usageError{err}
		}
		return nil
	}
}

func newGetCmd(global *globalOptions) *cobra.Command {
	opts := &getOptions{}
	cmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Send one request and print the response",
		Long: `Send one request and print the response body.

Examples:
  # Fetch a page
  httpool get https://example.com/

  # Ask for an uncompressed body and show the response head
  httpool get https://example.com/ --compression identity -i

  # Post JSON, retrying connect failures
  httpool get https://api.example.com/items -X POST -H "Content-Type: application/json" -d '{"id":1}' --retries 3`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, global, opts, args[0])
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.method, "method", "X", http.MethodGet, "request method")
	f.StringArrayVarP(&opts.headers, "header", "H", nil, `request header as "Name: value" (repeatable)`)
	f.StringVarP(&opts.data, "data", "d", "", "request body")
	f.BoolVarP(&opts.include, "include", "i", false, "print the status line and headers")
	f.StringVarP(&opts.output, "output", "o", "", "write the body to a file instead of stdout")
	f.IntVar(&opts.retries, "retries", 0, "retry connect, handshake and pool timeout failures this many times")
	return cmd
}

func buildRequest(opts *getOptions, rawURL string) (*client.Request, error) {
	var body []byte
	if opts.data != "" {
		body = []byte(opts.data)
	}
	req, err := client.NewRequest(strings.ToUpper(opts.method), rawURL, body)
	if err != nil {
		return nil, err
	}
	for _, h := range opts.headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, usageError{fmt.Errorf("malformed header %q, want \"Name: value\"", h)}
		}
		req.SetHeader(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return req, nil
}

// retryable reports whether err happened before the request reached the
// server and may clear up on a second attempt. Certificate and hostname
// failures repeat every time and are not retried.
func retryable(err error) bool {
	return apperrors.IsConnect(err) || apperrors.IsHandshakeTimeout(err) || apperrors.IsPoolTimeout(err)
}

// doWithRetry sends req, retrying retryable failures with exponential backoff.
func doWithRetry(ctx context.Context, d *client.Dispatcher, req *client.Request, retries int) (*client.Response, error) {
	if retries <= 0 {
		return d.Do(ctx, req)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	return backoff.Retry(ctx, func() (*client.Response, error) {
		resp, err := d.Do(ctx, req)
		if err != nil && !retryable(err) {
			return nil, backoff.Permanent(err)
		}
		return resp, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(retries)+1))
}

func runGet(cmd *cobra.Command, global *globalOptions, opts *getOptions, rawURL string) error {
	cfg, err := loadConfig(cmd, global)
	if err != nil {
		return err
	}
	req, err := buildRequest(opts, rawURL)
	if err != nil {
		return err
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
	start := time.Now()
	resp, err := doWithRetry(cmd.Context(), d, req, opts.retries)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)

	out := cmd.OutOrStdout()
	if opts.include {
		printHead(out, resp)
	}

	var dst io.Writer = out
	if opts.output != "" {
		file, err := os.Create(opts.output)
		if err != nil {
			return fmt.Errorf("creating output file: %w", err)
		}
		defer file.Close()
		dst = file
	}
	if _, err := dst.Write(resp.Body); err != nil {
		return fmt.Errorf("writing body: %w", err)
	}

	if global.verbose {
		printSummary(cmd.ErrOrStderr(), resp, elapsed, c)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server responded %s", resp.Status)
	}
	return nil
}

func printHead(w io.Writer, resp *client.Response) {
	statusColor := color.New(color.FgGreen, color.Bold)
	if resp.StatusCode >= 400 {
		statusColor = color.New(color.FgRed, color.Bold)
	} else if resp.StatusCode >= 300 {
		statusColor = color.New(color.FgYellow, color.Bold)
	}
	statusColor.Fprintf(w, "HTTP/1.1 %s\n", resp.Status)

	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	cyan := color.New(color.FgCyan).SprintFunc()
	for _, name := range names {
		for _, v := range resp.Header[name] {
			fmt.Fprintf(w, "%s: %s\n", cyan(name), v)
		}
	}
	fmt.Fprintln(w)
}

func printSummary(w io.Writer, resp *client.Response, elapsed time.Duration, c *core.Client) {
	faint := color.New(color.Faint).SprintFunc()
	fmt.Fprintln(w, faint(fmt.Sprintf("%d bytes in %s; pool %s",
		len(resp.Body), elapsed.Round(time.Microsecond), c.PoolStats())))
}
