// httpool sends HTTP(S) requests over the pooled client.
//
// It exercises the same stack an embedding program would use: configuration
// from a TOML or YAML file, a keyed connection pool, and the request
// dispatcher, optionally routing .i2p hosts through a SAM bridge.
//
// Usage:
//
//	httpool get <url> [flags]      Send one request and print the response
//	httpool bench <url> [flags]    Send many requests and report latencies
//	httpool version                Print version information
//
// Global flags:
//
//	--config string
//	    Path to configuration file (default "~/.httpool/config.toml")
//	-v, --verbose
//	    Enable debug logging
//	--no-color
//	    Disable colored output
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/songyanbo/http-client/lib/core"
	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitFailure      = 1
	ExitConfigError  = 3
	ExitNetworkError = 4
	ExitUsageError   = 64
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(execute(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// globalOptions are the flags shared by every subcommand.
type globalOptions struct {
	configPath  string
	verbose     bool
	noColor     bool
	compression string
	caFile      string
	insecure    bool
	handshakeMs int
	maxPerKey   int
	sam         string
}

// usageError marks errors caused by bad command-line input.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func execute(ctx context.Context, args []string, out, errOut io.Writer) int {
	root := newRootCmd(out, errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return ExitSuccess
	}

	red := color.New(color.FgRed).SprintFunc()
	fmt.Fprintf(errOut, "%s %v\n", red("error:"), err)
	return exitCode(err)
}

func exitCode(err error) int {
	var uerr usageError
	switch {
	case errors.As(err, &uerr):
		return ExitUsageError
	case apperrors.IsConfiguration(err):
		return ExitConfigError
	case apperrors.IsConnect(err), apperrors.IsHandshake(err),
		apperrors.IsPoolTimeout(err), apperrors.IsRequestTimeout(err):
		return ExitNetworkError
	default:
		return ExitFailure
	}
}

func defaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".httpool", "config.toml")
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "httpool",
		Short: "Pooled HTTP(S) client",
		Long: `httpool sends HTTP/1.1 requests over a bounded pool of reusable
TCP and TLS connections, one pool partition per scheme, host and port.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.noColor {
				color.NoColor = true
			}
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", defaultConfigPath(), "path to configuration file (.toml, .yaml)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	pf.BoolVar(&opts.noColor, "no-color", false, "disable colored output")
	pf.StringVar(&opts.compression, "compression", "", "accepted encoding: any, identity, gzip or deflate")
	pf.StringVar(&opts.caFile, "ca-file", "", "PEM bundle of trusted CA certificates")
	pf.BoolVar(&opts.insecure, "insecure", false, "skip TLS certificate verification")
	pf.IntVar(&opts.handshakeMs, "handshake-timeout-ms", 0, "TLS handshake timeout in milliseconds (0 disables)")
	pf.IntVar(&opts.maxPerKey, "max-per-host", 0, "maximum connections per endpoint")
	pf.StringVar(&opts.sam, "sam", "", "SAM bridge address; enables .i2p hosts")

	root.AddCommand(newGetCmd(opts))
	root.AddCommand(newBenchCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command, opts *globalOptions) (*core.Config, error) {
	cfg, err := core.LoadConfig(opts.configPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, "loading "+opts.configPath, err)
	}

	flags := cmd.Flags()
	if flags.Changed("compression") {
		cfg.Client.Compression = opts.compression
	}
	if flags.Changed("ca-file") {
		cfg.TLS.CAFile = opts.caFile
	}
	if flags.Changed("insecure") {
		cfg.TLS.InsecureSkipVerify = opts.insecure
	}
	if flags.Changed("handshake-timeout-ms") {
		cfg.TLS.HandshakeTimeoutMs = opts.handshakeMs
	}
	if flags.Changed("max-per-host") {
		cfg.Pool.MaxPerKey = opts.maxPerKey
	}
	if flags.Changed("sam") {
		cfg.I2P.Enabled = true
		cfg.I2P.SAMAddress = opts.sam
	}
	if opts.verbose {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, usageError{err}
	}
	return cfg, nil
}

// startClient builds and starts a client for cfg. The caller stops it.
func startClient(ctx context.Context, cfg *core.Config, errOut io.Writer) (*core.Client, error) {
	logger, err := core.NewLogger(cfg.Log)
	if err != nil {
		return nil, usageError{err}
	}
	logger.SetOutput(errOut)

	c, err := core.NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// stopClient stops c within its configured shutdown timeout.
func stopClient(c *core.Client) error {
	timeout := c.Config().Client.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = core.DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.Stop(ctx); err != nil && !apperrors.IsInvalidState(err) {
		return fmt.Errorf("stopping client: %w", err)
	}
	return nil
}
