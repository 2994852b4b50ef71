// Package core wires the pooled HTTP client together: configuration, the
// TLS trust store, logging, and the Client lifecycle that owns the
// connection factory, the keyed pool and the request dispatcher.
package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/songyanbo/http-client/lib/client"
)

// Default configuration values
const (
	DefaultMaxPerKey          = 10
	DefaultBorrowTimeout      = 30 * time.Second
	DefaultMaxIdleTime        = 10 * time.Minute
	DefaultHealthInterval     = time.Minute
	DefaultHandshakeTimeoutMs = 10000
	DefaultShutdownTimeout    = 10 * time.Second
	DefaultSAMAddress         = "127.0.0.1:7656"
	DefaultTunnelName         = "httpool"
	DefaultTunnelLength       = 2
	DefaultMetricsListen      = "127.0.0.1:9464"
	DefaultFailureThreshold   = 5
	DefaultBreakerCooldown    = 30 * time.Second
)

// Duration is a time.Duration that reads and writes as text such as "10s".
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// Config holds all configuration for a Client.
type Config struct {
	Client    ClientConfig    `toml:"client" yaml:"client"`
	Pool      PoolConfig      `toml:"pool" yaml:"pool"`
	TLS       TLSOptions      `toml:"tls" yaml:"tls"`
	Connect   ConnectConfig   `toml:"connect" yaml:"connect"`
	RateLimit RateLimitConfig `toml:"ratelimit" yaml:"ratelimit"`
	Breaker   BreakerConfig   `toml:"breaker" yaml:"breaker"`
	I2P       I2PConfig       `toml:"i2p" yaml:"i2p"`
	Metrics   MetricsConfig   `toml:"metrics" yaml:"metrics"`
	Log       LogConfig       `toml:"log" yaml:"log"`
}

// ClientConfig contains request dispatch settings.
type ClientConfig struct {
	// Compression is one of any, identity, gzip or deflate
	Compression string `toml:"compression" yaml:"compression"`
	// RequestTimeout bounds a request once it holds a connection; 0 disables it
	RequestTimeout Duration `toml:"request_timeout" yaml:"request_timeout"`
	// ReadTimeout bounds each read or write on the connection; 0 disables it
	ReadTimeout Duration `toml:"read_timeout" yaml:"read_timeout"`
	// UserAgent is sent when a request sets none
	UserAgent string `toml:"user_agent,omitempty" yaml:"user_agent,omitempty"`
	// ShutdownTimeout bounds how long Stop waits for in-flight requests
	ShutdownTimeout Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// PoolConfig contains connection pool settings.
type PoolConfig struct {
	// MaxPerKey bounds borrowed plus in-creation connections per endpoint
	MaxPerKey int `toml:"max_per_key" yaml:"max_per_key"`
	// BorrowTimeout bounds a borrow when the caller sets no deadline
	BorrowTimeout Duration `toml:"borrow_timeout" yaml:"borrow_timeout"`
	// MaxIdleTime is how long an idle connection is kept for reuse
	MaxIdleTime Duration `toml:"max_idle_time" yaml:"max_idle_time"`
	// HealthCheckInterval is how often idle connections are validated; 0 disables it
	HealthCheckInterval Duration `toml:"health_check_interval" yaml:"health_check_interval"`
}

// TLSOptions contains the client TLS context settings.
type TLSOptions struct {
	// Enabled controls whether https endpoints are accepted at all
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// HandshakeTimeoutMs bounds the TLS handshake; 0 disables the timer
	HandshakeTimeoutMs int `toml:"handshake_timeout_ms" yaml:"handshake_timeout_ms"`
	// CAFile is a PEM bundle of trusted roots; empty uses the system pool
	CAFile string `toml:"ca_file,omitempty" yaml:"ca_file,omitempty"`
	// InsecureSkipVerify disables certificate verification
	InsecureSkipVerify bool `toml:"insecure_skip_verify" yaml:"insecure_skip_verify"`
}

// ConnectConfig contains TCP connect settings.
type ConnectConfig struct {
	// Timeout bounds the TCP connect; 0 leaves it to the operating system
	Timeout Duration `toml:"timeout" yaml:"timeout"`
}

// RateLimitConfig contains per-endpoint request pacing.
type RateLimitConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// PerSecond is the sustained request rate per endpoint
	PerSecond float64 `toml:"per_second" yaml:"per_second"`
	// Burst is the number of requests allowed at once
	Burst int `toml:"burst" yaml:"burst"`
}

// BreakerConfig contains per-endpoint circuit breaker settings.
type BreakerConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// FailureThreshold is the number of consecutive connect failures that opens the circuit
	FailureThreshold int `toml:"failure_threshold" yaml:"failure_threshold"`
	// SuccessThreshold is the number of half-open successes that closes it again
	SuccessThreshold int `toml:"success_threshold" yaml:"success_threshold"`
	// Cooldown is how long an open circuit rejects connects
	Cooldown Duration `toml:"cooldown" yaml:"cooldown"`
}

// I2PConfig contains I2P dialing settings.
type I2PConfig struct {
	// Enabled routes .i2p hosts through the SAM bridge
	Enabled bool `toml:"enabled" yaml:"enabled"`
	// SAMAddress is the SAM bridge address (host:port)
	SAMAddress string `toml:"sam_address" yaml:"sam_address"`
	// TunnelName names the I2P streaming session
	TunnelName string `toml:"tunnel_name" yaml:"tunnel_name"`
	// TunnelLength is the number of hops for I2P tunnels (lower = faster, less anonymous)
	TunnelLength int `toml:"tunnel_length" yaml:"tunnel_length"`
	// HealthInterval is how often the SAM bridge is probed
	HealthInterval Duration `toml:"health_interval" yaml:"health_interval"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Listen  string `toml:"listen" yaml:"listen"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	// Level is a logrus level name such as info or debug
	Level string `toml:"level" yaml:"level"`
	// Format is text or json
	Format string `toml:"format" yaml:"format"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			Compression:     "any",
			ShutdownTimeout: Duration(DefaultShutdownTimeout),
		},
		Pool: PoolConfig{
			MaxPerKey:           DefaultMaxPerKey,
			BorrowTimeout:       Duration(DefaultBorrowTimeout),
			MaxIdleTime:         Duration(DefaultMaxIdleTime),
			HealthCheckInterval: Duration(DefaultHealthInterval),
		},
		TLS: TLSOptions{
			Enabled:            true,
			HandshakeTimeoutMs: DefaultHandshakeTimeoutMs,
		},
		RateLimit: RateLimitConfig{
			PerSecond: 100,
			Burst:     100,
		},
		Breaker: BreakerConfig{
			FailureThreshold: DefaultFailureThreshold,
			SuccessThreshold: 1,
			Cooldown:         Duration(DefaultBreakerCooldown),
		},
		I2P: I2PConfig{
			SAMAddress:     DefaultSAMAddress,
			TunnelName:     DefaultTunnelName,
			TunnelLength:   DefaultTunnelLength,
			HealthInterval: Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{
			Listen: DefaultMetricsListen,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadConfig reads configuration from a TOML file, or a YAML file when the
// path ends in .yaml or .yml. If the file doesn't exist, it returns the
// default configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = toml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// SaveConfig writes the configuration in the format selected by the file
// extension. It creates the parent directory if it doesn't exist.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = toml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if _, err := client.ParseCompression(c.Client.Compression); err != nil {
		return fmt.Errorf("client.compression: %w", err)
	}
	if c.Client.RequestTimeout < 0 || c.Client.ReadTimeout < 0 {
		return errors.New("client timeouts must not be negative")
	}
	if c.Pool.MaxPerKey < 1 {
		return errors.New("pool.max_per_key must be at least 1")
	}
	if c.Pool.BorrowTimeout < 0 {
		return errors.New("pool.borrow_timeout must not be negative")
	}
	if c.Connect.Timeout < 0 {
		return errors.New("connect.timeout must not be negative")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.PerSecond <= 0 {
			return errors.New("ratelimit.per_second must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return errors.New("ratelimit.burst must be at least 1")
		}
	}
	if c.Breaker.Enabled {
		if c.Breaker.FailureThreshold < 1 || c.Breaker.SuccessThreshold < 1 {
			return errors.New("breaker thresholds must be at least 1")
		}
		if c.Breaker.Cooldown <= 0 {
			return errors.New("breaker.cooldown must be positive")
		}
	}
	if c.I2P.Enabled {
		if c.I2P.SAMAddress == "" {
			return errors.New("i2p.sam_address is required")
		}
		if c.I2P.TunnelLength < 0 || c.I2P.TunnelLength > 7 {
			return errors.New("i2p.tunnel_length must be between 0 and 7")
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return errors.New("metrics.listen is required")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// HandshakeTimeout returns the configured handshake timeout. Zero disables
// the handshake timer.
func (c *Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.TLS.HandshakeTimeoutMs) * time.Millisecond
}

// SAMOptions returns the SAM session options for the configured tunnel length.
func (c *Config) SAMOptions() []string {
	n := fmt.Sprint(c.I2P.TunnelLength)
	return []string{
		"inbound.length=" + n,
		"outbound.length=" + n,
	}
}
