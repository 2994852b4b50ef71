package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/songyanbo/http-client/i2pdial"
	"github.com/songyanbo/http-client/lib/client"
	apperrors "github.com/songyanbo/http-client/lib/errors"
	"github.com/songyanbo/http-client/lib/metrics"
	"github.com/songyanbo/http-client/lib/pool"
	"github.com/songyanbo/http-client/lib/ratelimit"
	"github.com/songyanbo/http-client/lib/resilience"
	"github.com/songyanbo/http-client/lib/transport"
	"github.com/songyanbo/http-client/version"
)

// ClientState represents the current state of the client.
type ClientState int

const (
	// StateInitial is the initial state before Start is called.
	StateInitial ClientState = iota
	// StateStarting means the client is wiring its components.
	StateStarting
	// StateRunning means the client accepts requests.
	StateRunning
	// StateStopping means the client is draining in-flight requests.
	StateStopping
	// StateStopped means the client has been stopped.
	StateStopped
)

func (s ClientState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// components is everything one Start builds and the matching shutdown tears down.
type components struct {
	dialer     *i2pdial.Dialer
	limiter    *ratelimit.Keyed
	breakers   *resilience.Group
	pool       *pool.Pool[string, *transport.Conn]
	dispatcher *client.Dispatcher
}

// Client owns a connection factory, a keyed connection pool and a request
// dispatcher built from a Config, and runs them between Start and Stop.
type Client struct {
	mu       sync.RWMutex
	config   *Config
	log      logrus.FieldLogger
	state    ClientState
	registry *metrics.Registry
	meters   meters

	comp *components

	// cancel is used to signal shutdown to the run loop
	cancel context.CancelFunc
	// done signals that the client has fully stopped
	done chan struct{}

	startedAt time.Time

	onStateChange func(oldState, newState ClientState)
	onError       func(err error, message string)
}

// meters holds the collectors registered once per Client, so a restarted
// client keeps reporting into the same series.
type meters struct {
	transport *transport.Metrics
	pool      *pool.Metrics
	client    *client.Metrics
	breaker   *resilience.Metrics
}

// NewClient creates a new Client with the given configuration.
// The client is not started until Start() is called.
func NewClient(cfg *Config, logger logrus.FieldLogger) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is required", apperrors.ErrClientInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrClientInvalidConfig, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	reg := metrics.NewRegistry()
	return &Client{
		config:   cfg,
		log:      logger.WithField("component", "client"),
		state:    StateInitial,
		registry: reg,
		meters: meters{
			transport: transport.NewMetrics(reg),
			pool:      pool.NewMetrics(reg, cfg.Pool.MaxPerKey),
			client:    client.NewMetrics(reg),
			breaker:   resilience.NewMetrics(reg),
		},
		done: make(chan struct{}),
	}, nil
}

// Start builds the client's components and begins accepting requests.
// No connection is opened until the first request. When metrics are enabled
// the Prometheus endpoint is served until the client stops.
//
// Cancelling ctx stops the client as if Stop had been called.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInitial && c.state != StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot start client in state %s", apperrors.ErrClientInvalidState, c.state)
	}
	oldState := c.state
	c.state = StateStarting
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.emitStateChange(oldState, StateStarting)

	runCtx, cancel := context.WithCancel(ctx)

	comp, err := c.build(runCtx)
	if err != nil {
		cancel()
		c.transitionToStopped()
		close(c.done)
		c.emitError(err, "failed to build client")
		return fmt.Errorf("building client: %w", err)
	}

	if c.config.Metrics.Enabled {
		go func() {
			if err := c.registry.Serve(runCtx, c.config.Metrics.Listen); err != nil {
				c.log.WithError(err).Warn("metrics endpoint failed")
				c.emitError(err, "metrics endpoint failed")
			}
		}()
	}

	c.mu.Lock()
	c.comp = comp
	c.cancel = cancel
	c.state = StateRunning
	c.startedAt = time.Now()
	c.mu.Unlock()
	c.registry.RecordStartTime()

	c.emitStateChange(StateStarting, StateRunning)
	c.log.WithFields(logrus.Fields{
		"max_per_key": c.config.Pool.MaxPerKey,
		"tls":         c.config.TLS.Enabled,
		"i2p":         c.config.I2P.Enabled,
	}).Info("client started")

	go c.run(runCtx, comp)

	return nil
}

// build wires factory, pool and dispatcher from the configuration.
func (c *Client) build(ctx context.Context) (*components, error) {
	cfg := c.config
	tlsConfig, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	compression, err := client.ParseCompression(cfg.Client.Compression)
	if err != nil {
		return nil, err
	}

	comp := &components{}
	tcfg := transport.Config{
		TLS:              tlsConfig,
		HandshakeTimeout: cfg.HandshakeTimeout(),
		ConnectTimeout:   cfg.Connect.Timeout.Std(),
		Metrics:          c.meters.transport,
		Logger:           c.log,
	}

	if cfg.I2P.Enabled {
		health := resilience.DefaultHealthyCircuitConfig()
		health.CheckInterval = cfg.I2P.HealthInterval.Std()
		comp.dialer = i2pdial.New(i2pdial.Config{
			Name:       cfg.I2P.TunnelName,
			SAMAddress: cfg.I2P.SAMAddress,
			Options:    cfg.SAMOptions(),
			Health:     health,
			Logger:     c.log,
		})
		comp.dialer.Start(ctx)
		tcfg.Dialer = comp.dialer
	}

	if cfg.Breaker.Enabled {
		comp.breakers = resilience.NewGroup(resilience.CircuitBreakerConfig{
			FailureThreshold:    cfg.Breaker.FailureThreshold,
			SuccessThreshold:    cfg.Breaker.SuccessThreshold,
			Timeout:             cfg.Breaker.Cooldown.Std(),
			MaxHalfOpenRequests: 1,
			Logger:              c.log,
		}, c.meters.breaker)
		tcfg.Guard = comp.breakers
	}

	var limiter client.Limiter
	if cfg.RateLimit.Enabled {
		comp.limiter = ratelimit.NewKeyed(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, ratelimit.DefaultCleanup)
		limiter = comp.limiter
	}

	comp.pool = pool.New[string, *transport.Conn](transport.NewFactory(tcfg), pool.Config{
		MaxPerKey:           cfg.Pool.MaxPerKey,
		BorrowTimeout:       cfg.Pool.BorrowTimeout.Std(),
		MaxIdleTime:         cfg.Pool.MaxIdleTime.Std(),
		HealthCheckInterval: cfg.Pool.HealthCheckInterval.Std(),
		Metrics:             c.meters.pool,
		Logger:              c.log,
	})

	userAgent := cfg.Client.UserAgent
	if userAgent == "" {
		userAgent = version.UserAgent()
	}
	comp.dispatcher = client.NewDispatcher(comp.pool, client.Config{
		Compression:    compression,
		RequestTimeout: cfg.Client.RequestTimeout.Std(),
		ReadTimeout:    cfg.Client.ReadTimeout.Std(),
		UserAgent:      userAgent,
		Limiter:        limiter,
		Metrics:        c.meters.client,
		Logger:         c.log,
	})
	return comp, nil
}

// run waits for the client's context to end and then tears everything down.
func (c *Client) run(ctx context.Context, comp *components) {
	defer close(c.done)

	<-ctx.Done()

	c.log.Info("client shutting down")
	if err := c.shutdown(comp); err != nil {
		c.log.WithError(err).Warn("shutdown incomplete")
		c.emitError(err, "shutdown incomplete")
	}

	c.mu.Lock()
	oldState := c.state
	c.state = StateStopped
	c.comp = nil
	c.mu.Unlock()

	c.emitStateChange(oldState, StateStopped)
}

// shutdown stops accepting requests, waits for in-flight ones up to the
// shutdown timeout, then closes the pool and the dialer.
func (c *Client) shutdown(comp *components) error {
	timeout := c.config.Client.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := comp.dispatcher.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := comp.pool.Close(); err != nil {
		errs = append(errs, err)
	}
	if comp.limiter != nil {
		comp.limiter.Close()
	}
	if comp.dialer != nil {
		if err := comp.dialer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop gracefully shuts down the client.
// It blocks until all components have stopped or the context is cancelled.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot stop client in state %s", apperrors.ErrClientInvalidState, c.state)
	}
	c.state = StateStopping
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	c.emitStateChange(StateRunning, StateStopping)
	c.log.Info("stopping client")

	if cancel != nil {
		cancel()
	}

	select {
	case <-done:
		c.log.Info("client stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transitionToStopped updates the state to stopped.
func (c *Client) transitionToStopped() {
	c.mu.Lock()
	old := c.state
	c.state = StateStopped
	c.mu.Unlock()
	c.emitStateChange(old, StateStopped)
}

// Do sends req and returns the buffered response.
func (c *Client) Do(ctx context.Context, req *client.Request) (*client.Response, error) {
	d, err := c.Dispatcher()
	if err != nil {
		return nil, err
	}
	return d.Do(ctx, req)
}

// Dispatcher returns the running dispatcher, for use with client.Dispatch.
func (c *Client) Dispatcher() (*client.Dispatcher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateRunning || c.comp == nil {
		return nil, fmt.Errorf("%w: client is %s", apperrors.ErrClientInvalidState, c.state)
	}
	return c.comp.dispatcher, nil
}

// PoolStats returns connection pool statistics. A client that is not
// running reports zeros.
func (c *Client) PoolStats() pool.Stats {
	c.mu.RLock()
	comp := c.comp
	c.mu.RUnlock()
	if comp == nil {
		return pool.Stats{}
	}
	return comp.pool.Stats()
}

// BreakerStates returns the circuit state per endpoint, or nil when the
// breaker is disabled or the client is not running.
func (c *Client) BreakerStates() map[string]resilience.CircuitState {
	c.mu.RLock()
	comp := c.comp
	c.mu.RUnlock()
	if comp == nil || comp.breakers == nil {
		return nil
	}
	return comp.breakers.States()
}

// Registry returns the client's metrics registry.
func (c *Client) Registry() *metrics.Registry {
	return c.registry
}

// State returns the current state of the client.
func (c *Client) State() ClientState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Config returns the client's configuration.
func (c *Client) Config() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.config
}

// Done returns a channel that is closed when the client has stopped.
func (c *Client) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.done
}

// StartedAt returns when the client was started.
// Returns zero time if not started.
func (c *Client) StartedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startedAt
}

// Uptime returns how long the client has been running.
// Returns zero if not running.
func (c *Client) Uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.startedAt.IsZero() || c.state != StateRunning {
		return 0
	}
	return time.Since(c.startedAt)
}

// SetOnStateChange sets a callback for state changes.
// The callback is invoked synchronously during state transitions.
func (c *Client) SetOnStateChange(callback func(oldState, newState ClientState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStateChange = callback
}

// SetOnError sets a callback for error events.
func (c *Client) SetOnError(callback func(err error, message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = callback
}

func (c *Client) emitStateChange(oldState, newState ClientState) {
	c.mu.RLock()
	callback := c.onStateChange
	c.mu.RUnlock()

	if callback != nil {
		callback(oldState, newState)
	}
}

func (c *Client) emitError(err error, message string) {
	c.mu.RLock()
	callback := c.onError
	c.mu.RUnlock()

	if callback != nil {
		callback(err, message)
	}
}
