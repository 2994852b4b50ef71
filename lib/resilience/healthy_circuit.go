package resilience

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HealthyCircuitConfig configures a HealthyCircuit.
type HealthyCircuitConfig struct {
	CircuitBreaker CircuitBreakerConfig
	// CheckInterval is how often the address is probed.
	CheckInterval time.Duration
	// ProbeTimeout bounds one probe connect.
	ProbeTimeout time.Duration
	// Logger receives probe events. Nil uses the logrus standard logger.
	Logger logrus.FieldLogger
}

// DefaultHealthyCircuitConfig returns the defaults used for the SAM bridge.
func DefaultHealthyCircuitConfig() HealthyCircuitConfig {
	return HealthyCircuitConfig{
		CircuitBreaker: DefaultCircuitBreakerConfig(),
		CheckInterval:  30 * time.Second,
		ProbeTimeout:   5 * time.Second,
	}
}

// HealthyCircuitStats combines probe history with the breaker's counters.
type HealthyCircuitStats struct {
	IsHealthy      bool
	LastCheck      time.Time
	LastHealthy    time.Time
	FailedProbes   int // consecutive
	CircuitBreaker CircuitBreakerStats
}

// HealthyCircuit guards one dependency, such as the SAM bridge behind the
// I2P dialer. Periodic TCP probes and the outcomes passed through Execute
// both feed a single breaker, so callers fail fast while it is down.
type HealthyCircuit struct {
	cfg     HealthyCircuitConfig
	addr    string
	log     logrus.FieldLogger
	circuit *CircuitBreaker
	probe   func(ctx context.Context) error

	mu      sync.Mutex
	health  HealthyCircuitStats
	stop    context.CancelFunc
	stopped chan struct{}
}

// NewHealthyCircuit creates a monitor for addr. The dependency counts as
// healthy until a probe says otherwise.
func NewHealthyCircuit(name, addr string, cfg HealthyCircuitConfig) *HealthyCircuit {
	def := DefaultHealthyCircuitConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.CircuitBreaker.Logger == nil {
		cfg.CircuitBreaker.Logger = cfg.Logger
	}

	hc := &HealthyCircuit{
		cfg:     cfg,
		addr:    addr,
		log:     cfg.Logger.WithField("component", "health").WithField("addr", addr),
		circuit: NewCircuitBreaker(name, cfg.CircuitBreaker),
		health:  HealthyCircuitStats{IsHealthy: true},
	}
	hc.probe = hc.dial
	return hc
}

// dial is the default probe: a TCP connect to addr.
func (hc *HealthyCircuit) dial(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", hc.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Start probes once immediately and then every CheckInterval until Stop or
// until ctx is done. Starting a running monitor does nothing.
func (hc *HealthyCircuit) Start(ctx context.Context) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if hc.stop != nil {
		return
	}
	ctx, hc.stop = context.WithCancel(ctx)
	hc.stopped = make(chan struct{})

	hc.log.WithField("interval", hc.cfg.CheckInterval).Debug("health monitor started")
	go hc.loop(ctx, hc.stopped)
}

func (hc *HealthyCircuit) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(hc.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		hc.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends probing and waits for the monitor goroutine to exit.
func (hc *HealthyCircuit) Stop() {
	hc.mu.Lock()
	stop, stopped := hc.stop, hc.stopped
	hc.stop, hc.stopped = nil, nil
	hc.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-stopped
	hc.log.Debug("health monitor stopped")
}

// Check probes the dependency once, records the result with the breaker
// and reports whether the probe succeeded.
func (hc *HealthyCircuit) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, hc.cfg.ProbeTimeout)
	err := hc.probe(probeCtx)
	cancel()

	hc.mu.Lock()
	was := hc.health.IsHealthy
	now := time.Now()
	hc.health.LastCheck = now
	hc.health.IsHealthy = err == nil
	if err == nil {
		hc.health.LastHealthy = now
		hc.health.FailedProbes = 0
	} else {
		hc.health.FailedProbes++
	}
	failed := hc.health.FailedProbes
	hc.mu.Unlock()

	hc.circuit.Record(err)

	switch {
	case err == nil && !was:
		hc.log.Info("dependency reachable again")
	case err != nil && was:
		hc.log.WithError(err).Warn("dependency unreachable")
	case err != nil:
		hc.log.WithError(err).WithField("failed_probes", failed).Debug("probe failed")
	}
	return err == nil
}

// Execute runs fn when the breaker admits it and records the outcome.
func (hc *HealthyCircuit) Execute(fn func() error) error {
	return hc.circuit.Execute(fn)
}

// CircuitState returns the breaker's state.
func (hc *HealthyCircuit) CircuitState() CircuitState {
	return hc.circuit.State()
}

// IsHealthy reports whether the last probe succeeded.
func (hc *HealthyCircuit) IsHealthy() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.health.IsHealthy
}

// Stats returns probe history and breaker counters.
func (hc *HealthyCircuit) Stats() HealthyCircuitStats {
	hc.mu.Lock()
	s := hc.health
	hc.mu.Unlock()
	s.CircuitBreaker = hc.circuit.Stats()
	return s
}
