// Package resilience protects the client from endpoints that keep failing.
//
// A CircuitBreaker counts consecutive connect failures. Once they reach the
// threshold it opens and connects fail fast until a cooldown elapses, after
// which a limited number of trial connects decide whether it closes again.
//
//	closed --threshold failures--> open --cooldown--> half-open
//	  ^                              ^                    |
//	  |                              +----trial fails-----+
//	  +--------------trials succeed-----------------------+
package resilience

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// CircuitState is the state of one breaker.
type CircuitState int

const (
	// CircuitClosed admits every connect.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects connects until the cooldown elapses.
	CircuitOpen
	// CircuitHalfOpen admits a bounded number of trial connects.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a CircuitBreaker. Zero fields take the
// values from DefaultCircuitBreakerConfig.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// a closed circuit.
	FailureThreshold int
	// SuccessThreshold is the number of trial successes that closes a
	// half-open circuit.
	SuccessThreshold int
	// Timeout is how long an open circuit rejects before admitting trials.
	Timeout time.Duration
	// MaxHalfOpenRequests bounds the trials admitted while half-open.
	MaxHalfOpenRequests int
	// Logger receives state transitions. Nil uses the logrus standard logger.
	Logger logrus.FieldLogger
}

// DefaultCircuitBreakerConfig returns defaults suited to endpoint connects.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		Timeout:             30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	def := DefaultCircuitBreakerConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
	return c
}

// CircuitBreaker tracks the health of one endpoint.
type CircuitBreaker struct {
	mu   sync.Mutex
	cfg  CircuitBreakerConfig
	name string
	log  logrus.FieldLogger
	now  func() time.Time

	state       CircuitState
	failures    int // consecutive, while closed
	successes   int // while half-open
	trials      int // admitted while half-open
	openUntil   time.Time
	lastFailure time.Time
	changedAt   time.Time

	onStateChange func(name string, from, to CircuitState)
}

// NewCircuitBreaker returns a closed breaker called name.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		cfg:       cfg,
		name:      name,
		log:       cfg.Logger.WithField("component", "breaker").WithField("circuit", name),
		now:       time.Now,
		changedAt: time.Now(),
	}
}

// SetStateChangeCallback registers fn to run after every transition, outside
// the breaker's lock.
func (cb *CircuitBreaker) SetStateChangeCallback(fn func(name string, from, to CircuitState)) {
	cb.mu.Lock()
	cb.onStateChange = fn
	cb.mu.Unlock()
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// State returns the current state. An open circuit whose cooldown has
// elapsed reports half-open even before the next Allow moves it there.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.effectiveState()
}

// IsOpen reports whether the circuit is rejecting connects.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == CircuitOpen
}

func (cb *CircuitBreaker) effectiveState() CircuitState {
	if cb.state == CircuitOpen && !cb.now().Before(cb.openUntil) {
		return CircuitHalfOpen
	}
	return cb.state
}

// Allow reports whether a connect may proceed. A true result while
// half-open consumes one trial slot.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var notify func()
	if cb.state == CircuitOpen && cb.effectiveState() == CircuitHalfOpen {
		notify = cb.setState(CircuitHalfOpen)
	}

	allowed := false
	switch cb.state {
	case CircuitClosed:
		allowed = true
	case CircuitHalfOpen:
		if cb.trials < cb.cfg.MaxHalfOpenRequests {
			cb.trials++
			allowed = true
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
	return allowed
}

// Record feeds the outcome of an admitted connect to the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.record(err != nil)
}

// RecordSuccess records a successful connect.
func (cb *CircuitBreaker) RecordSuccess() { cb.record(false) }

// RecordFailure records a failed connect.
func (cb *CircuitBreaker) RecordFailure() { cb.record(true) }

func (cb *CircuitBreaker) record(failed bool) {
	cb.mu.Lock()
	var notify func()
	if failed {
		cb.lastFailure = cb.now()
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				notify = cb.setState(CircuitOpen)
			}
		case CircuitHalfOpen:
			notify = cb.setState(CircuitOpen)
		}
	} else {
		switch cb.state {
		case CircuitClosed:
			cb.failures = 0
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				notify = cb.setState(CircuitClosed)
			}
		case CircuitOpen:
			// admitted before the circuit opened
			cb.log.Debug("late success ignored while open")
		}
	}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// setState moves the breaker to "to" and returns the callback to run once
// the lock is released, or nil. The caller holds cb.mu.
func (cb *CircuitBreaker) setState(to CircuitState) func() {
	from := cb.state
	if from == to {
		return nil
	}
	now := cb.now()
	cb.state = to
	cb.changedAt = now
	cb.successes = 0
	switch to {
	case CircuitClosed:
		cb.failures = 0
	case CircuitOpen:
		cb.openUntil = now.Add(cb.cfg.Timeout)
	case CircuitHalfOpen:
		cb.trials = 0
	}

	entry := cb.log.WithField("from", from.String()).WithField("to", to.String())
	if to == CircuitOpen {
		entry.WithField("cooldown", cb.cfg.Timeout).Warn("circuit breaker state transition")
	} else {
		entry.Info("circuit breaker state transition")
	}

	fn, name := cb.onStateChange, cb.name
	if fn == nil {
		return nil
	}
	return func() { fn(name, from, to) }
}

// Execute runs fn when the breaker admits it and records the outcome.
// A rejection returns ErrCircuitOpen without calling fn; otherwise fn's
// error is returned unchanged.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.Record(err)
	return err
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	notify := cb.setState(CircuitClosed)
	cb.failures, cb.successes, cb.trials = 0, 0, 0
	cb.openUntil = time.Time{}
	cb.mu.Unlock()

	if notify != nil {
		notify()
	}
}

// CircuitBreakerStats is a point-in-time view of a breaker.
type CircuitBreakerStats struct {
	Name            string
	State           CircuitState
	FailureCount    int
	SuccessCount    int
	OpenUntil       time.Time
	LastFailureTime time.Time
	LastStateChange time.Time
}

// Stats returns the breaker's counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.effectiveState(),
		FailureCount:    cb.failures,
		SuccessCount:    cb.successes,
		OpenUntil:       cb.openUntil,
		LastFailureTime: cb.lastFailure,
		LastStateChange: cb.changedAt,
	}
}
