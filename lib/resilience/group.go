package resilience

import (
	"fmt"
	"sync"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// Group keeps one circuit breaker per endpoint key. It satisfies
// transport.ConnectGuard: Allow gates a connect attempt and Record feeds
// its outcome back.
type Group struct {
	config   CircuitBreakerConfig
	metrics  *Metrics
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewGroup creates an empty group. Breakers are created on first use with
// cfg. m may be nil.
func NewGroup(cfg CircuitBreakerConfig, m *Metrics) *Group {
	return &Group{
		config:   cfg,
		metrics:  m,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Breaker returns the breaker for key, creating it if needed.
func (g *Group) Breaker(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()
	cb, ok := g.breakers[key]
	if !ok {
		cb = NewCircuitBreaker(key, g.config)
		if g.metrics != nil {
			cb.SetStateChangeCallback(g.metrics.observeTransition)
		}
		g.breakers[key] = cb
	}
	return cb
}

// Allow returns an error wrapping ErrCircuitOpen when key's circuit rejects
// the attempt.
func (g *Group) Allow(key string) error {
	if g.Breaker(key).Allow() {
		return nil
	}
	g.metrics.observeRejection(key)
	return apperrors.Wrap(apperrors.CodeCircuitOpen,
		fmt.Sprintf("circuit open for %s", key), ErrCircuitOpen)
}

// Record feeds the outcome of an admitted attempt to key's breaker.
func (g *Group) Record(key string, err error) {
	g.Breaker(key).Record(err)
}

// States reports the state of every known breaker.
func (g *Group) States() map[string]CircuitState {
	g.mu.Lock()
	breakers := make([]*CircuitBreaker, 0, len(g.breakers))
	for _, cb := range g.breakers {
		breakers = append(breakers, cb)
	}
	g.mu.Unlock()

	states := make(map[string]CircuitState, len(breakers))
	for _, cb := range breakers {
		states[cb.Name()] = cb.State()
	}
	return states
}
