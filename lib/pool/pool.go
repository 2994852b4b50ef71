package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

var (
	// ErrPoolClosed is returned when operating on a closed pool.
	ErrPoolClosed = apperrors.ErrPoolClosed
	// ErrTimeout is returned when no resource becomes available before the
	// borrow deadline.
	ErrTimeout = apperrors.ErrPoolTimeout
	// ErrNotBorrowed is returned when releasing or discarding a resource
	// that is not currently on loan.
	ErrNotBorrowed = apperrors.ErrNotBorrowed
)

// Factory builds, checks and tears down pooled resources for a key.
//
// Create must not block on network I/O; it starts building a resource and
// returns it. A returned error is a synchronous failure such as an invalid
// key. Asynchronous failures are reported by the resource itself through
// Pending.
//
// Validate blocks until the resource's creation has resolved and then
// reports whether it is usable. It must never report true for a resource
// whose creation has not resolved.
//
// Destroy closes the resource. It waits for creation to resolve if needed
// and never fails.
type Factory[K comparable, V comparable] interface {
	Create(key K) (V, error)
	Validate(v V) bool
	Destroy(v V)
}

// Pending is implemented by resources whose creation completes
// asynchronously. The pool uses it to bound its wait for a fresh resource by
// the borrow deadline.
type Pending interface {
	Done() <-chan struct{}
	Err() error
}

// Config configures the pool.
type Config struct {
	// MaxPerKey bounds the resources outstanding for one key: borrowed plus
	// being created.
	// Default: 10
	MaxPerKey int
	// BorrowTimeout bounds Borrow when the caller's context has no deadline.
	// Default: 30 seconds
	BorrowTimeout time.Duration
	// MaxIdleTime is how long a released resource may sit idle before it is
	// destroyed instead of reused.
	// Default: 10 minutes
	MaxIdleTime time.Duration
	// HealthCheckInterval is how often idle resources are validated in the
	// background. Set to 0 to disable periodic health checks.
	// Default: 1 minute
	HealthCheckInterval time.Duration
	// Metrics records pool utilization. Optional.
	Metrics *Metrics
	// Logger receives pool events. Nil uses the logrus standard logger.
	Logger logrus.FieldLogger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerKey:           10,
		BorrowTimeout:       30 * time.Second,
		MaxIdleTime:         10 * time.Minute,
		HealthCheckInterval: 1 * time.Minute,
	}
}

type idleEntry[V comparable] struct {
	v        V
	returned time.Time
}

// partition holds the state for one key. sem bounds outstanding resources
// and queues waiters in arrival order.
type partition[V comparable] struct {
	sem      *semaphore.Weighted
	idle     []idleEntry[V]
	inUse    map[V]struct{}
	creating int
}

// Pool is a keyed resource pool. Each key has its own partition with an
// independent bound; waiters for the same key are served first come, first
// served, with no ordering across keys.
type Pool[K comparable, V comparable] struct {
	factory    Factory[K, V]
	config     Config
	log        logrus.FieldLogger
	metrics    *Metrics
	mu         sync.Mutex
	parts      map[K]*partition[V]
	closed     bool
	closing    context.Context
	markClosed context.CancelFunc
	stopHealth chan struct{}
	healthDone chan struct{}

	// Metrics
	borrowCount     uint64
	borrowSuccess   uint64
	borrowFailed    uint64
	borrowTimeouts  uint64
	createCount     uint64
	releaseCount    uint64
	discardCount    uint64
	validationFails uint64
}

// New creates a pool over factory.
func New[K comparable, V comparable](factory Factory[K, V], cfg Config) *Pool[K, V] {
	if cfg.MaxPerKey <= 0 {
		cfg.MaxPerKey = 10
	}
	if cfg.BorrowTimeout <= 0 {
		cfg.BorrowTimeout = 30 * time.Second
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	closing, markClosed := context.WithCancel(context.Background())
	p := &Pool[K, V]{
		factory:    factory,
		config:     cfg,
		log:        cfg.Logger.WithField("component", "pool"),
		metrics:    cfg.Metrics,
		parts:      make(map[K]*partition[V]),
		closing:    closing,
		markClosed: markClosed,
		stopHealth: make(chan struct{}),
		healthDone: make(chan struct{}),
	}

	if cfg.HealthCheckInterval > 0 {
		go p.healthCheckLoop()
	} else {
		close(p.healthDone)
	}

	p.log.WithField("maxPerKey", cfg.MaxPerKey).WithField("maxIdleTime", cfg.MaxIdleTime).Debug("pool created")
	return p
}

// Borrow returns a validated resource for key. It reuses an idle resource
// when one passes validation, creates a new one while the key is under its
// bound, and otherwise waits for a slot. The wait is bounded by ctx's
// deadline, or by Config.BorrowTimeout when ctx has none; on expiry Borrow
// fails with ErrTimeout.
func (p *Pool[K, V]) Borrow(ctx context.Context, key K) (V, error) {
	var zero V
	atomic.AddUint64(&p.borrowCount, 1)
	start := time.Now()

	// Use configured timeout if context has no deadline
	borrowCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		borrowCtx, cancel = context.WithTimeout(ctx, p.config.BorrowTimeout)
		defer cancel()
	}
	// Closing the pool wakes every waiter.
	borrowCtx, cancelBorrow := context.WithCancel(borrowCtx)
	defer cancelBorrow()
	stop := context.AfterFunc(p.closing, cancelBorrow)
	defer stop()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		atomic.AddUint64(&p.borrowFailed, 1)
		return zero, ErrPoolClosed
	}
	part := p.partitionLocked(key)
	p.mu.Unlock()

	if err := part.sem.Acquire(borrowCtx, 1); err != nil {
		return zero, p.borrowAborted(borrowCtx, key, start)
	}

	v, err := p.borrowWithSlot(borrowCtx, key, part)
	if err != nil {
		if ctxErr := borrowCtx.Err(); ctxErr != nil && err == ctxErr {
			return zero, p.borrowAborted(borrowCtx, key, start)
		}
		atomic.AddUint64(&p.borrowFailed, 1)
		p.metrics.observeBorrow("error", time.Since(start))
		return zero, err
	}

	atomic.AddUint64(&p.borrowSuccess, 1)
	p.metrics.observeBorrow("ok", time.Since(start))
	return v, nil
}

// borrowAborted maps a cancelled or expired borrow to its error.
func (p *Pool[K, V]) borrowAborted(ctx context.Context, key K, start time.Time) error {
	atomic.AddUint64(&p.borrowFailed, 1)
	if p.isClosed() {
		p.metrics.observeBorrow("closed", time.Since(start))
		return ErrPoolClosed
	}
	cause := context.Cause(ctx)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded) {
		atomic.AddUint64(&p.borrowTimeouts, 1)
		p.metrics.observeBorrow("timeout", time.Since(start))
		p.log.WithFields(logrus.Fields{
			"key":       fmt.Sprint(key),
			"maxPerKey": p.config.MaxPerKey,
			"waited":    time.Since(start),
		}).Warn("pool exhausted")
		return apperrors.Wrap(apperrors.CodePoolTimeout,
			fmt.Sprintf("no pooled resource for %v within %s", key, time.Since(start).Round(time.Millisecond)),
			context.DeadlineExceeded)
	}
	p.metrics.observeBorrow("cancelled", time.Since(start))
	return fmt.Errorf("pool: borrow %v: %w", key, ctx.Err())
}

// borrowWithSlot runs once the caller holds a slot of part. On error the
// slot has been returned.
func (p *Pool[K, V]) borrowWithSlot(ctx context.Context, key K, part *partition[V]) (V, error) {
	var zero V

	for {
		v, ok := p.popIdle(key, part)
		if !ok {
			break
		}
		if p.factory.Validate(v) {
			p.mu.Lock()
			if p.closed {
				p.mu.Unlock()
				p.destroyAndRelease(key, part, v)
				return zero, ErrPoolClosed
			}
			part.inUse[v] = struct{}{}
			p.updateMetricsLocked(key, part)
			p.mu.Unlock()
			p.log.WithField("key", fmt.Sprint(key)).Debug("reusing idle resource")
			return v, nil
		}
		atomic.AddUint64(&p.validationFails, 1)
		p.log.WithField("key", fmt.Sprint(key)).WithError(apperrors.ErrResourceInvalid).Debug("resource failed validation")
		p.factory.Destroy(v)
		if err := ctx.Err(); err != nil {
			part.sem.Release(1)
			return zero, err
		}
	}

	atomic.AddUint64(&p.createCount, 1)
	v, err := p.factory.Create(key)
	if err != nil {
		part.sem.Release(1)
		p.log.WithError(err).WithField("key", fmt.Sprint(key)).Debug("failed to create resource")
		return zero, err
	}

	p.mu.Lock()
	part.creating++
	p.updateMetricsLocked(key, part)
	p.mu.Unlock()

	if pending, ok := any(v).(Pending); ok {
		select {
		case <-pending.Done():
		case <-ctx.Done():
			// The slot stays held until the abandoned resource resolves.
			p.reap(key, part, v, pending)
			return zero, ctx.Err()
		}
		if err := pending.Err(); err != nil {
			p.finishCreate(key, part)
			p.destroyAndRelease(key, part, v)
			return zero, err
		}
	}

	valid := p.factory.Validate(v)
	p.finishCreate(key, part)
	if !valid {
		atomic.AddUint64(&p.validationFails, 1)
		p.destroyAndRelease(key, part, v)
		return zero, apperrors.Wrap(apperrors.CodeResourceInvalid,
			fmt.Sprintf("new resource for %v failed validation", key), apperrors.ErrResourceInvalid)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyAndRelease(key, part, v)
		return zero, ErrPoolClosed
	}
	part.inUse[v] = struct{}{}
	p.updateMetricsLocked(key, part)
	p.mu.Unlock()
	return v, nil
}

// popIdle takes the most recently returned idle resource (LIFO), destroying
// any that have outlived MaxIdleTime.
func (p *Pool[K, V]) popIdle(key K, part *partition[V]) (V, bool) {
	var zero V
	var stale []V

	p.mu.Lock()
	now := time.Now()
	var found *idleEntry[V]
	for len(part.idle) > 0 {
		e := part.idle[len(part.idle)-1]
		part.idle = part.idle[:len(part.idle)-1]
		if now.Sub(e.returned) > p.config.MaxIdleTime {
			stale = append(stale, e.v)
			continue
		}
		found = &e
		break
	}
	p.updateMetricsLocked(key, part)
	p.mu.Unlock()

	for _, v := range stale {
		p.log.WithField("key", fmt.Sprint(key)).Debug("closing stale resource")
		p.factory.Destroy(v)
	}
	if found == nil {
		return zero, false
	}
	return found.v, true
}

// reap waits in the background for an abandoned creation to resolve, then
// destroys the resource and frees its slot.
func (p *Pool[K, V]) reap(key K, part *partition[V], v V, pending Pending) {
	go func() {
		<-pending.Done()
		p.finishCreate(key, part)
		p.destroyAndRelease(key, part, v)
	}()
}

func (p *Pool[K, V]) finishCreate(key K, part *partition[V]) {
	p.mu.Lock()
	part.creating--
	p.updateMetricsLocked(key, part)
	p.mu.Unlock()
}

func (p *Pool[K, V]) destroyAndRelease(key K, part *partition[V], v V) {
	p.factory.Destroy(v)
	part.sem.Release(1)
	p.mu.Lock()
	p.updateMetricsLocked(key, part)
	p.mu.Unlock()
}

// Release returns a borrowed resource to the pool. The resource is validated
// when it is next borrowed, not here. After Close, released resources are
// destroyed.
func (p *Pool[K, V]) Release(key K, v V) error {
	p.mu.Lock()
	part, ok := p.takeBorrowedLocked(key, v)
	if !ok {
		p.mu.Unlock()
		return ErrNotBorrowed
	}
	atomic.AddUint64(&p.releaseCount, 1)

	if p.closed {
		p.mu.Unlock()
		p.log.Debug("pool closed, destroying released resource")
		p.destroyAndRelease(key, part, v)
		return nil
	}

	part.idle = append(part.idle, idleEntry[V]{v: v, returned: time.Now()})
	p.updateMetricsLocked(key, part)
	p.mu.Unlock()
	part.sem.Release(1)
	p.log.WithField("key", fmt.Sprint(key)).Debug("resource released to pool")
	return nil
}

// Discard destroys a borrowed resource and frees its slot. Use it when the
// resource is known to be bad or its state is uncertain.
func (p *Pool[K, V]) Discard(key K, v V) error {
	p.mu.Lock()
	part, ok := p.takeBorrowedLocked(key, v)
	p.mu.Unlock()
	if !ok {
		return ErrNotBorrowed
	}
	atomic.AddUint64(&p.discardCount, 1)

	p.log.WithField("key", fmt.Sprint(key)).Debug("discarding resource")
	p.destroyAndRelease(key, part, v)
	return nil
}

func (p *Pool[K, V]) takeBorrowedLocked(key K, v V) (*partition[V], bool) {
	part := p.parts[key]
	if part == nil {
		return nil, false
	}
	if _, ok := part.inUse[v]; !ok {
		return nil, false
	}
	delete(part.inUse, v)
	return part, true
}

func (p *Pool[K, V]) partitionLocked(key K) *partition[V] {
	part := p.parts[key]
	if part == nil {
		part = &partition[V]{
			sem:   semaphore.NewWeighted(int64(p.config.MaxPerKey)),
			inUse: make(map[V]struct{}),
		}
		p.parts[key] = part
	}
	return part
}

func (p *Pool[K, V]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Close destroys all idle resources and refuses further borrows. Resources
// still on loan are destroyed when they are released or discarded.
func (p *Pool[K, V]) Close() error {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	p.closed = true
	p.markClosed()
	close(p.stopHealth)

	var idle []V
	for key, part := range p.parts {
		for _, e := range part.idle {
			idle = append(idle, e.v)
		}
		part.idle = nil
		p.updateMetricsLocked(key, part)
	}
	p.mu.Unlock()

	// Wait for health check goroutine
	<-p.healthDone

	var wg sync.WaitGroup
	for _, v := range idle {
		wg.Add(1)
		go func(v V) {
			defer wg.Done()
			p.factory.Destroy(v)
		}(v)
	}
	wg.Wait()

	p.log.WithField("destroyed", len(idle)).Debug("pool closed")
	return nil
}

// healthCheckLoop periodically validates idle resources.
func (p *Pool[K, V]) healthCheckLoop() {
	defer close(p.healthDone)

	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopHealth:
			return
		case <-ticker.C:
			p.runHealthCheck()
		}
	}
}

type checkTarget[K comparable, V comparable] struct {
	key   K
	part  *partition[V]
	entry idleEntry[V]
}

// runHealthCheck removes stale and invalid idle resources. A resource under
// check holds a slot of its partition, so checks never push a key past its
// bound; resources whose partition is saturated are skipped this round.
func (p *Pool[K, V]) runHealthCheck() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}

	var targets []checkTarget[K, V]
	for key, part := range p.parts {
		kept := part.idle[:0]
		for _, e := range part.idle {
			if part.sem.TryAcquire(1) {
				targets = append(targets, checkTarget[K, V]{key: key, part: part, entry: e})
				continue
			}
			kept = append(kept, e)
		}
		part.idle = kept
	}
	p.mu.Unlock()

	now := time.Now()
	removed := 0
	for _, t := range targets {
		if now.Sub(t.entry.returned) > p.config.MaxIdleTime {
			removed++
			p.destroyAndRelease(t.key, t.part, t.entry.v)
			continue
		}
		if !p.factory.Validate(t.entry.v) {
			atomic.AddUint64(&p.validationFails, 1)
			removed++
			p.destroyAndRelease(t.key, t.part, t.entry.v)
			continue
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.destroyAndRelease(t.key, t.part, t.entry.v)
			continue
		}
		t.part.idle = append(t.part.idle, t.entry)
		p.updateMetricsLocked(t.key, t.part)
		p.mu.Unlock()
		t.part.sem.Release(1)
	}

	if removed > 0 {
		p.log.WithField("closed", removed).Debug("health check removed resources")
	}
}

// Stats describes pool utilization across all keys.
type Stats struct {
	// MaxPerKey is the per-key bound on outstanding resources.
	MaxPerKey int
	// Keys is the number of partitions.
	Keys int
	// NumIdle is the current number of idle resources.
	NumIdle int
	// NumInUse is the number of resources currently borrowed.
	NumInUse int
	// NumCreating is the number of resources being created.
	NumCreating int
	// BorrowCount is the total number of borrow attempts.
	BorrowCount uint64
	// BorrowSuccess is the number of successful borrows.
	BorrowSuccess uint64
	// BorrowFailed is the number of failed borrows, timeouts included.
	BorrowFailed uint64
	// BorrowTimeouts is the number of borrows that hit their deadline.
	BorrowTimeouts uint64
	// CreateCount is the number of resources the factory was asked to create.
	CreateCount uint64
	// ReleaseCount is the number of releases.
	ReleaseCount uint64
	// DiscardCount is the number of discards.
	DiscardCount uint64
	// ValidationFails is the number of resources that failed validation.
	ValidationFails uint64
}

// PartitionStats describes one key's partition.
type PartitionStats struct {
	Idle     int
	InUse    int
	Creating int
}

// Stats returns current pool statistics.
func (p *Pool[K, V]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		MaxPerKey:       p.config.MaxPerKey,
		Keys:            len(p.parts),
		BorrowCount:     atomic.LoadUint64(&p.borrowCount),
		BorrowSuccess:   atomic.LoadUint64(&p.borrowSuccess),
		BorrowFailed:    atomic.LoadUint64(&p.borrowFailed),
		BorrowTimeouts:  atomic.LoadUint64(&p.borrowTimeouts),
		CreateCount:     atomic.LoadUint64(&p.createCount),
		ReleaseCount:    atomic.LoadUint64(&p.releaseCount),
		DiscardCount:    atomic.LoadUint64(&p.discardCount),
		ValidationFails: atomic.LoadUint64(&p.validationFails),
	}
	for _, part := range p.parts {
		s.NumIdle += len(part.idle)
		s.NumInUse += len(part.inUse)
		s.NumCreating += part.creating
	}
	return s
}

// Partition returns statistics for key. Unknown keys report zeros.
func (p *Pool[K, V]) Partition(key K) PartitionStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	part := p.parts[key]
	if part == nil {
		return PartitionStats{}
	}
	return partitionStatsLocked(part)
}

func partitionStatsLocked[V comparable](part *partition[V]) PartitionStats {
	return PartitionStats{Idle: len(part.idle), InUse: len(part.inUse), Creating: part.creating}
}

func (p *Pool[K, V]) updateMetricsLocked(key K, part *partition[V]) {
	if p.metrics == nil {
		return
	}
	p.metrics.update(fmt.Sprint(key), partitionStatsLocked(part))
}
