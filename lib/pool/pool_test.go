package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	logtest "github.com/sirupsen/logrus/hooks/test"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// mockResource is a pooled resource whose creation resolves asynchronously.
type mockResource struct {
	id        int
	key       string
	done      chan struct{}
	once      sync.Once
	err       error
	invalid   atomic.Bool
	destroyed atomic.Int32
}

func (r *mockResource) Done() <-chan struct{} { return r.done }

func (r *mockResource) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

func (r *mockResource) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

// mockFactory creates mock resources.
type mockFactory struct {
	created   atomic.Int32
	live      atomic.Int32
	createErr error
	failWith  error
	delay     time.Duration
	manual    bool

	mu        sync.Mutex
	resources []*mockResource
}

func (f *mockFactory) Create(key string) (*mockResource, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	r := &mockResource{id: int(f.created.Add(1)), key: key, done: make(chan struct{})}
	f.live.Add(1)
	f.mu.Lock()
	f.resources = append(f.resources, r)
	f.mu.Unlock()

	switch {
	case f.manual:
	case f.delay > 0:
		time.AfterFunc(f.delay, func() { r.resolve(f.failWith) })
	default:
		r.resolve(f.failWith)
	}
	return r, nil
}

func (f *mockFactory) Validate(r *mockResource) bool {
	<-r.done
	return r.err == nil && !r.invalid.Load() && r.destroyed.Load() == 0
}

func (f *mockFactory) Destroy(r *mockResource) {
	<-r.done
	if r.destroyed.Add(1) == 1 {
		f.live.Add(-1)
	}
}

func (f *mockFactory) resource(i int) *mockResource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources[i]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.HealthCheckInterval = 0 // disable for this test
	logger, _ := logtest.NewNullLogger()
	cfg.Logger = logger
	return cfg
}

func TestPoolBorrowRelease(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 3

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	r1, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}

	stats := p.Stats()
	if stats.NumInUse != 1 {
		t.Errorf("Expected 1 in use, got %d", stats.NumInUse)
	}
	if stats.NumIdle != 0 {
		t.Errorf("Expected 0 idle, got %d", stats.NumIdle)
	}

	if err := p.Release("a", r1); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	stats = p.Stats()
	if stats.NumIdle != 1 {
		t.Errorf("Expected 1 idle after release, got %d", stats.NumIdle)
	}
	if stats.NumInUse != 0 {
		t.Errorf("Expected 0 in use after release, got %d", stats.NumInUse)
	}

	// Borrow again - should get same resource
	r2, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Second borrow failed: %v", err)
	}
	if r2 != r1 {
		t.Error("Expected to get same resource from pool")
	}
	if got := f.created.Load(); got != 1 {
		t.Errorf("Expected 1 resource created, got %d", got)
	}
	_ = p.Release("a", r2)
}

func TestPoolMaxPerKeyTimeout(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 2

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	r1, _ := p.Borrow(context.Background(), "a")
	r2, _ := p.Borrow(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Borrow(ctx, "a")
	elapsed := time.Since(start)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected pool timeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected timeout to carry context.DeadlineExceeded, got %v", err)
	}
	if elapsed < 50*time.Millisecond {
		t.Errorf("Borrow gave up early after %v", elapsed)
	}
	if p.Stats().BorrowTimeouts != 1 {
		t.Errorf("Expected 1 borrow timeout, got %d", p.Stats().BorrowTimeouts)
	}

	// Release one and try again
	_ = p.Release("a", r1)
	r3, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Borrow after release failed: %v", err)
	}
	if r3 != r1 {
		t.Error("Expected to get released resource")
	}

	_ = p.Release("a", r2)
	_ = p.Release("a", r3)
}

func TestPoolBorrowTimeoutDefault(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 1
	cfg.BorrowTimeout = 80 * time.Millisecond

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	held, _ := p.Borrow(context.Background(), "a")
	defer p.Release("a", held)

	start := time.Now()
	_, err := p.Borrow(context.Background(), "a")
	if !apperrors.IsPoolTimeout(err) {
		t.Fatalf("Expected pool timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("Borrow gave up early after %v", elapsed)
	}
}

func TestPoolKeysAreIndependent(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 1
	cfg.BorrowTimeout = 50 * time.Millisecond

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	a, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Borrow a failed: %v", err)
	}
	b, err := p.Borrow(context.Background(), "b")
	if err != nil {
		t.Fatalf("Borrow b should not wait on key a: %v", err)
	}
	if a.key != "a" || b.key != "b" {
		t.Errorf("Resources created for wrong keys: %q, %q", a.key, b.key)
	}
	if ps := p.Partition("a"); ps.InUse != 1 {
		t.Errorf("Expected 1 in use for a, got %+v", ps)
	}
	if ps := p.Partition("missing"); ps != (PartitionStats{}) {
		t.Errorf("Expected zero stats for unknown key, got %+v", ps)
	}
	_ = p.Release("a", a)
	_ = p.Release("b", b)
}

func TestPoolCreateError(t *testing.T) {
	badKey := apperrors.Configuration("bad key")
	f := &mockFactory{createErr: badKey}
	cfg := testConfig()
	cfg.MaxPerKey = 1

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	for i := 0; i < 3; i++ {
		_, err := p.Borrow(context.Background(), "a")
		if !errors.Is(err, badKey) {
			t.Fatalf("Attempt %d: expected create error, got %v", i, err)
		}
	}

	stats := p.Stats()
	if stats.BorrowFailed != 3 {
		t.Errorf("Expected 3 failed borrows, got %d", stats.BorrowFailed)
	}
	if stats.BorrowTimeouts != 0 {
		t.Error("Create errors must free the slot, not time out")
	}
}

func TestPoolAsyncCreationFailure(t *testing.T) {
	connErr := apperrors.ConnectFailure("a", errors.New("connection refused"))
	f := &mockFactory{failWith: connErr, delay: 10 * time.Millisecond}
	cfg := testConfig()
	cfg.MaxPerKey = 1

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	_, err := p.Borrow(context.Background(), "a")
	if !apperrors.IsConnect(err) {
		t.Fatalf("Expected connect failure, got %v", err)
	}
	if f.resource(0).destroyed.Load() != 1 {
		t.Error("Failed resource should be destroyed")
	}
	if ps := p.Partition("a"); ps != (PartitionStats{}) {
		t.Errorf("Expected empty partition, got %+v", ps)
	}

	// The slot must be free again.
	f.failWith = nil
	r, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Borrow after failure: %v", err)
	}
	_ = p.Release("a", r)
}

func TestPoolInvalidIdleIsReplaced(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 1

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	r1, _ := p.Borrow(context.Background(), "a")
	_ = p.Release("a", r1)
	r1.invalid.Store(true)

	r2, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	if r2 == r1 {
		t.Fatal("Invalid idle resource must not be handed out")
	}
	if r1.destroyed.Load() != 1 {
		t.Error("Invalid idle resource should be destroyed")
	}
	if p.Stats().ValidationFails != 1 {
		t.Errorf("Expected 1 validation failure, got %d", p.Stats().ValidationFails)
	}
	_ = p.Release("a", r2)
}

func TestPoolIdleTimeout(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxIdleTime = 20 * time.Millisecond

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	r1, _ := p.Borrow(context.Background(), "a")
	_ = p.Release("a", r1)

	time.Sleep(40 * time.Millisecond)

	r2, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Borrow failed: %v", err)
	}
	if r2 == r1 {
		t.Error("Expected stale resource to be replaced")
	}
	if r1.destroyed.Load() != 1 {
		t.Error("Stale resource should be destroyed")
	}
	_ = p.Release("a", r2)
}

func TestPoolReleaseExactlyOnce(t *testing.T) {
	f := &mockFactory{}
	p := New[string, *mockResource](f, testConfig())
	defer p.Close()

	r, _ := p.Borrow(context.Background(), "a")

	if err := p.Release("a", r); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := p.Release("a", r); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("Second release should fail with ErrNotBorrowed, got %v", err)
	}
	if err := p.Discard("a", r); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("Discard after release should fail with ErrNotBorrowed, got %v", err)
	}
	if err := p.Release("b", r); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("Release under another key should fail, got %v", err)
	}
	if r.destroyed.Load() != 0 {
		t.Error("Rejected release must not destroy the resource")
	}

	stats := p.Stats()
	if stats.ReleaseCount != 1 || stats.NumIdle != 1 {
		t.Errorf("Expected one release and one idle, got %+v", stats)
	}
}

func TestPoolDiscard(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 1

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	r1, _ := p.Borrow(context.Background(), "a")
	if err := p.Discard("a", r1); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if r1.destroyed.Load() != 1 {
		t.Error("Discarded resource should be destroyed")
	}
	if err := p.Discard("a", r1); !errors.Is(err, ErrNotBorrowed) {
		t.Errorf("Second discard should fail with ErrNotBorrowed, got %v", err)
	}

	// Slot is free; a new resource is created.
	r2, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Borrow after discard failed: %v", err)
	}
	if r2 == r1 {
		t.Error("Discarded resource must not be reused")
	}
	if p.Stats().DiscardCount != 1 {
		t.Errorf("Expected 1 discard, got %d", p.Stats().DiscardCount)
	}
	_ = p.Release("a", r2)
}

func TestPoolClose(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 2

	p := New[string, *mockResource](f, cfg)

	idle, _ := p.Borrow(context.Background(), "b")
	_ = p.Release("b", idle)
	held, _ := p.Borrow(context.Background(), "a")
	held2, _ := p.Borrow(context.Background(), "a")

	// A waiter on a saturated key is woken by Close.
	waitErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := p.Borrow(ctx, "a")
		waitErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-waitErr:
		if !errors.Is(err, ErrPoolClosed) {
			t.Errorf("Waiter should see ErrPoolClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Waiter was not woken by Close")
	}

	if idle.destroyed.Load() != 1 {
		t.Error("Idle resource should be destroyed on close")
	}
	if held.destroyed.Load() != 0 {
		t.Error("Borrowed resource should survive close until released")
	}

	if _, err := p.Borrow(context.Background(), "a"); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Expected ErrPoolClosed, got %v", err)
	}

	if err := p.Release("a", held); err != nil {
		t.Fatalf("Release after close failed: %v", err)
	}
	if held.destroyed.Load() != 1 {
		t.Error("Resource released after close should be destroyed")
	}
	if err := p.Discard("a", held2); err != nil {
		t.Fatalf("Discard after close failed: %v", err)
	}

	if err := p.Close(); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Second close should return ErrPoolClosed, got %v", err)
	}
}

func TestPoolConcurrentBorrowNeverExceedsBound(t *testing.T) {
	f := &mockFactory{delay: time.Millisecond}
	cfg := testConfig()
	cfg.MaxPerKey = 3
	cfg.BorrowTimeout = 5 * time.Second

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	var inUse, maxInUse atomic.Int32
	var wg sync.WaitGroup
	errs := make(chan error, 400)

	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				r, err := p.Borrow(context.Background(), "a")
				if err != nil {
					errs <- err
					return
				}
				n := inUse.Add(1)
				for {
					m := maxInUse.Load()
					if n <= m || maxInUse.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(100 * time.Microsecond)
				inUse.Add(-1)
				if (g+i)%5 == 0 {
					_ = p.Discard("a", r)
				} else {
					_ = p.Release("a", r)
				}
			}
		}(g)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Borrow failed: %v", err)
	}
	if got := maxInUse.Load(); got > 3 {
		t.Errorf("Outstanding resources reached %d, bound is 3", got)
	}
	if got := f.live.Load(); got > 3 {
		t.Errorf("Live resources reached %d, bound is 3", got)
	}
	stats := p.Stats()
	if stats.NumInUse != 0 || stats.NumCreating != 0 {
		t.Errorf("Expected no outstanding resources, got %+v", stats)
	}
}

func TestPoolAbandonedCreationHoldsSlot(t *testing.T) {
	f := &mockFactory{manual: true}
	cfg := testConfig()
	cfg.MaxPerKey = 1

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := p.Borrow(ctx, "a"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected timeout while creation pending, got %v", err)
	}
	if ps := p.Partition("a"); ps.Creating != 1 {
		t.Fatalf("Abandoned creation should still count, got %+v", ps)
	}

	// The key stays saturated until the creation resolves.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	if _, err := p.Borrow(ctx2, "a"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("Expected timeout while slot held, got %v", err)
	}

	abandoned := f.resource(0)
	abandoned.resolve(nil)

	deadline := time.Now().Add(time.Second)
	for abandoned.destroyed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if abandoned.destroyed.Load() != 1 {
		t.Fatal("Abandoned resource should be destroyed once resolved")
	}

	f.manual = false
	r, err := p.Borrow(context.Background(), "a")
	if err != nil {
		t.Fatalf("Borrow after reap failed: %v", err)
	}
	if r == abandoned {
		t.Error("Abandoned resource must not be handed out")
	}
	_ = p.Release("a", r)
}

func TestPoolWaitersServedInOrder(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 1

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	held, _ := p.Borrow(context.Background(), "a")

	order := make(chan string, 2)
	var wg sync.WaitGroup
	waiter := func(name string) {
		defer wg.Done()
		r, err := p.Borrow(context.Background(), "a")
		if err != nil {
			t.Errorf("%s: %v", name, err)
			return
		}
		order <- name
		_ = p.Release("a", r)
	}

	wg.Add(2)
	go waiter("first")
	time.Sleep(20 * time.Millisecond)
	go waiter("second")
	time.Sleep(20 * time.Millisecond)

	_ = p.Release("a", held)
	wg.Wait()
	close(order)

	var got []string
	for name := range order {
		got = append(got, name)
	}
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("Expected first-come first-served, got %v", got)
	}
}

func TestPoolBackgroundHealthCheck(t *testing.T) {
	f := &mockFactory{}
	cfg := testConfig()
	cfg.HealthCheckInterval = 20 * time.Millisecond

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	good, _ := p.Borrow(context.Background(), "a")
	bad, _ := p.Borrow(context.Background(), "a")
	_ = p.Release("a", good)
	_ = p.Release("a", bad)
	bad.invalid.Store(true)

	deadline := time.Now().Add(time.Second)
	for bad.destroyed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bad.destroyed.Load() != 1 {
		t.Fatal("Health check should destroy the invalid idle resource")
	}
	if good.destroyed.Load() != 0 {
		t.Error("Health check should keep the valid idle resource")
	}
	if p.Stats().ValidationFails == 0 {
		t.Error("Expected the health check to count a validation failure")
	}
}

func TestPoolMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := &mockFactory{}
	cfg := testConfig()
	cfg.MaxPerKey = 1
	cfg.Metrics = NewMetrics(reg, cfg.MaxPerKey)

	p := New[string, *mockResource](f, cfg)
	defer p.Close()

	r, _ := p.Borrow(context.Background(), "a")
	if got := promtest.ToFloat64(cfg.Metrics.inUse.WithLabelValues("a")); got != 1 {
		t.Errorf("Expected in_use 1, got %v", got)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _ = p.Borrow(ctx, "a")

	_ = p.Release("a", r)
	if got := promtest.ToFloat64(cfg.Metrics.idle.WithLabelValues("a")); got != 1 {
		t.Errorf("Expected idle 1, got %v", got)
	}
	if got := promtest.ToFloat64(cfg.Metrics.borrows.WithLabelValues("ok")); got != 1 {
		t.Errorf("Expected 1 ok borrow, got %v", got)
	}
	if got := promtest.ToFloat64(cfg.Metrics.borrows.WithLabelValues("timeout")); got != 1 {
		t.Errorf("Expected 1 timed out borrow, got %v", got)
	}
	if got := promtest.ToFloat64(cfg.Metrics.maxPerKey); got != 1 {
		t.Errorf("Expected max_per_endpoint 1, got %v", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MaxPerKey != 10 {
		t.Errorf("MaxPerKey = %d, want 10", cfg.MaxPerKey)
	}
	if cfg.BorrowTimeout != 30*time.Second {
		t.Errorf("BorrowTimeout = %v, want 30s", cfg.BorrowTimeout)
	}
	if cfg.MaxIdleTime != 10*time.Minute {
		t.Errorf("MaxIdleTime = %v, want 10m", cfg.MaxIdleTime)
	}
	if cfg.HealthCheckInterval != time.Minute {
		t.Errorf("HealthCheckInterval = %v, want 1m", cfg.HealthCheckInterval)
	}
}

func TestStatsString(t *testing.T) {
	s := Stats{Keys: 2, NumIdle: 1, NumInUse: 3, BorrowCount: 9}
	want := "keys=2 idle=1 in_use=3 creating=0 borrows=9 timeouts=0 created=0 discarded=0"
	if s.String() != want {
		t.Errorf("String() = %q, want %q", s.String(), want)
	}
}
