// Package ratelimit provides per-endpoint request rate limiting.
// Each key gets its own token bucket; idle buckets are evicted periodically.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/songyanbo/http-client/lib/errors"
)

// DefaultCleanup is how long an untouched bucket is kept.
const DefaultCleanup = 5 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Keyed is a per-key token bucket rate limiter.
type Keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit // tokens per second
	burst   int
	cleanup time.Duration
	stopCh  chan struct{}
	once    sync.Once
}

// NewKeyed creates a per-key rate limiter allowing perSecond requests per
// key with bursts up to burst. A non-positive perSecond means unlimited.
func NewKeyed(perSecond float64, burst int, cleanup time.Duration) *Keyed {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	if cleanup <= 0 {
		cleanup = DefaultCleanup
	}
	k := &Keyed{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		cleanup: cleanup,
		stopCh:  make(chan struct{}),
	}
	go k.cleanupLoop()
	return k
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (k *Keyed) Close() {
	k.once.Do(func() { close(k.stopCh) })
}

func (k *Keyed) get(key string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastUsed = time.Now()
	return b.limiter
}

// Allow reports whether a request for key may proceed now, consuming a token.
func (k *Keyed) Allow(key string) bool {
	return k.get(key).Allow()
}

// Wait blocks until a request for key may proceed. It fails with
// ErrRateLimited when ctx ends first or its deadline is too close for a
// token to become available.
func (k *Keyed) Wait(ctx context.Context, key string) error {
	if err := k.get(key).Wait(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded for %s", key), err)
	}
	return nil
}

// Len returns the number of tracked keys.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// cleanupLoop periodically removes idle buckets.
func (k *Keyed) cleanupLoop() {
	ticker := time.NewTicker(k.cleanup)
	defer ticker.Stop()
	for {
		select {
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.evict(time.Now())
		}
	}
}

// evict drops buckets untouched for longer than the cleanup interval whose
// tokens have fully refilled.
func (k *Keyed) evict(now time.Time) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for key, b := range k.buckets {
		if now.Sub(b.lastUsed) > k.cleanup && b.limiter.TokensAt(now) >= float64(k.burst) {
			delete(k.buckets, key)
		}
	}
}
