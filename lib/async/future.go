// Package async provides a single-assignment completion used to report the
// outcome of work that finishes on another goroutine.
//
// A Future resolves exactly once, either to a value or to an error. Later
// attempts to resolve it are ignored and reported as such, so competing
// producers (for example a handshake and its timeout timer) can race safely.
package async

import (
	"context"
	"fmt"
	"sync"
)

// Future is a completion that resolves exactly once.
// The zero value is not usable; create one with New.
type Future[T any] struct {
	once  sync.Once
	done  chan struct{}
	value T
	err   error
}

// New returns an unresolved Future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a Future that has already succeeded with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed returns a Future that has already failed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Go runs fn on a new goroutine and returns a Future for its result.
// A panic in fn fails the Future instead of crashing the process.
func Go[T any](fn func() (T, error)) *Future[T] {
	f := New[T]()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				f.Fail(fmt.Errorf("async: panic: %v", r))
			}
		}()
		v, err := fn()
		f.Complete(v, err)
	}()
	return f
}

// Resolve completes the Future with v. It returns false if the Future was
// already resolved.
func (f *Future[T]) Resolve(v T) bool {
	return f.Complete(v, nil)
}

// Fail completes the Future with err. It returns false if the Future was
// already resolved.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.Complete(zero, err)
}

// Complete resolves the Future with v on a nil err, otherwise with err.
// It returns false if the Future was already resolved.
func (f *Future[T]) Complete(v T, err error) bool {
	won := false
	f.once.Do(func() {
		if err == nil {
			f.value = v
		} else {
			f.err = err
		}
		won = true
		close(f.done)
	})
	return won
}

// Done returns a channel closed once the Future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the Future has resolved.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Err returns the failure, or nil if the Future succeeded or is still pending.
func (f *Future[T]) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the Future resolves and returns its outcome.
func (f *Future[T]) Wait() (T, error) {
	<-f.done
	return f.value, f.err
}

// Await blocks until the Future resolves or ctx is done. A ctx expiry does not
// resolve the Future; it only abandons this wait.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Then returns a Future resolved with fn applied to f's value, or with f's
// error if f failed.
func Then[T, U any](f *Future[T], fn func(T) (U, error)) *Future[U] {
	out := New[U]()
	go func() {
		v, err := f.Wait()
		if err != nil {
			out.Fail(err)
			return
		}
		out.Complete(fn(v))
	}()
	return out
}
