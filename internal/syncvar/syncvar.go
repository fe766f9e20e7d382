// Package syncvar provides a value cell that goroutines can block on until
// it holds an expected value.
package syncvar

import (
	"context"
	"sync"
	"time"
)

// Var holds a value of T. Set wakes every goroutine blocked in WaitFor.
// The zero value is ready to use and holds the zero value of T.
type Var[T comparable] struct {
	mu      sync.Mutex
	value   T
	changed chan struct{}
}

// New returns a Var holding initial.
func New[T comparable](initial T) *Var[T] {
	return &Var[T]{value: initial}
}

// Get returns the current value without blocking on waiters.
func (v *Var[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set replaces the value and wakes all waiters, even when the value is
// unchanged.
func (v *Var[T]) Set(value T) {
	v.mu.Lock()
	v.value = value
	if v.changed != nil {
		close(v.changed)
		v.changed = nil
	}
	v.mu.Unlock()
}

// WaitFor blocks until the value equals want or ctx is done. It returns
// immediately when the value already equals want.
func (v *Var[T]) WaitFor(ctx context.Context, want T) error {
	for {
		v.mu.Lock()
		if v.value == want {
			v.mu.Unlock()
			return nil
		}
		if v.changed == nil {
			v.changed = make(chan struct{})
		}
		ch := v.changed
		v.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitTimeout is WaitFor with a relative deadline.
func (v *Var[T]) WaitTimeout(want T, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return v.WaitFor(ctx, want)
}
