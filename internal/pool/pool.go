// Package pool provides a small typed free-list for reusing objects.
package pool

import "sync"

// DefaultMaxRetained is the number of idle objects kept when no limit is given.
const DefaultMaxRetained = 256

// Pool is a mutex-guarded free list. Unlike sync.Pool it never drops
// retained objects on garbage collection, so a returned object is handed
// out again by the next Get.
type Pool[T any] struct {
	mu    sync.Mutex
	items []T

	newFn       func() T
	reset       func(T) bool
	maxRetained int
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithReset sets a function run on every object passed to Put. Returning
// false discards the object instead of retaining it.
func WithReset[T any](fn func(T) bool) Option[T] {
	return func(p *Pool[T]) {
		p.reset = fn
	}
}

// WithMaxRetained caps the number of idle objects kept.
func WithMaxRetained[T any](n int) Option[T] {
	return func(p *Pool[T]) {
		if n > 0 {
			p.maxRetained = n
		}
	}
}

// New creates a pool that builds new objects with newFn.
func New[T any](newFn func() T, opts ...Option[T]) *Pool[T] {
	p := &Pool[T]{
		newFn:       newFn,
		maxRetained: DefaultMaxRetained,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Get returns the most recently returned idle object, or a new one.
func (p *Pool[T]) Get() T {
	p.mu.Lock()
	if n := len(p.items); n > 0 {
		item := p.items[n-1]
		var zero T
		p.items[n-1] = zero
		p.items = p.items[:n-1]
		p.mu.Unlock()
		return item
	}
	p.mu.Unlock()
	return p.newFn()
}

// Put returns an object to the pool.
func (p *Pool[T]) Put(item T) {
	if p.reset != nil && !p.reset(item) {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.items) >= p.maxRetained {
		return
	}
	p.items = append(p.items, item)
}

// Idle returns the number of retained objects.
func (p *Pool[T]) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}
