// Package dlock acquires sets of keys from a lock.Store as a unit.
//
// A Manager hands out pooled Lock values describing a key set and lease
// duration. Lock.Acquire takes the keys in order and, if any key fails,
// releases the ones already taken in reverse order before reporting the
// failure. The resulting Handle releases everything it holds, again in
// reverse order, and returns itself and its Lock to their pools.
package dlock

import (
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/leasekeeper/internal/lock"
	"github.com/kneutral-org/leasekeeper/internal/pool"
)

const (
	// DefaultDuration is the lease duration used when Create is given zero.
	DefaultDuration = 30 * time.Second

	defaultMaxRetained = 64
	handlesPerLock     = 4
)

// Manager creates multi-key locks over a store.
type Manager struct {
	store           lock.Store
	logger          zerolog.Logger
	clock           clockwork.Clock
	defaultDuration time.Duration
	maxRetained     int

	locks *pool.Pool[*Lock]
}

// Option configures a Manager.
type Option func(*Manager)

// WithDefaultDuration sets the lease duration used when Create is given zero.
func WithDefaultDuration(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.defaultDuration = d
		}
	}
}

// WithClock sets the clock used to timestamp errors.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMaxRetained caps the number of idle locks kept for reuse.
func WithMaxRetained(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetained = n
		}
	}
}

// NewManager creates a manager acquiring keys from store.
func NewManager(store lock.Store, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		logger:          logger.With().Str("component", "dlock").Logger(),
		clock:           clockwork.NewRealClock(),
		defaultDuration: DefaultDuration,
		maxRetained:     defaultMaxRetained,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.locks = pool.New(
		func() *Lock { return newLock(m) },
		pool.WithReset(func(l *Lock) bool {
			l.clear()
			return true
		}),
		pool.WithMaxRetained[*Lock](m.maxRetained),
	)
	return m
}

// Create returns a lock for keys. A zero duration selects the manager's
// default. Create never blocks and never touches the store.
func (m *Manager) Create(keys []string, duration time.Duration) *Lock {
	if duration == 0 {
		duration = m.defaultDuration
	}

	l := m.locks.Get()
	l.keys = append(l.keys[:0], keys...)
	l.duration = duration
	l.recycled.Store(false)
	return l
}

func (m *Manager) newError(code uint32, description string, err error) *Error {
	return &Error{
		Code:        code,
		Time:        m.clock.Now(),
		Description: description,
		Err:         err,
	}
}
