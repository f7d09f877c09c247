// Package lock provides lease-based lock stores. A store grants exclusive,
// time-bounded leases on named keys and identifies every lease with a
// monotonically increasing token.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Common errors for lock store operations.
var (
	// ErrNotFound is returned when releasing or renewing a key that was never acquired.
	ErrNotFound = errors.New("lock not found")

	// ErrInvalidKey is returned for an empty key.
	ErrInvalidKey = errors.New("lock key must not be empty")

	// ErrInvalidDuration is returned for a lease duration that is not positive.
	ErrInvalidDuration = errors.New("lease duration must be positive")

	// ErrStale matches any *StaleError.
	ErrStale = errors.New("lock token is stale")
)

// StaleError reports a Release or Update whose token no longer identifies
// the lease on Key. Token is the one now current for Key.
type StaleError struct {
	Key   string
	Token int64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("%q: %v, current token is %d", e.Key, ErrStale, e.Token)
}

// Is reports whether target is ErrStale.
func (e *StaleError) Is(target error) bool {
	return target == ErrStale
}

// CurrentToken returns the current token carried by a stale error in err's chain.
func CurrentToken(err error) (int64, bool) {
	var stale *StaleError
	if errors.As(err, &stale) {
		return stale.Token, true
	}
	return -1, false
}

// Info is a point-in-time view of one key.
type Info struct {
	Key       string    `json:"key"`
	IsLocked  bool      `json:"isLocked"`
	Token     int64     `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Store defines the lease contract shared by every backend.
// Implementations must be safe for concurrent use.
type Store interface {
	// Acquire blocks until key is free or ctx is done, then grants a lease
	// lasting duration and returns its token.
	Acquire(ctx context.Context, key string, duration time.Duration) (int64, error)

	// Release ends the lease identified by token and returns the token now
	// current for key. A stale token changes nothing and returns the
	// current token together with a *StaleError.
	Release(ctx context.Context, key string, token int64) (int64, error)

	// Update extends the lease identified by token to end duration from now
	// and returns the replacement token. A stale token changes nothing and
	// returns the current token together with a *StaleError.
	Update(ctx context.Context, key string, token int64, duration time.Duration) (int64, error)

	// Locks returns a snapshot of every known key.
	Locks(ctx context.Context) ([]Info, error)
}

// Expirer schedules lease expirations. It is satisfied by *expiration.Scheduler.
type Expirer interface {
	Enqueue(ctx context.Context, key string, fireAt time.Time, action func()) error
	Dequeue(ctx context.Context, key string) error
	UpdateExpiration(ctx context.Context, key string, fireAt time.Time) error
}

// Operation result labels used for metrics.
const (
	resultOK       = "ok"
	resultStale    = "stale"
	resultNotFound = "not_found"
	resultError    = "error"
)

func validate(key string, duration time.Duration) error {
	if key == "" {
		return ErrInvalidKey
	}
	if duration <= 0 {
		return ErrInvalidDuration
	}
	return nil
}
