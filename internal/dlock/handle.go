package dlock

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kneutral-org/leasekeeper/internal/lock"
)

// Record is one key held by a Handle.
type Record struct {
	Key   string `json:"key"`
	Token int64  `json:"token"`
}

// Handle holds the keys taken by one successful Lock.Acquire.
// A Handle must not be used once Release has returned.
type Handle struct {
	lock *Lock

	mu      sync.Mutex
	records []Record
	active  bool

	// refs counts the owner plus Updates in flight. The handle goes back to
	// its pool when the count drops to zero.
	refs atomic.Int32
}

func (h *Handle) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.records)
	h.records = h.records[:0]
	h.active = false
}

// retain takes a reference unless the handle was already given back.
func (h *Handle) retain() bool {
	for {
		n := h.refs.Load()
		if n <= 0 {
			return false
		}
		if h.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (h *Handle) unref() {
	if h.refs.Add(-1) != 0 {
		return
	}
	l := h.lock
	l.handles.Put(h)
	l.recycle()
}

// Records returns a copy of the held keys in acquisition order.
func (h *Handle) Records() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.records)
}

// Release releases every held key in reverse acquisition order, then
// recycles the handle and its lock. Individual failures are logged and
// joined into the returned error; the remaining keys are still released.
// A key whose lease already ended is left alone and reported as
// ErrLeaseLost. Calling Release again is a no-op.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return nil
	}
	h.active = false

	l := h.lock
	logger := l.manager.logger
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(h.records) - 1; i >= 0; i-- {
		r := h.records[i]
		_, err := l.manager.store.Release(ctx, r.Key, r.Token)
		if err == nil {
			continue
		}
		if errors.Is(err, lock.ErrStale) {
			err = fmt.Errorf("%w: %w", ErrLeaseLost, err)
		}
		logger.Error().
			Err(err).
			Str("key", r.Key).
			Int64("token", r.Token).
			Msg("failed to release key")
		errs = append(errs, fmt.Errorf("release %q: %w", r.Key, err))
	}
	h.mu.Unlock()

	h.unref()
	return errors.Join(errs...)
}

// Update renews every held key for duration, or for the lock's duration when
// zero. A key that fails keeps its previous token; failures do not stop the
// remaining renewals and are joined into the returned error. A key whose
// lease ended, even if another holder has taken it since, reports
// ErrLeaseLost.
func (h *Handle) Update(ctx context.Context, duration time.Duration) error {
	if !h.retain() {
		return ErrLeaseLost
	}
	defer h.unref()

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.active {
		return ErrLeaseLost
	}

	l := h.lock
	if duration == 0 {
		duration = l.duration
	}

	var errs []error
	for i, r := range h.records {
		token, err := l.manager.store.Update(ctx, r.Key, r.Token, duration)
		if errors.Is(err, lock.ErrStale) {
			err = fmt.Errorf("%w: %w", ErrLeaseLost, err)
		}
		if err != nil {
			l.manager.logger.Warn().
				Err(err).
				Str("key", r.Key).
				Int64("token", r.Token).
				Msg("failed to renew key")
			errs = append(errs, fmt.Errorf("renew %q: %w", r.Key, err))
			continue
		}
		h.records[i].Token = token
	}

	if len(errs) > 0 {
		return l.manager.newError(CodeUpdate, "failed to renew handle", errors.Join(errs...))
	}
	return nil
}
