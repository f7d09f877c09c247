package dlock

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kneutral-org/leasekeeper/internal/metrics"
	"github.com/kneutral-org/leasekeeper/internal/pool"
)

// Lock is a reusable description of a key set and lease duration.
// A Lock is not safe for concurrent Acquire calls.
type Lock struct {
	manager  *Manager
	keys     []string
	duration time.Duration
	recycled atomic.Bool

	handles *pool.Pool[*Handle]
}

func newLock(m *Manager) *Lock {
	l := &Lock{manager: m}
	l.handles = pool.New(
		func() *Handle { return &Handle{} },
		pool.WithReset(func(h *Handle) bool {
			h.reset()
			return true
		}),
		pool.WithMaxRetained[*Handle](handlesPerLock),
	)
	return l
}

func (l *Lock) clear() {
	clear(l.keys)
	l.keys = l.keys[:0]
	l.duration = 0
}

// Keys returns the requested keys.
func (l *Lock) Keys() []string {
	return slices.Clone(l.keys)
}

// Duration returns the lease duration requested for every key.
func (l *Lock) Duration() time.Duration {
	return l.duration
}

// Acquire takes every key in order. Empty keys and case-insensitive
// duplicates are skipped. On failure the keys already taken are released in
// reverse order, even if ctx is done, and the error carries CodeAcquire.
func (l *Lock) Acquire(ctx context.Context) Result[*Handle] {
	store := l.manager.store

	h := l.handles.Get()
	h.lock = l

	for _, key := range l.keys {
		if key == "" || slices.ContainsFunc(h.records, func(r Record) bool {
			return strings.EqualFold(r.Key, key)
		}) {
			continue
		}

		token, err := store.Acquire(ctx, key, l.duration)
		if err != nil {
			l.rollback(ctx, h.records)
			l.handles.Put(h)
			metrics.RecordMultiLockAcquire("error")
			return Result[*Handle]{
				Err: l.manager.newError(CodeAcquire, fmt.Sprintf("failed to acquire %q", key), err),
			}
		}
		h.records = append(h.records, Record{Key: key, Token: token})
	}

	h.active = true
	h.refs.Store(1)
	metrics.RecordMultiLockAcquire("ok")
	return Result[*Handle]{Value: h}
}

func (l *Lock) rollback(ctx context.Context, records []Record) {
	if len(records) == 0 {
		return
	}

	ctx = context.WithoutCancel(ctx)
	for i := len(records) - 1; i >= 0; i-- {
		r := records[i]
		if _, err := l.manager.store.Release(ctx, r.Key, r.Token); err != nil {
			l.manager.logger.Error().
				Err(err).
				Str("key", r.Key).
				Int64("token", r.Token).
				Msg("failed to release key during rollback")
		}
	}
	metrics.RecordMultiLockRollback(len(records))
}

// Release releases a single key held with token.
func (l *Lock) Release(ctx context.Context, key string, token int64) Result[int64] {
	current, err := l.manager.store.Release(ctx, key, token)
	if err != nil {
		return Result[int64]{
			Value: current,
			Err:   l.manager.newError(CodeRelease, fmt.Sprintf("failed to release %q", key), err),
		}
	}
	return Result[int64]{Value: current}
}

// Update renews a single key held with token for duration.
func (l *Lock) Update(ctx context.Context, key string, token int64, duration time.Duration) Result[int64] {
	current, err := l.manager.store.Update(ctx, key, token, duration)
	if err != nil {
		return Result[int64]{
			Value: current,
			Err:   l.manager.newError(CodeUpdate, fmt.Sprintf("failed to renew %q", key), err),
		}
	}
	return Result[int64]{Value: current}
}

// Close returns the lock to its manager. Use it for a lock whose Acquire
// failed or was never called. A lock whose handle was released is returned
// automatically.
func (l *Lock) Close() {
	l.recycle()
}

func (l *Lock) recycle() {
	if l.recycled.CompareAndSwap(false, true) {
		l.manager.locks.Put(l)
	}
}
