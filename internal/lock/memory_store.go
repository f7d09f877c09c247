package lock

import (
	"context"
	"fmt"
	"math/bits"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kneutral-org/leasekeeper/internal/metrics"
)

const (
	backendMemory = "memory"

	// DefaultShardCount is the number of record map shards.
	DefaultShardCount = 32
)

// record is the per-key lease state. sem is held for exactly as long as a
// lease is outstanding.
type record struct {
	key     string
	sem     *semaphore.Weighted
	waiters atomic.Int32

	mu        sync.Mutex
	held      bool
	lease     uint64
	token     int64
	expiresAt time.Time
	touchedAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	records map[string]*record
}

// MemoryStore keeps lease state in process memory and relies on an Expirer
// to end leases whose duration elapses.
type MemoryStore struct {
	expirer Expirer
	logger  zerolog.Logger
	clock   clockwork.Clock
	cleanup CleanupStrategy

	shards []*shard
	mask   uint64

	epoch atomic.Int64
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithCleanupStrategy sets the strategy run at the start of every Acquire.
func WithCleanupStrategy(strategy CleanupStrategy) MemoryStoreOption {
	return func(s *MemoryStore) {
		if strategy != nil {
			s.cleanup = strategy
		}
	}
}

// WithClock sets the clock used to compute expiry deadlines.
// It should be the same clock the Expirer uses.
func WithClock(clock clockwork.Clock) MemoryStoreOption {
	return func(s *MemoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithShardCount sets the number of record map shards, rounded up to a power of two.
func WithShardCount(n int) MemoryStoreOption {
	return func(s *MemoryStore) {
		if n > 0 {
			s.shards = make([]*shard, 1<<bits.Len(uint(n-1)))
		}
	}
}

// NewMemoryStore creates an in-memory store that schedules expirations on expirer.
func NewMemoryStore(expirer Expirer, logger zerolog.Logger, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		expirer: expirer,
		logger:  logger.With().Str("component", "memory-store").Logger(),
		clock:   clockwork.NewRealClock(),
		cleanup: NoopCleanup{},
		shards:  make([]*shard, DefaultShardCount),
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range s.shards {
		s.shards[i] = &shard{records: make(map[string]*record)}
	}
	s.mask = uint64(len(s.shards) - 1)
	return s
}

func (s *MemoryStore) nextToken() int64 {
	return s.epoch.Add(1)
}

func (s *MemoryStore) shardFor(id string) *shard {
	return s.shards[xxhash.Sum64String(id)&s.mask]
}

// getOrCreate returns the record for key and registers the caller as a
// waiter while the shard lock is held, so Prune cannot remove it.
func (s *MemoryStore) getOrCreate(key string) *record {
	id := strings.ToLower(key)
	sh := s.shardFor(id)

	sh.mu.RLock()
	rec, ok := sh.records[id]
	if ok {
		rec.waiters.Add(1)
		sh.mu.RUnlock()
		return rec
	}
	sh.mu.RUnlock()

	sh.mu.Lock()
	defer sh.mu.Unlock()
	rec, ok = sh.records[id]
	if !ok {
		rec = &record{
			key:       key,
			sem:       semaphore.NewWeighted(1),
			token:     -1,
			touchedAt: s.clock.Now(),
		}
		sh.records[id] = rec
	}
	rec.waiters.Add(1)
	return rec
}

func (s *MemoryStore) lookup(key string) *record {
	id := strings.ToLower(key)
	sh := s.shardFor(id)

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.records[id]
}

// Acquire blocks until key is free or ctx is done and grants a lease.
func (s *MemoryStore) Acquire(ctx context.Context, key string, duration time.Duration) (int64, error) {
	if err := validate(key, duration); err != nil {
		metrics.RecordLockOperation(backendMemory, "acquire", resultError)
		return -1, err
	}

	if err := s.cleanup.Cleanup(ctx, s); err != nil {
		s.logger.Warn().Err(err).Msg("cleanup strategy failed")
	}

	rec := s.getOrCreate(key)
	start := s.clock.Now()

	if err := rec.sem.Acquire(ctx, 1); err != nil {
		rec.waiters.Add(-1)
		metrics.RecordLockOperation(backendMemory, "acquire", resultError)
		return -1, err
	}
	metrics.RecordAcquireWait(backendMemory, s.clock.Since(start).Seconds())

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := s.clock.Now()
	rec.held = true
	rec.lease++
	lease := rec.lease
	rec.token = s.nextToken()
	rec.expiresAt = now.Add(duration)
	rec.touchedAt = now
	rec.waiters.Add(-1)

	err := s.expirer.Enqueue(ctx, key, rec.expiresAt, func() { s.expire(rec, lease) })
	if err != nil {
		rec.held = false
		rec.lease++
		rec.sem.Release(1)
		metrics.RecordLockOperation(backendMemory, "acquire", resultError)
		return -1, fmt.Errorf("failed to schedule expiration for %q: %w", key, err)
	}

	metrics.IncLocksHeld()
	metrics.RecordLockOperation(backendMemory, "acquire", resultOK)
	s.logger.Debug().
		Str("key", key).
		Int64("token", rec.token).
		Time("expiresAt", rec.expiresAt).
		Msg("lock acquired")
	return rec.token, nil
}

// Release ends the lease identified by token.
func (s *MemoryStore) Release(ctx context.Context, key string, token int64) (int64, error) {
	rec := s.lookup(key)
	if rec == nil {
		metrics.RecordLockOperation(backendMemory, "release", resultNotFound)
		return -1, fmt.Errorf("release %q: %w", key, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.held || rec.token != token {
		metrics.RecordLockOperation(backendMemory, "release", resultStale)
		return rec.token, &StaleError{Key: key, Token: rec.token}
	}

	if err := s.expirer.Dequeue(ctx, key); err != nil {
		metrics.RecordLockOperation(backendMemory, "release", resultError)
		return -1, fmt.Errorf("failed to cancel expiration for %q: %w", key, err)
	}

	rec.held = false
	rec.lease++
	rec.token = s.nextToken()
	rec.touchedAt = s.clock.Now()
	rec.sem.Release(1)

	metrics.DecLocksHeld()
	metrics.RecordLockOperation(backendMemory, "release", resultOK)
	s.logger.Debug().Str("key", key).Int64("token", rec.token).Msg("lock released")
	return rec.token, nil
}

// Update moves the expiry of the lease identified by token to duration from
// now and issues a replacement token.
func (s *MemoryStore) Update(ctx context.Context, key string, token int64, duration time.Duration) (int64, error) {
	if duration <= 0 {
		metrics.RecordLockOperation(backendMemory, "update", resultError)
		return -1, ErrInvalidDuration
	}

	rec := s.lookup(key)
	if rec == nil {
		metrics.RecordLockOperation(backendMemory, "update", resultNotFound)
		return -1, fmt.Errorf("update %q: %w", key, ErrNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.held || rec.token != token {
		metrics.RecordLockOperation(backendMemory, "update", resultStale)
		return rec.token, &StaleError{Key: key, Token: rec.token}
	}

	now := s.clock.Now()
	expiresAt := now.Add(duration)
	if err := s.expirer.UpdateExpiration(ctx, key, expiresAt); err != nil {
		metrics.RecordLockOperation(backendMemory, "update", resultError)
		return -1, fmt.Errorf("failed to reschedule expiration for %q: %w", key, err)
	}

	rec.expiresAt = expiresAt
	rec.touchedAt = now
	rec.token = s.nextToken()

	metrics.RecordLockOperation(backendMemory, "update", resultOK)
	s.logger.Debug().
		Str("key", key).
		Int64("token", rec.token).
		Time("expiresAt", expiresAt).
		Msg("lock renewed")
	return rec.token, nil
}

// expire ends the lease generation captured at acquire time. Callbacks for
// an earlier generation are ignored.
func (s *MemoryStore) expire(rec *record, lease uint64) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if !rec.held || rec.lease != lease {
		return
	}

	now := s.clock.Now()
	if now.Before(rec.expiresAt) {
		// Renewed after this callback was already due.
		err := s.expirer.Enqueue(context.Background(), rec.key, rec.expiresAt, func() { s.expire(rec, lease) })
		if err == nil {
			return
		}
		s.logger.Error().Err(err).Str("key", rec.key).Msg("failed to reschedule renewed lease, releasing")
	}

	rec.held = false
	rec.lease++
	rec.touchedAt = now
	rec.sem.Release(1)

	metrics.DecLocksHeld()
	metrics.RecordLeaseExpired()
	s.logger.Debug().Str("key", rec.key).Int64("token", rec.token).Msg("lease expired")
}

// Locks returns a snapshot of every known key, sorted by key. ExpiresAt is
// zero for keys that are not held.
func (s *MemoryStore) Locks(_ context.Context) ([]Info, error) {
	var infos []Info
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			rec.mu.Lock()
			info := Info{Key: rec.key, IsLocked: rec.held, Token: rec.token}
			if rec.held {
				info.ExpiresAt = rec.expiresAt
			}
			infos = append(infos, info)
			rec.mu.Unlock()
		}
		sh.mu.RUnlock()
	}

	slices.SortFunc(infos, func(a, b Info) int {
		return strings.Compare(strings.ToLower(a.Key), strings.ToLower(b.Key))
	})
	return infos, nil
}

// Prune removes records that are unlocked, have no waiters and were last
// touched before idleBefore. It returns the number removed.
func (s *MemoryStore) Prune(idleBefore time.Time) int {
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, rec := range sh.records {
			if rec.waiters.Load() > 0 {
				continue
			}
			rec.mu.Lock()
			idle := !rec.held && rec.touchedAt.Before(idleBefore)
			rec.mu.Unlock()
			if idle {
				delete(sh.records, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		metrics.RecordRecordsPruned(removed)
	}
	return removed
}

// PruneIdle removes records idle for longer than maxIdle.
func (s *MemoryStore) PruneIdle(_ context.Context, maxIdle time.Duration) (int, error) {
	return s.Prune(s.clock.Now().Add(-maxIdle)), nil
}

// Len returns the number of tracked keys.
func (s *MemoryStore) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.records)
		sh.mu.RUnlock()
	}
	return n
}
