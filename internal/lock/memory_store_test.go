package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kneutral-org/leasekeeper/internal/expiration"
)

// mockExpirer is a mock implementation of Expirer for testing.
// Actions only run when the test calls fire.
type mockExpirer struct {
	mu      sync.Mutex
	actions map[string][]func()
	fireAt  map[string]time.Time

	enqueueErr error
	dequeueErr error
	updateErr  error

	enqueueCalls atomic.Int32
	dequeueCalls atomic.Int32
	updateCalls  atomic.Int32
}

func newMockExpirer() *mockExpirer {
	return &mockExpirer{
		actions: make(map[string][]func()),
		fireAt:  make(map[string]time.Time),
	}
}

func (m *mockExpirer) Enqueue(ctx context.Context, key string, fireAt time.Time, action func()) error {
	m.enqueueCalls.Add(1)
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := strings.ToLower(key)
	m.actions[id] = append(m.actions[id], action)
	m.fireAt[id] = fireAt
	return nil
}

func (m *mockExpirer) Dequeue(ctx context.Context, key string) error {
	m.dequeueCalls.Add(1)
	if m.dequeueErr != nil {
		return m.dequeueErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.actions, strings.ToLower(key))
	return nil
}

func (m *mockExpirer) UpdateExpiration(ctx context.Context, key string, fireAt time.Time) error {
	m.updateCalls.Add(1)
	if m.updateErr != nil {
		return m.updateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fireAt[strings.ToLower(key)] = fireAt
	return nil
}

// fire runs and removes every pending action for key.
func (m *mockExpirer) fire(key string) int {
	m.mu.Lock()
	id := strings.ToLower(key)
	actions := m.actions[id]
	delete(m.actions, id)
	m.mu.Unlock()

	for _, action := range actions {
		action()
	}
	return len(actions)
}

// capture returns the pending actions for key without removing them.
func (m *mockExpirer) capture(key string) []func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(){}, m.actions[strings.ToLower(key)]...)
}

func (m *mockExpirer) scheduledAt(key string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fireAt[strings.ToLower(key)]
}

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestMemoryStore(t *testing.T, opts ...MemoryStoreOption) (*MemoryStore, *mockExpirer, *clockwork.FakeClock) {
	t.Helper()
	expirer := newMockExpirer()
	clock := clockwork.NewFakeClockAt(testEpoch)
	opts = append([]MemoryStoreOption{WithClock(clock)}, opts...)
	return NewMemoryStore(expirer, zerolog.Nop(), opts...), expirer, clock
}

func infoFor(t *testing.T, store Store, key string) Info {
	t.Helper()
	infos, err := store.Locks(context.Background())
	require.NoError(t, err)
	for _, info := range infos {
		if strings.EqualFold(info.Key, key) {
			return info
		}
	}
	t.Fatalf("no info for key %q", key)
	return Info{}
}

func TestMemoryStore_EndToEndTokenSequence(t *testing.T) {
	store, expirer, clock := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "res", 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), token)
	assert.Equal(t, testEpoch.Add(10*time.Second), expirer.scheduledAt("res"))

	token, err = store.Update(ctx, "res", 1, 20*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), token)
	assert.Equal(t, clock.Now().Add(20*time.Second), expirer.scheduledAt("res"))

	token, err = store.Release(ctx, "res", 1)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, int64(2), token, "stale release returns the current token")
	assert.True(t, infoFor(t, store, "res").IsLocked)

	token, err = store.Release(ctx, "res", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), token)

	info := infoFor(t, store, "res")
	assert.False(t, info.IsLocked)
	assert.Equal(t, int64(3), info.Token)
}

func TestMemoryStore_AcquireValidation(t *testing.T) {
	store, expirer, _ := newTestMemoryStore(t)
	ctx := context.Background()

	_, err := store.Acquire(ctx, "", time.Second)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = store.Acquire(ctx, "res", 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = store.Acquire(ctx, "res", -time.Second)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	assert.Equal(t, int32(0), expirer.enqueueCalls.Load())
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStore_TokensAreGloballyMonotonic(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)
	ctx := context.Background()

	var last int64
	for _, key := range []string{"a", "b", "c", "d"} {
		token, err := store.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Greater(t, token, last)
		last = token
	}
}

func TestMemoryStore_KeysAreCaseInsensitive(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "Resource", time.Minute)
	require.NoError(t, err)

	next, err := store.Release(ctx, "RESOURCE", token)
	require.NoError(t, err)
	assert.Equal(t, token+1, next)

	infos, err := store.Locks(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "Resource", infos[0].Key)
}

func TestMemoryStore_MutualExclusion(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)
	ctx := context.Background()

	first, err := store.Acquire(ctx, "res", time.Minute)
	require.NoError(t, err)

	acquired := make(chan int64, 1)
	go func() {
		token, err := store.Acquire(ctx, "res", time.Minute)
		if err == nil {
			acquired <- token
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire succeeded while the key was held")
	case <-time.After(50 * time.Millisecond):
	}

	released, err := store.Release(ctx, "res", first)
	require.NoError(t, err)

	select {
	case token := <-acquired:
		assert.Greater(t, token, released)
	case <-time.After(2 * time.Second):
		t.Fatal("second acquire did not proceed after release")
	}
}

func TestMemoryStore_ConcurrentHoldersNeverOverlap(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)
	ctx := context.Background()

	var inside atomic.Int32
	var violations atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			token, err := store.Acquire(ctx, "shared", time.Minute)
			if err != nil {
				return
			}
			if inside.Add(1) != 1 {
				violations.Add(1)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			_, _ = store.Release(ctx, "shared", token)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), violations.Load())
	assert.False(t, infoFor(t, store, "shared").IsLocked)
}

func TestMemoryStore_AcquireCancelledWhileWaiting(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)

	_, err := store.Acquire(context.Background(), "res", time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	token, err := store.Acquire(ctx, "res", time.Minute)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int64(-1), token)

	rec := store.lookup("res")
	require.NotNil(t, rec)
	assert.Equal(t, int32(0), rec.waiters.Load())
}

func TestMemoryStore_EnqueueFailureReleasesKey(t *testing.T) {
	store, expirer, _ := newTestMemoryStore(t)
	ctx := context.Background()

	expirer.enqueueErr = expiration.ErrClosed
	_, err := store.Acquire(ctx, "res", time.Minute)
	require.ErrorIs(t, err, expiration.ErrClosed)
	assert.False(t, infoFor(t, store, "res").IsLocked)

	// The key must be immediately acquirable again.
	expirer.enqueueErr = nil
	acquireCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_, err = store.Acquire(acquireCtx, "res", time.Minute)
	require.NoError(t, err)
}

func TestMemoryStore_AcquireWithCancelledContextLeavesKeyFree(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Acquire(ctx, "res", time.Minute)
	require.Error(t, err)

	_, err = store.Acquire(context.Background(), "res", time.Minute)
	require.NoError(t, err)
}

func TestMemoryStore_ReleaseUnknownKey(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)

	token, err := store.Release(context.Background(), "missing", 1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int64(-1), token)
}

func TestMemoryStore_UpdateUnknownKey(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)

	_, err := store.Update(context.Background(), "missing", 1, time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateInvalidDuration(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "res", time.Minute)
	require.NoError(t, err)

	_, err = store.Update(ctx, "res", token, 0)
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestMemoryStore_StaleOperationsAreNoops(t *testing.T) {
	store, expirer, _ := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "res", time.Minute)
	require.NoError(t, err)

	current, err := store.Update(ctx, "res", token+100, time.Hour)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, token, current)
	assert.Equal(t, int32(0), expirer.updateCalls.Load())

	var stale *StaleError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, "res", stale.Key)
	assert.Equal(t, token, stale.Token)

	current, err = store.Release(ctx, "res", token-1)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, token, current)
	assert.Equal(t, int32(0), expirer.dequeueCalls.Load())

	info := infoFor(t, store, "res")
	assert.True(t, info.IsLocked)
	assert.Equal(t, token, info.Token)
}

func TestMemoryStore_ReleaseOfFreeKeyIsNoop(t *testing.T) {
	store, expirer, _ := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "res", time.Minute)
	require.NoError(t, err)
	current, err := store.Release(ctx, "res", token)
	require.NoError(t, err)

	again, err := store.Release(ctx, "res", current)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, current, again)
	assert.Equal(t, int32(1), expirer.dequeueCalls.Load())
}

func TestMemoryStore_DequeueFailureLeavesStateUnchanged(t *testing.T) {
	store, expirer, _ := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "res", time.Minute)
	require.NoError(t, err)

	expirer.dequeueErr = expiration.ErrClosed
	_, err = store.Release(ctx, "res", token)
	require.ErrorIs(t, err, expiration.ErrClosed)

	info := infoFor(t, store, "res")
	assert.True(t, info.IsLocked)
	assert.Equal(t, token, info.Token)
}

func TestMemoryStore_UpdateFailureLeavesStateUnchanged(t *testing.T) {
	store, expirer, _ := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "res", time.Minute)
	require.NoError(t, err)
	before := infoFor(t, store, "res")

	expirer.updateErr = expiration.ErrClosed
	_, err = store.Update(ctx, "res", token, time.Hour)
	require.ErrorIs(t, err, expiration.ErrClosed)

	after := infoFor(t, store, "res")
	assert.Equal(t, before, after)
}

func TestMemoryStore_ExpiryReleasesKey(t *testing.T) {
	store, expirer, clock := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "res", time.Second)
	require.NoError(t, err)

	clock.Advance(time.Second)
	assert.Equal(t, 1, expirer.fire("res"))

	info := infoFor(t, store, "res")
	assert.False(t, info.IsLocked)
	assert.Equal(t, token, info.Token, "expiry does not issue a token")

	// Release with the expired token is now a stale no-op.
	current, err := store.Release(ctx, "res", token)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, token, current)

	next, err := store.Acquire(ctx, "res", time.Second)
	require.NoError(t, err)
	assert.Greater(t, next, token)
}

func TestMemoryStore_ExpiredHolderCannotTouchNewLease(t *testing.T) {
	store, expirer, clock := newTestMemoryStore(t)
	ctx := context.Background()

	first, err := store.Acquire(ctx, "res", time.Second)
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.Equal(t, 1, expirer.fire("res"))

	second, err := store.Acquire(ctx, "res", time.Minute)
	require.NoError(t, err)

	current, err := store.Update(ctx, "res", first, time.Minute)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, second, current)

	current, err = store.Release(ctx, "res", first)
	require.ErrorIs(t, err, ErrStale)
	assert.Equal(t, second, current)

	info := infoFor(t, store, "res")
	assert.True(t, info.IsLocked)
	assert.Equal(t, second, info.Token)
}

func TestCurrentToken(t *testing.T) {
	err := fmt.Errorf("renew: %w", &StaleError{Key: "res", Token: 7})
	token, ok := CurrentToken(err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), token)
	assert.Contains(t, err.Error(), "current token is 7")

	_, ok = CurrentToken(ErrNotFound)
	assert.False(t, ok)
}

func TestMemoryStore_StaleExpiryDoesNotReleaseNewHolder(t *testing.T) {
	store, expirer, clock := newTestMemoryStore(t)
	ctx := context.Background()

	first, err := store.Acquire(ctx, "res", time.Second)
	require.NoError(t, err)
	stale := expirer.capture("res")
	require.Len(t, stale, 1)

	_, err = store.Release(ctx, "res", first)
	require.NoError(t, err)

	second, err := store.Acquire(ctx, "res", time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	stale[0]()

	info := infoFor(t, store, "res")
	assert.True(t, info.IsLocked)
	assert.Equal(t, second, info.Token)
}

func TestMemoryStore_RenewedLeaseReschedulesInFlightExpiry(t *testing.T) {
	store, expirer, clock := newTestMemoryStore(t)
	ctx := context.Background()

	token, err := store.Acquire(ctx, "res", time.Second)
	require.NoError(t, err)
	due := expirer.capture("res")

	// Renewal lands while the original callback is already due.
	clock.Advance(time.Second)
	_, err = store.Update(ctx, "res", token, time.Minute)
	require.NoError(t, err)
	expirer.fire("res")

	assert.True(t, infoFor(t, store, "res").IsLocked)
	require.Len(t, expirer.capture("res"), 1, "callback re-registered at the renewed deadline")
	assert.Len(t, due, 1)

	clock.Advance(time.Minute)
	expirer.fire("res")
	assert.False(t, infoFor(t, store, "res").IsLocked)
}

func TestMemoryStore_LocksSnapshotSorted(t *testing.T) {
	store, _, _ := newTestMemoryStore(t)
	ctx := context.Background()

	for _, key := range []string{"zeta", "Alpha", "mid"} {
		_, err := store.Acquire(ctx, key, time.Minute)
		require.NoError(t, err)
	}

	infos, err := store.Locks(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 3)
	assert.Equal(t, "Alpha", infos[0].Key)
	assert.Equal(t, "mid", infos[1].Key)
	assert.Equal(t, "zeta", infos[2].Key)
	for _, info := range infos {
		assert.True(t, info.IsLocked)
		assert.Equal(t, testEpoch.Add(time.Minute), info.ExpiresAt)
	}
}

func TestMemoryStore_ShardCountRoundsUp(t *testing.T) {
	store, _, _ := newTestMemoryStore(t, WithShardCount(5))
	assert.Len(t, store.shards, 8)

	store, _, _ = newTestMemoryStore(t, WithShardCount(1))
	assert.Len(t, store.shards, 1)
}

func TestMemoryStore_WithScheduler(t *testing.T) {
	scheduler := expiration.New(zerolog.Nop(), expiration.WithSpinThreshold(time.Millisecond))
	scheduler.Start()
	defer scheduler.Close()

	store := NewMemoryStore(scheduler, zerolog.Nop())
	ctx := context.Background()

	_, err := store.Acquire(ctx, "short", 20*time.Millisecond)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return !infoFor(t, store, "short").IsLocked
	}, 2*time.Second, 5*time.Millisecond)

	// Released keys must never be expired afterwards.
	token, err := store.Acquire(ctx, "long", 30*time.Millisecond)
	require.NoError(t, err)
	_, err = store.Release(ctx, "long", token)
	require.NoError(t, err)
	next, err := store.Acquire(ctx, "long", time.Hour)
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	info := infoFor(t, store, "long")
	assert.True(t, info.IsLocked)
	assert.Equal(t, next, info.Token)
}
