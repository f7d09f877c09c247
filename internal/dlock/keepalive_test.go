package dlock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func acquireTestHandle(t *testing.T, store *mockStore, keys ...string) *Handle {
	t.Helper()
	manager := NewManager(store, zerolog.Nop())
	handle, err := manager.Create(keys, time.Minute).Acquire(context.Background()).Unwrap()
	require.NoError(t, err)
	return handle
}

func TestKeepalive_RenewsPeriodically(t *testing.T) {
	store := newMockStore()
	handle := acquireTestHandle(t, store, "a", "b")
	before := handle.Records()

	keepalive := NewKeepalive(handle, time.Minute, zerolog.Nop(), WithRenewInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	keepalive.Start(ctx)

	assert.Eventually(t, func() bool { return keepalive.Renewals() >= 2 }, 2*time.Second, 5*time.Millisecond)
	keepalive.Stop()

	after := handle.Records()
	assert.Greater(t, after[0].Token, before[0].Token)
	assert.Greater(t, after[1].Token, before[1].Token)
	assert.Equal(t, int64(0), keepalive.Failures())

	require.NoError(t, handle.Release(context.Background()))
}

func TestKeepalive_ReportsFailures(t *testing.T) {
	store := newMockStore()
	handle := acquireTestHandle(t, store, "a")
	store.updateErrs["a"] = errors.New("backend down")

	var failed atomic.Int32
	keepalive := NewKeepalive(handle, time.Minute, zerolog.Nop(),
		WithRenewInterval(10*time.Millisecond),
		WithOnRenewFailed(func(err error) {
			failed.Add(1)
		}),
	)

	keepalive.Start(context.Background())

	assert.Eventually(t, func() bool { return failed.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	keepalive.Stop()

	assert.GreaterOrEqual(t, keepalive.Failures(), int64(1))
	assert.Equal(t, int64(0), keepalive.Renewals())

	delete(store.updateErrs, "a")
	require.NoError(t, handle.Release(context.Background()))
}

func TestKeepalive_StopsWithContext(t *testing.T) {
	store := newMockStore()
	handle := acquireTestHandle(t, store, "a")

	keepalive := NewKeepalive(handle, time.Minute, zerolog.Nop(), WithRenewInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	keepalive.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		keepalive.Stop()
		keepalive.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after context cancellation")
	}

	require.NoError(t, handle.Release(context.Background()))
}

func TestKeepalive_DefaultInterval(t *testing.T) {
	keepalive := NewKeepalive(nil, 30*time.Second, zerolog.Nop())
	assert.Equal(t, 10*time.Second, keepalive.renewInterval)

	keepalive = NewKeepalive(nil, 0, zerolog.Nop())
	assert.Equal(t, time.Second, keepalive.renewInterval)
}
