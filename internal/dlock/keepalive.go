package dlock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Keepalive periodically renews every key of a Handle so that a long-running
// holder does not lose its leases.
type Keepalive struct {
	handle   *Handle
	duration time.Duration
	logger   zerolog.Logger

	renewInterval time.Duration
	onRenewFailed func(error)

	renewals atomic.Int64
	failures atomic.Int64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// KeepaliveOption configures a Keepalive.
type KeepaliveOption func(*Keepalive)

// WithRenewInterval sets how often the handle is renewed.
// Should be significantly less than the lease duration (e.g., duration/3).
func WithRenewInterval(d time.Duration) KeepaliveOption {
	return func(k *Keepalive) {
		if d > 0 {
			k.renewInterval = d
		}
	}
}

// WithOnRenewFailed sets a callback that's called when a renewal fails.
func WithOnRenewFailed(fn func(error)) KeepaliveOption {
	return func(k *Keepalive) {
		k.onRenewFailed = fn
	}
}

// NewKeepalive creates a keepalive renewing handle for duration on every tick.
func NewKeepalive(handle *Handle, duration time.Duration, logger zerolog.Logger, opts ...KeepaliveOption) *Keepalive {
	k := &Keepalive{
		handle:        handle,
		duration:      duration,
		logger:        logger.With().Str("component", "keepalive").Logger(),
		renewInterval: duration / 3,
		stopCh:        make(chan struct{}),
	}
	if k.renewInterval <= 0 {
		k.renewInterval = time.Second
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Start begins renewing in the background until Stop is called or ctx is done.
func (k *Keepalive) Start(ctx context.Context) {
	k.wg.Add(1)
	go k.run(ctx)
}

// Stop stops renewing and waits for the loop to exit. It does not release the handle.
func (k *Keepalive) Stop() {
	k.stopOnce.Do(func() { close(k.stopCh) })
	k.wg.Wait()
}

// Renewals returns the number of successful renewals.
func (k *Keepalive) Renewals() int64 {
	return k.renewals.Load()
}

// Failures returns the number of failed renewals.
func (k *Keepalive) Failures() int64 {
	return k.failures.Load()
}

func (k *Keepalive) run(ctx context.Context) {
	defer k.wg.Done()

	ticker := time.NewTicker(k.renewInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-k.stopCh:
			return
		case <-ticker.C:
			k.renew(ctx)
		}
	}
}

func (k *Keepalive) renew(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, k.renewInterval)
	defer cancel()

	if err := k.handle.Update(ctx, k.duration); err != nil {
		k.failures.Add(1)
		k.logger.Warn().Err(err).Msg("failed to renew handle")
		if k.onRenewFailed != nil {
			k.onRenewFailed(err)
		}
		return
	}

	k.renewals.Add(1)
	k.logger.Debug().Int("keys", len(k.handle.Records())).Msg("renewed handle")
}
