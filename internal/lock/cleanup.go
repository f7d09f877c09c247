package lock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// CleanupStrategy is invoked by MemoryStore at the start of every Acquire.
type CleanupStrategy interface {
	Cleanup(ctx context.Context, store *MemoryStore) error
}

// NoopCleanup never removes anything. Records live for the lifetime of the store.
type NoopCleanup struct{}

// Cleanup does nothing.
func (NoopCleanup) Cleanup(context.Context, *MemoryStore) error {
	return nil
}

// IdleCleanup prunes records that have been unlocked for longer than maxIdle.
// It runs at most once per interval no matter how many acquires call it.
type IdleCleanup struct {
	maxIdle  time.Duration
	interval time.Duration
	clock    clockwork.Clock
	logger   zerolog.Logger

	lastRun atomic.Int64
}

// NewIdleCleanup creates an idle record cleanup strategy.
func NewIdleCleanup(maxIdle, interval time.Duration, clock clockwork.Clock, logger zerolog.Logger) *IdleCleanup {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	c := &IdleCleanup{
		maxIdle:  maxIdle,
		interval: interval,
		clock:    clock,
		logger:   logger.With().Str("component", "idle-cleanup").Logger(),
	}
	c.lastRun.Store(clock.Now().UnixNano())
	return c
}

// Cleanup prunes idle records when the interval has elapsed since the last run.
func (c *IdleCleanup) Cleanup(_ context.Context, store *MemoryStore) error {
	now := c.clock.Now()
	last := c.lastRun.Load()
	if now.UnixNano()-last < c.interval.Nanoseconds() {
		return nil
	}
	if !c.lastRun.CompareAndSwap(last, now.UnixNano()) {
		return nil
	}

	removed := store.Prune(now.Add(-c.maxIdle))
	if removed > 0 {
		c.logger.Debug().Int("removedCount", removed).Msg("pruned idle lock records")
	}
	return nil
}

// Cleaner defines the interface for stores that support periodic pruning.
type Cleaner interface {
	// PruneIdle removes records idle for longer than maxIdle and returns the number removed.
	PruneIdle(ctx context.Context, maxIdle time.Duration) (int, error)
}

// CleanupJob periodically prunes idle lock records.
type CleanupJob struct {
	store    Cleaner
	interval time.Duration
	maxIdle  time.Duration
	logger   zerolog.Logger
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCleanupJob creates a new cleanup job that runs at the specified interval.
func NewCleanupJob(store Cleaner, interval, maxIdle time.Duration, logger zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		store:    store,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger.With().Str("component", "lock-cleanup").Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the cleanup job in a background goroutine.
func (j *CleanupJob) Start() {
	go j.run()
}

// Stop signals the cleanup job to stop and waits for it to finish.
func (j *CleanupJob) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

func (j *CleanupJob) run() {
	defer close(j.doneCh)

	// Run an initial cleanup
	j.runCleanup()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.stopCh:
			j.logger.Info().Msg("cleanup job stopped")
			return
		case <-ticker.C:
			j.runCleanup()
		}
	}
}

func (j *CleanupJob) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	count, err := j.store.PruneIdle(ctx, j.maxIdle)
	if err != nil {
		j.logger.Error().Err(err).Msg("failed to prune idle lock records")
		return
	}

	if count > 0 {
		j.logger.Info().
			Int("removedCount", count).
			Msg("pruned idle lock records")
	}
}
