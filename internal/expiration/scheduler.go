// Package expiration provides a single-loop timer scheduler that fires
// callbacks when their deadline passes.
//
// Producers never touch the schedule directly. Enqueue, UpdateExpiration and
// Dequeue write into three staging sets, each behind its own lock, and the
// loop merges them into its private sorted slice at the start of every pass.
// Every staged operation carries a sequence number so that a Dequeue or
// UpdateExpiration only affects entries registered before it.
package expiration

import (
	"context"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/kneutral-org/leasekeeper/internal/metrics"
)

type entry struct {
	key    string
	fireAt int64
	action func()
	seq    uint64
}

type stamp struct {
	fireAt int64
	seq    uint64
}

// Scheduler fires actions at absolute deadlines from one dedicated goroutine.
type Scheduler struct {
	id     string
	logger zerolog.Logger
	clock  clockwork.Clock

	spinThreshold  time.Duration
	spinIterations int

	seq atomic.Uint64

	enqueueMu *semaphore.Weighted
	pending   []entry

	updateMu *semaphore.Weighted
	updates  map[string]stamp

	deleteMu *semaphore.Weighted
	deletes  map[string]uint64

	// owned by the loop
	entries []entry
	size    atomic.Int64

	wake chan struct{}

	lifecycleMu sync.Mutex
	started     bool
	closed      atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
}

// New creates a scheduler. The loop does not run until Start is called.
func New(logger zerolog.Logger, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()

	s := &Scheduler{
		id:             id,
		clock:          clockwork.NewRealClock(),
		spinThreshold:  DefaultSpinThreshold,
		spinIterations: DefaultSpinIterations,
		enqueueMu:      semaphore.NewWeighted(1),
		updateMu:       semaphore.NewWeighted(1),
		updates:        make(map[string]stamp),
		deleteMu:       semaphore.NewWeighted(1),
		deletes:        make(map[string]uint64),
		wake:           make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logger.With().
		Str("component", "expiration-scheduler").
		Str("schedulerId", id).
		Logger()
	return s
}

// ID returns the scheduler instance identifier.
func (s *Scheduler) ID() string {
	return s.id
}

// Start launches the background loop. Calling Start more than once, or after
// Close, has no effect.
func (s *Scheduler) Start() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started || s.closed.Load() {
		return
	}
	s.started = true
	go s.run()

	s.logger.Info().
		Dur("spinThreshold", s.spinThreshold).
		Int("spinIterations", s.spinIterations).
		Msg("expiration scheduler started")
}

// Close stops the loop and waits for it to exit. Pending entries are
// abandoned without firing. Close is idempotent.
func (s *Scheduler) Close() error {
	s.lifecycleMu.Lock()
	if s.closed.Load() {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.closed.Store(true)
	s.cancel()
	started := s.started
	s.lifecycleMu.Unlock()

	if started {
		<-s.done
	}
	s.logger.Info().Msg("expiration scheduler stopped")
	return nil
}

// Len returns the number of entries merged into the schedule.
func (s *Scheduler) Len() int {
	return int(s.size.Load())
}

// Enqueue schedules action to run once fireAt has passed.
// Keys are matched case-insensitively.
func (s *Scheduler) Enqueue(ctx context.Context, key string, fireAt time.Time, action func()) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if action == nil {
		return ErrNilAction
	}
	if err := s.enqueueMu.Acquire(ctx, 1); err != nil {
		return err
	}
	s.pending = append(s.pending, entry{
		key:    strings.ToLower(key),
		fireAt: fireAt.UnixNano(),
		action: action,
		seq:    s.seq.Add(1),
	})
	s.enqueueMu.Release(1)

	s.signal()
	return nil
}

// Dequeue cancels every pending entry for key registered before this call.
// Removing an absent or already fired key is a no-op.
func (s *Scheduler) Dequeue(ctx context.Context, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.deleteMu.Acquire(ctx, 1); err != nil {
		return err
	}
	s.deletes[strings.ToLower(key)] = s.seq.Add(1)
	s.deleteMu.Release(1)
	return nil
}

// UpdateExpiration moves every pending entry for key registered before this
// call to the new deadline.
func (s *Scheduler) UpdateExpiration(ctx context.Context, key string, fireAt time.Time) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.updateMu.Acquire(ctx, 1); err != nil {
		return err
	}
	s.updates[strings.ToLower(key)] = stamp{
		fireAt: fireAt.UnixNano(),
		seq:    s.seq.Add(1),
	}
	s.updateMu.Release(1)

	s.signal()
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for {
		if s.ctx.Err() != nil {
			return
		}

		wait := s.tick(s.ctx)

		switch {
		case wait < 0:
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
		case wait > s.spinThreshold:
			timer := s.clock.NewTimer(wait - s.spinThreshold + time.Nanosecond)
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-s.wake:
			case <-timer.Chan():
			}
			timer.Stop()
		default:
			for i := 0; i < s.spinIterations; i++ {
				runtime.Gosched()
			}
		}
	}
}

// tick merges staged changes, fires every due entry and returns the time
// until the next deadline, or -1 when nothing is scheduled.
func (s *Scheduler) tick(ctx context.Context) time.Duration {
	if err := s.merge(ctx); err != nil {
		return -1
	}

	now := s.clock.Now().UnixNano()
	due := 0
	for due < len(s.entries) && s.entries[due].fireAt <= now {
		due++
	}

	if due > 0 {
		fired := make([]entry, due)
		copy(fired, s.entries[:due])
		s.entries = slices.Delete(s.entries, 0, due)
		s.size.Store(int64(len(s.entries)))

		for _, e := range fired {
			s.fire(e)
		}
		metrics.RecordSchedulerFired(due)
	}
	metrics.SetSchedulerEntries(len(s.entries))

	if len(s.entries) == 0 {
		return -1
	}
	return time.Duration(s.entries[0].fireAt - now)
}

// merge folds the staging sets into the schedule. Deletes and updates are
// taken before enqueues so an entry staged ahead of a delete is always
// visible to it.
func (s *Scheduler) merge(ctx context.Context) error {
	select {
	case <-s.wake:
	default:
	}

	if err := s.deleteMu.Acquire(ctx, 1); err != nil {
		return err
	}
	deletes := s.deletes
	if len(deletes) > 0 {
		s.deletes = make(map[string]uint64)
	}
	s.deleteMu.Release(1)

	if err := s.updateMu.Acquire(ctx, 1); err != nil {
		return err
	}
	updates := s.updates
	if len(updates) > 0 {
		s.updates = make(map[string]stamp)
	}
	s.updateMu.Release(1)

	if err := s.enqueueMu.Acquire(ctx, 1); err != nil {
		return err
	}
	pending := s.pending
	s.pending = nil
	s.enqueueMu.Release(1)

	if len(pending) == 0 && len(deletes) == 0 && len(updates) == 0 {
		return nil
	}

	s.entries = append(s.entries, pending...)

	if len(deletes) > 0 {
		s.entries = slices.DeleteFunc(s.entries, func(e entry) bool {
			seq, ok := deletes[e.key]
			return ok && e.seq < seq
		})
	}

	for i := range s.entries {
		if u, ok := updates[s.entries[i].key]; ok && s.entries[i].seq < u.seq {
			s.entries[i].fireAt = u.fireAt
		}
	}

	slices.SortStableFunc(s.entries, func(a, b entry) int {
		switch {
		case a.fireAt < b.fireAt:
			return -1
		case a.fireAt > b.fireAt:
			return 1
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	s.size.Store(int64(len(s.entries)))
	return nil
}

func (s *Scheduler) fire(e entry) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordSchedulerActionPanic()
			s.logger.Error().
				Str("key", e.key).
				Interface("panic", r).
				Msg("expiration action panicked")
		}
	}()
	e.action()
}
