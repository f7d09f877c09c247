package expiration

import (
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultSpinThreshold is the remaining wait below which the loop spins instead of sleeping.
	DefaultSpinThreshold = time.Second

	// DefaultSpinIterations is the number of yields performed per spin round.
	DefaultSpinIterations = 1000
)

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used to read the current time and to arm sleep timers.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSpinThreshold sets the remaining wait below which the loop busy-yields
// rather than blocking on a timer.
func WithSpinThreshold(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.spinThreshold = d
		}
	}
}

// WithSpinIterations sets how many times the loop yields per spin round.
func WithSpinIterations(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.spinIterations = n
		}
	}
}
