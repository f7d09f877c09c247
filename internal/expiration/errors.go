package expiration

import "errors"

var (
	// ErrClosed is returned when the scheduler is used after Close.
	ErrClosed = errors.New("expiration scheduler closed")

	// ErrNilAction is returned when Enqueue is called without an action.
	ErrNilAction = errors.New("expiration action is nil")
)
