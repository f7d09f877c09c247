package dlock

import (
	"errors"
	"fmt"
	"time"
)

// Error codes carried by Error.
const (
	CodeUnknown uint32 = 5000
	CodeAcquire uint32 = 5001
	CodeRelease uint32 = 5002
	CodeUpdate  uint32 = 5003
)

// ErrLeaseLost is returned when a renewal finds the lease already ended.
var ErrLeaseLost = errors.New("lease lost")

// Error describes a failed orchestrator operation.
type Error struct {
	Code        uint32
	Time        time.Time
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dlock %d: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("dlock %d: %s: %v", e.Code, e.Description, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the code of the first *Error in err's chain, or CodeUnknown.
func CodeOf(err error) uint32 {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
