package dlock

// Result carries either a value or an *Error. Callers must check Ok or use
// Unwrap before trusting Value.
type Result[T any] struct {
	Value T
	Err   *Error
}

// Ok reports whether the operation succeeded.
func (r Result[T]) Ok() bool {
	return r.Err == nil
}

// Unwrap converts the result into Go's value, error pair.
func (r Result[T]) Unwrap() (T, error) {
	if r.Err != nil {
		return r.Value, r.Err
	}
	return r.Value, nil
}
