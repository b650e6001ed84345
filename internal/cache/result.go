package cache

// Result carries the outcome of a best-effort cache operation. Failures are
// already logged where they happen, so callers may read Value or Or without
// inspecting Err.
type Result[T any] struct {
	value T
	err   error
}

// Ok wraps a successful value.
func Ok[T any](value T) Result[T] {
	return Result[T]{value: value}
}

// Fail wraps an error; Value on the result yields the zero value.
func Fail[T any](err error) Result[T] {
	return Result[T]{err: err}
}

// OK reports whether the operation succeeded.
func (r Result[T]) OK() bool {
	return r.err == nil
}

// Err returns the failure, if any.
func (r Result[T]) Err() error {
	return r.err
}

// Value returns the value, or the zero value on failure.
func (r Result[T]) Value() T {
	if r.err != nil {
		var zero T
		return zero
	}
	return r.value
}

// Or returns the value, or def on failure.
func (r Result[T]) Or(def T) T {
	if r.err != nil {
		return def
	}
	return r.value
}

// Unwrap returns the value and error in the usual Go shape.
func (r Result[T]) Unwrap() (T, error) {
	return r.value, r.err
}
