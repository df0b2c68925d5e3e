package recommend

import (
	"context"
	stderrors "errors"
	"sync/atomic"
)

// ErrAlreadyResolved is returned when a Completion is resolved twice.
var ErrAlreadyResolved = stderrors.New("completion already resolved")

// errNilFailure replaces a nil error passed to Fail.
var errNilFailure = stderrors.New("completion failed without a cause")

// Completion is a single-assignment result cell. Exactly one call to
// Resolve or Fail wins; every later call returns ErrAlreadyResolved and
// leaves the first outcome in place. Any number of goroutines may wait.
type Completion[T any] struct {
	settled atomic.Bool
	done    chan struct{}
	val     T
	err     error
}

// NewCompletion returns an unresolved Completion.
func NewCompletion[T any]() *Completion[T] {
	return &Completion[T]{done: make(chan struct{})}
}

// Resolve fulfils the completion with v.
func (c *Completion[T]) Resolve(v T) error {
	return c.settle(v, nil)
}

// Fail resolves the completion with err.
func (c *Completion[T]) Fail(err error) error {
	if err == nil {
		err = errNilFailure
	}
	var zero T
	return c.settle(zero, err)
}

func (c *Completion[T]) settle(v T, err error) error {
	if !c.settled.CompareAndSwap(false, true) {
		return ErrAlreadyResolved
	}
	c.val = v
	c.err = err
	close(c.done)
	return nil
}

// Done is closed once the outcome is available.
func (c *Completion[T]) Done() <-chan struct{} {
	return c.done
}

// Resolved reports whether Resolve or Fail has already been called.
func (c *Completion[T]) Resolved() bool {
	return c.settled.Load()
}

// Wait blocks until the completion resolves or ctx is done. A canceled
// wait does not affect the completion itself.
func (c *Completion[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	default:
	}

	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
