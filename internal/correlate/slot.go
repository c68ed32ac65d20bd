package correlate

import (
	"context"
	"sync"

	"github.com/srg/gattlink/internal/gatt"
)

// Slot is a single-assignment result container. It starts unset and moves
// exactly once to resolved(value) or failed(err). Any number of goroutines may
// wait on it; only the first Resolve/Fail takes effect.
type Slot[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	resolved bool
	value    T
	err      error
}

// NewSlot returns an unset slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{done: make(chan struct{})}
}

// Resolve sets the success value. It returns gatt.ErrAlreadyResolved if the
// slot was already settled, leaving the first outcome untouched.
func (s *Slot[T]) Resolve(v T) error {
	return s.settle(v, nil)
}

// Fail sets the failure. It returns gatt.ErrAlreadyResolved if the slot was already settled.
func (s *Slot[T]) Fail(err error) error {
	var zero T
	return s.settle(zero, err)
}

func (s *Slot[T]) settle(v T, err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resolved {
		return gatt.ErrAlreadyResolved
	}
	s.resolved = true
	s.value = v
	s.err = err
	close(s.done)
	return nil
}

// Done is closed once the slot is settled.
func (s *Slot[T]) Done() <-chan struct{} { return s.done }

// Settled reports whether Resolve or Fail has been called.
func (s *Slot[T]) Settled() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome. It must only be called after Done is closed.
func (s *Slot[T]) Result() (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, s.err
}

// Wait blocks until the slot settles or ctx is done. Abandoning a wait leaves
// the slot untouched.
func (s *Slot[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
		return s.Result()
	case <-ctx.Done():
		var zero T
		return zero, context.Cause(ctx)
	}
}
