// Package semaphore bounds how many native handles a stack may hold at once.
// Allocation on the event loop never blocks (TryAcquire); accept loops
// running on their own goroutines may wait for a slot with a timeout.
package semaphore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned by Acquire when no slot frees up in time.
var ErrExhausted = errors.New("no free slot")

// Slots is a counting semaphore over a buffered channel.
type Slots struct {
	sem     chan struct{}
	timeout time.Duration
}

// New returns a pool of n free slots. Acquire waits at most timeout.
func New(n int, timeout time.Duration) *Slots {
	sem := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		sem <- struct{}{}
	}
	return &Slots{sem: sem, timeout: timeout}
}

// Acquire takes a slot, waiting up to the pool's timeout. A nil pool always
// succeeds.
func (s *Slots) Acquire(ctx context.Context) error {
	if s == nil {
		return nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	select {
	case <-s.sem:
		return nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("after %v: %w", s.timeout, ErrExhausted)
	}
}

// TryAcquire takes a slot if one is free right now.
func (s *Slots) TryAcquire() bool {
	if s == nil {
		return true
	}
	select {
	case <-s.sem:
		return true
	default:
		return false
	}
}

// Release returns a slot. Releasing more than was acquired is a no-op.
func (s *Slots) Release() {
	if s == nil {
		return
	}
	select {
	case s.sem <- struct{}{}:
	default:
	}
}

// Available returns the number of free slots.
func (s *Slots) Available() int {
	if s == nil {
		return 0
	}
	return len(s.sem)
}

// Cap returns the pool size.
func (s *Slots) Cap() int {
	if s == nil {
		return 0
	}
	return cap(s.sem)
}
