// Package limiter bounds the number of concurrently active scans.
package limiter

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/yairfalse/sweep/types"
)

// Limiter is a fixed-capacity, non-blocking semaphore
type Limiter struct {
	sem      *semaphore.Weighted
	capacity int
	inUse    atomic.Int64
}

// New creates a limiter; capacity below one is treated as one
func New(capacity int) *Limiter {
	if capacity < 1 {
		capacity = 1
	}
	return &Limiter{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// TryAcquire takes a slot or fails immediately with types.ErrConcurrencyExceeded
func (l *Limiter) TryAcquire() error {
	if !l.sem.TryAcquire(1) {
		return fmt.Errorf("%w: %d scans already active", types.ErrConcurrencyExceeded, l.capacity)
	}
	l.inUse.Add(1)
	return nil
}

// Release returns a slot. Each successful TryAcquire must be released exactly once.
func (l *Limiter) Release() {
	l.inUse.Add(-1)
	l.sem.Release(1)
}

// InUse returns the number of held slots
func (l *Limiter) InUse() int {
	return int(l.inUse.Load())
}

// Capacity returns the configured capacity
func (l *Limiter) Capacity() int {
	return l.capacity
}
