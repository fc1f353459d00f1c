// Package concurrency provides semaphore-based limiting for outbound calls.
// The worker pool bounds how many work items are in flight; the limiter
// additionally bounds how many of those may hit the bibliographic API at
// once, so a burst of deliveries cannot exhaust the API's rate allowance.
package concurrency

import (
	"context"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of limiter activity.
type Metrics struct {
	TotalAcquired   int64
	TotalReleased   int64
	PeakConcurrent  int64
	TotalWaitTimeNs int64
}

// Limiter is a context-aware counting semaphore. It is safe for concurrent
// use.
type Limiter struct {
	sem             chan struct{}
	active          int64
	totalAcquired   int64
	totalReleased   int64
	peakConcurrent  int64
	totalWaitTimeNs int64
}

// NewLimiter creates a limiter allowing at most maxConcurrent holders.
func NewLimiter(maxConcurrent int) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Limiter{sem: make(chan struct{}, maxConcurrent)}
}

// Acquire blocks until a slot is free or the context is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	start := time.Now()
	select {
	case l.sem <- struct{}{}:
		atomic.AddInt64(&l.totalWaitTimeNs, time.Since(start).Nanoseconds())
		atomic.AddInt64(&l.totalAcquired, 1)
		l.updatePeak(atomic.AddInt64(&l.active, 1))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot. Every successful Acquire must be paired with
// exactly one Release.
func (l *Limiter) Release() {
	select {
	case <-l.sem:
		atomic.AddInt64(&l.active, -1)
		atomic.AddInt64(&l.totalReleased, 1)
	default:
	}
}

// Do runs fn while holding a slot.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// CurrentActive returns the number of slots currently held.
func (l *Limiter) CurrentActive() int64 {
	return atomic.LoadInt64(&l.active)
}

// GetMetrics returns a snapshot of the limiter's counters.
func (l *Limiter) GetMetrics() Metrics {
	return Metrics{
		TotalAcquired:   atomic.LoadInt64(&l.totalAcquired),
		TotalReleased:   atomic.LoadInt64(&l.totalReleased),
		PeakConcurrent:  atomic.LoadInt64(&l.peakConcurrent),
		TotalWaitTimeNs: atomic.LoadInt64(&l.totalWaitTimeNs),
	}
}

func (l *Limiter) updatePeak(current int64) {
	for {
		peak := atomic.LoadInt64(&l.peakConcurrent)
		if current <= peak {
			return
		}
		if atomic.CompareAndSwapInt64(&l.peakConcurrent, peak, current) {
			return
		}
	}
}
