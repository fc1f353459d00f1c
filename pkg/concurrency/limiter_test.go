package concurrency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_BoundsConcurrency(t *testing.T) {
	limiter := NewLimiter(2)

	var mu sync.Mutex
	var peak, active int

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := limiter.Do(context.Background(), func() error {
				mu.Lock()
				active++
				if active > peak {
					peak = active
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak, 2)
	assert.Zero(t, limiter.CurrentActive())

	metrics := limiter.GetMetrics()
	assert.Equal(t, int64(10), metrics.TotalAcquired)
	assert.Equal(t, int64(10), metrics.TotalReleased)
	assert.LessOrEqual(t, metrics.PeakConcurrent, int64(2))
}

func TestLimiter_AcquireRespectsContext(t *testing.T) {
	limiter := NewLimiter(1)
	require.NoError(t, limiter.Acquire(context.Background()))
	defer limiter.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := limiter.Acquire(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLimiter_DoPropagatesError(t *testing.T) {
	limiter := NewLimiter(1)
	wantErr := errors.New("call failed")

	err := limiter.Do(context.Background(), func() error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
	assert.Zero(t, limiter.CurrentActive(), "slot is released on failure")
}

func TestNewLimiter_ClampsToOne(t *testing.T) {
	limiter := NewLimiter(0)
	require.NoError(t, limiter.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Error(t, limiter.Acquire(ctx))
}
