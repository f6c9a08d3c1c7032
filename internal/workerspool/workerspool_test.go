package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolLimitsParallelism(t *testing.T) {
	const maxParallelism = 3
	pool := New(maxParallelism)
	require.Equal(t, maxParallelism, pool.MaxParallelism())

	var running, maxRunning atomic.Int32
	var wg sync.WaitGroup
	const numTasks = 50
	wg.Add(numTasks)
	for range numTasks {
		pool.WaitToStart(func() {
			defer wg.Done()
			now := running.Add(1)
			for {
				seen := maxRunning.Load()
				if now <= seen || maxRunning.CompareAndSwap(seen, now) {
					break
				}
			}
			running.Add(-1)
		})
	}
	wg.Wait()
	assert.LessOrEqual(t, maxRunning.Load(), int32(maxParallelism))
}

func TestStartIfAvailable(t *testing.T) {
	pool := New(1)
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	started := pool.StartIfAvailable(func() {
		defer wg.Done()
		<-release
	})
	require.True(t, started)

	// The only slot is taken.
	require.False(t, pool.StartIfAvailable(func() {}))
	close(release)
	wg.Wait()
}

func TestSaturate(t *testing.T) {
	pool := New(4)
	var count atomic.Int32
	pool.Saturate(10, func(index int) {
		count.Add(1)
	})
	assert.Equal(t, int32(10), count.Load())

	// n <= 0 is a no-op.
	pool.Saturate(0, func(index int) { t.Fatal("must not be called") })
}
