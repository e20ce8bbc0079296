package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lily-assistant/lily-core/pkg/workerpool"
)

func TestSubmitRunsTasks(t *testing.T) {
	pool := workerpool.New(2, 10)
	defer pool.Stop()

	var done sync.WaitGroup
	var count atomic.Int32
	for i := 0; i < 20; i++ {
		done.Add(1)
		require.NoError(t, pool.Submit(func() {
			count.Add(1)
			done.Done()
		}))
	}
	done.Wait()
	assert.EqualValues(t, 20, count.Load())
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	pool := workerpool.New(1, 1)
	defer pool.Stop()

	release := make(chan struct{})
	started := make(chan struct{})

	// Occupy the single worker.
	require.NoError(t, pool.Submit(func() {
		close(started)
		<-release
	}))
	<-started

	// Fill the single queue slot.
	require.NoError(t, pool.Submit(func() {}))

	err := pool.Submit(func() {})
	assert.ErrorIs(t, err, workerpool.ErrQueueFull)

	close(release)
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	pool := workerpool.New(1, 100)

	var count atomic.Int32
	for i := 0; i < 50; i++ {
		require.NoError(t, pool.Submit(func() {
			time.Sleep(time.Millisecond)
			count.Add(1)
		}))
	}

	pool.Stop()
	assert.EqualValues(t, 50, count.Load())

	// Submit after Stop fails without panicking.
	assert.Error(t, pool.Submit(func() {}))
}
