package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cellmate/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
	boom  bool
}

func newTestPool(t *testing.T, workers, queue int, opts ...Option[testWork]) (*Pool[testWork], *int64) {
	t.Helper()
	var processed int64
	processor := func(ctx context.Context, w testWork) error {
		if w.boom {
			panic("processor exploded")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.delay):
		}
		atomic.AddInt64(&processed, 1)
		if w.fail {
			return errors.New("simulated error")
		}
		return nil
	}
	return NewPool(workers, queue, processor, opts...), &processed
}

func TestNewPool_Defaults(t *testing.T) {
	processor := func(context.Context, testWork) error { return nil }

	pool := NewPool(5, 100, processor)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool = NewPool(0, 0, processor)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected panic for nil processor")
		err, ok := r.(error)
		require.True(t, ok)
		assert.ErrorIs(t, err, ErrNilProcessor)
	}()
	NewPool[testWork](5, 100, nil)
}

func TestPool_Lifecycle(t *testing.T) {
	pool, processed := newTestPool(t, 2, 10)

	assert.Equal(t, ErrPoolNotStarted, pool.Submit(testWork{id: 1}), "sentinel is returned unwrapped")

	ctx := context.Background()
	require.NoError(t, pool.Start(ctx))
	assert.ErrorIs(t, pool.Start(ctx), ErrPoolAlreadyStarted)

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(testWork{id: i}))
	}

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(5), atomic.LoadInt64(processed), "queued work drains before workers exit")

	assert.ErrorIs(t, pool.Submit(testWork{id: 99}), ErrPoolStopped)
	assert.NoError(t, pool.Stop(time.Second), "second stop is a no-op")
}

func TestPool_QueueFull(t *testing.T) {
	pool, _ := newTestPool(t, 1, 2)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop(5 * time.Second)

	var queueFull error
	for i := 0; i < 10; i++ {
		if err := pool.Submit(testWork{id: i, delay: 200 * time.Millisecond}); err != nil {
			queueFull = err
			break
		}
	}
	assert.ErrorIs(t, queueFull, ErrQueueFull)
	assert.Greater(t, pool.Stats().Dropped, int64(0))
}

func TestPool_ProcessingErrors(t *testing.T) {
	pool, _ := newTestPool(t, 2, 10)
	require.NoError(t, pool.Start(context.Background()))

	for i := 0; i < 10; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(5*time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Processed)
	assert.Equal(t, int64(5), stats.Failed)
}

func TestPool_StopTimeout(t *testing.T) {
	pool, _ := newTestPool(t, 1, 10)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1, delay: 2 * time.Second}))
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, pool.Stop(50*time.Millisecond), ErrStopTimeout)
}

func TestPool_StartContextEnds(t *testing.T) {
	var mu sync.Mutex
	dropped := map[int]error{}
	onDrop := WithDropHandler(func(w testWork, err error) {
		mu.Lock()
		defer mu.Unlock()
		dropped[w.id] = err
	})

	pool, processed := newTestPool(t, 1, 10, onDrop)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))

	// One item occupies the worker, the rest wait in the queue
	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(testWork{id: i, delay: 5 * time.Second}))
	}
	time.Sleep(20 * time.Millisecond)
	cancel()

	// Every item is either run with the cancelled context or dropped
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(dropped)+int(pool.Stats().Processed) == 4
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	for id, err := range dropped {
		assert.ErrorIs(t, err, ErrPoolStopped, "item %d", id)
		assert.ErrorIs(t, err, context.Canceled, "item %d", id)
	}
	mu.Unlock()

	assert.ErrorIs(t, pool.Submit(testWork{id: 99}), ErrPoolStopped)
	assert.Equal(t, int64(0), atomic.LoadInt64(processed))
	require.NoError(t, pool.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.NotContains(t, dropped, 99, "refused items never reach the drop handler")
	assert.Equal(t, int64(len(dropped)), pool.Stats().Dropped)
}

func TestPool_SubmitAfterStartContextEnds(t *testing.T) {
	var drops atomic.Int32
	pool, _ := newTestPool(t, 2, 10, WithDropHandler(func(testWork, error) { drops.Add(1) }))
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pool.Start(ctx))
	cancel()

	assert.Eventually(t, func() bool {
		return errors.Is(pool.Submit(testWork{id: 1}), ErrPoolStopped)
	}, time.Second, 5*time.Millisecond)

	// Items accepted while the stop was in flight are run or dropped, not lost
	assert.Eventually(t, func() bool {
		stats := pool.Stats()
		return stats.Submitted == stats.Processed+int64(drops.Load())
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Stop(time.Second))
}

func TestPool_PanicRecovered(t *testing.T) {
	drops := make(chan error, 1)
	pool, processed := newTestPool(t, 1, 10, WithDropHandler(func(_ testWork, err error) {
		drops <- err
	}))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1, boom: true}))
	require.NoError(t, pool.Submit(testWork{id: 2}))

	select {
	case err := <-drops:
		assert.ErrorIs(t, err, ErrProcessorPanic)
	case <-time.After(time.Second):
		t.Fatal("drop handler not called for panicking item")
	}

	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), atomic.LoadInt64(processed), "pool keeps working after a panic")
	assert.Equal(t, int64(1), pool.Stats().Failed)
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	pool, processed := newTestPool(t, 5, 100)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(submitter int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				assert.NoError(t, pool.Submit(testWork{id: submitter*10 + j}))
			}
		}(i)
	}
	wg.Wait()

	require.NoError(t, pool.Stop(5*time.Second))
	assert.Equal(t, int64(100), atomic.LoadInt64(processed))
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool, _ := newTestPool(t, 1, 10, WithMetricsRegistry[testWork](registry, "test_pool"))
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Submit(testWork{id: 2, fail: true}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.submitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.processed))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.failed))

	// A second pool with the same prefix cannot register and runs without metrics
	other, _ := newTestPool(t, 1, 10, WithMetricsRegistry[testWork](registry, "test_pool"))
	assert.Nil(t, other.metrics)
}
