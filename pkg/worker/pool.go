package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/cellmate/metric"
)

const (
	defaultWorkers   = 10
	defaultQueueSize = 1000
)

type poolState int

const (
	stateIdle poolState = iota
	stateRunning
	stateStopped
)

// Pool runs items of type T through a processor on a fixed set of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	run       func(context.Context, T) error
	onDrop    func(T, error)

	registry metric.MetricsRegistrar
	prefix   string
	metrics  *poolMetrics

	queue  chan T
	closed chan struct{}
	wg     sync.WaitGroup

	mu    sync.Mutex
	state poolState

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// PoolStats is a point-in-time view of a pool
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics named <prefix>_* with registry
func WithMetricsRegistry[T any](registry metric.MetricsRegistrar, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// WithDropHandler sets fn to receive every accepted item that did not finish
// processing: items still queued when the pool stops (ErrPoolStopped) and
// items whose processor panicked (ErrProcessorPanic). fn runs on a pool
// goroutine and must not block.
func WithDropHandler[T any](fn func(work T, err error)) Option[T] {
	return func(p *Pool[T]) {
		p.onDrop = fn
	}
}

// NewPool builds a pool. Non-positive sizes fall back to 10 workers and a
// queue of 1000. It panics with ErrNilProcessor if processor is nil.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		run:       processor,
		queue:     make(chan T, queueSize),
		closed:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.prefix != "" {
		p.metrics = newPoolMetrics(p.registry, p.prefix)
	}
	return p
}

// Submit queues work without blocking. A full queue returns ErrQueueFull and
// the item is never passed to the drop handler.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case stateIdle:
		return ErrPoolNotStarted
	case stateStopped:
		return ErrPoolStopped
	}

	select {
	case p.queue <- work:
		p.submitted.Add(1)
		p.metrics.accepted(len(p.queue))
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.rejected()
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx ends or the queue is
// closed by Stop. Once ctx ends the pool counts as stopped: Submit returns
// ErrPoolStopped and queued items go to the drop handler with an error
// matching both ErrPoolStopped and ctx.Err().
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != stateIdle {
		return ErrPoolAlreadyStarted
	}
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go p.loop(ctx)
	}
	go p.watch(ctx)
	p.state = stateRunning
	return nil
}

// Stop closes the queue and waits up to timeout for the workers. Items the
// workers never picked up go to the drop handler with ErrPoolStopped.
// Stopping an idle pool does nothing.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state == stateIdle {
		p.mu.Unlock()
		return nil
	}
	p.shutdown()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return ErrStopTimeout
	}

	p.drain(ErrPoolStopped)
	return nil
}

// Stats reports counters and the current queue depth
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.queue),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

// watch stops the pool when the start context ends so nothing is accepted
// that no worker will run.
func (p *Pool[T]) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-p.closed:
		return
	}

	p.mu.Lock()
	p.shutdown()
	p.mu.Unlock()

	p.drain(fmt.Errorf("%w: %w", ErrPoolStopped, ctx.Err()))
}

// shutdown moves a running pool to stopped. Callers hold p.mu.
func (p *Pool[T]) shutdown() {
	if p.state != stateRunning {
		return
	}
	p.state = stateStopped
	close(p.queue)
	close(p.closed)
}

// drain hands every item left in the closed queue to the drop handler
func (p *Pool[T]) drain(err error) {
	for work := range p.queue {
		p.dropped.Add(1)
		p.metrics.rejected()
		p.drop(work, err)
	}
}

func (p *Pool[T]) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.queue:
			if !ok {
				return
			}
			p.handle(ctx, work)
		}
	}
}

func (p *Pool[T]) handle(ctx context.Context, work T) {
	start := time.Now()
	err := p.call(ctx, work)

	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}
	p.metrics.finished(len(p.queue), time.Since(start).Seconds(), err)

	if errors.Is(err, ErrProcessorPanic) {
		p.drop(work, err)
	}
}

// call runs the processor, turning a panic into an ErrProcessorPanic error
func (p *Pool[T]) call(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProcessorPanic, r)
		}
	}()
	return p.run(ctx, work)
}

func (p *Pool[T]) drop(work T, err error) {
	if p.onDrop != nil {
		p.onDrop(work, err)
	}
}
