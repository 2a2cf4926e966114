package imagetask

import (
	"context"
	"sync"
	"time"
)

// Callback receives the outcome of a submitted request, exactly once.
type Callback func(Result, error)

// Executor runs callbacks, e.g. by posting them to a UI loop.
type Executor func(func())

func inline(fn func()) { fn() }

// Future is the pending outcome of a submitted request.
type Future struct {
	once sync.Once
	done chan struct{}
	res  Result
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed when the request has finished.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome once Done is closed.
func (f *Future) Result() (Result, error) {
	<-f.done
	return f.res, f.err
}

// Wait blocks until the request finishes or ctx ends. Ending ctx does not
// cancel the request; cancel the context passed to Submit for that.
func (f *Future) Wait(ctx context.Context) (Result, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (f *Future) resolve(res Result, err error) bool {
	first := false
	f.once.Do(func() {
		f.res, f.err = res, err
		close(f.done)
		first = true
	})
	return first
}

type job struct {
	ctx      context.Context
	req      Request
	future   *Future
	callback Callback
	executor Executor
}

// complete settles the job. Only the first call has any effect.
func (j *job) complete(res Result, err error) {
	if !j.future.resolve(res, err) || j.callback == nil {
		return
	}
	j.executor(func() { j.callback(res, err) })
}

// Start starts the background workers used by Submit. When ctx ends the
// workers stop; queued and later submitted requests complete with
// worker.ErrPoolStopped.
func (p *Publisher) Start(ctx context.Context) error {
	return p.pool.Start(ctx)
}

// Close stops the background workers. Requests still queued complete with
// worker.ErrPoolStopped.
func (p *Publisher) Close(timeout time.Duration) error {
	return p.pool.Stop(timeout)
}

// Submit runs req in the background and reports through cb, which may be
// nil, and the returned Future. Both complete exactly once, also when the
// request cannot be queued.
func (p *Publisher) Submit(ctx context.Context, req Request, cb Callback) *Future {
	j := &job{
		ctx:      ctx,
		req:      req,
		future:   newFuture(),
		callback: cb,
		executor: p.executor,
	}
	if err := p.pool.Submit(j); err != nil {
		p.logger.Warn("image request not queued", "topic", p.requestTopic(req), "error", err)
		j.complete(Result{}, err)
	}
	return j.future
}

func (p *Publisher) process(_ context.Context, j *job) error {
	res, err := p.Do(j.ctx, j.req)
	j.complete(res, err)
	return err
}
