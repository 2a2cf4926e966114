package worker

import "errors"

// Sentinel errors for worker pool operations
var (
	// ErrPoolNotStarted is returned by Submit before Start
	ErrPoolNotStarted = errors.New("worker pool not started")

	// ErrPoolStopped is returned by Submit after Stop or once the start
	// context has ended. Items dropped at shutdown carry it as well.
	ErrPoolStopped = errors.New("worker pool stopped")

	// ErrPoolAlreadyStarted is returned by a second Start
	ErrPoolAlreadyStarted = errors.New("worker pool already started")

	// ErrQueueFull means the queue is at capacity and the item was refused
	ErrQueueFull = errors.New("worker pool queue full")

	// ErrNilProcessor is the panic value of NewPool without a processor
	ErrNilProcessor = errors.New("processor function cannot be nil")

	// ErrStopTimeout means the workers were still busy when Stop gave up
	ErrStopTimeout = errors.New("timeout waiting for workers to stop")

	// ErrProcessorPanic wraps a recovered processor panic. Items that
	// trigger it are reported to the drop handler.
	ErrProcessorPanic = errors.New("worker processor panicked")
)
