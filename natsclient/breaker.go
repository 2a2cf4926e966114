package natsclient

import (
	"sync/atomic"
	"time"
)

const (
	defaultBreakerThreshold = 5
	initialBackoff          = time.Second
)

// breaker counts consecutive connect failures. Every threshold failures it
// trips and doubles the backoff, up to maxBackoff.
type breaker struct {
	threshold  int32
	maxBackoff time.Duration

	total   atomic.Int32
	streak  atomic.Int32
	backoff atomic.Int64 // time.Duration
	last    atomic.Int64 // unix nanos of the last failure, 0 if none
}

func newBreaker() *breaker {
	b := &breaker{threshold: defaultBreakerThreshold, maxBackoff: time.Minute}
	b.backoff.Store(int64(initialBackoff))
	return b
}

// fail records one failure. tripped is true when this failure completes a
// streak; wait is the backoff in force before it was doubled.
func (b *breaker) fail() (tripped bool, wait time.Duration) {
	b.total.Add(1)
	b.last.Store(time.Now().UnixNano())
	if b.streak.Add(1) < b.threshold {
		return false, 0
	}
	b.streak.Store(0)

	wait = time.Duration(b.backoff.Load())
	next := min(wait*2, b.maxBackoff)
	b.backoff.Store(int64(next))
	return true, wait
}

func (b *breaker) reset() {
	b.total.Store(0)
	b.streak.Store(0)
	b.backoff.Store(int64(initialBackoff))
	b.last.Store(0)
}

func (b *breaker) failures() int32 { return b.total.Load() }

func (b *breaker) currentBackoff() time.Duration { return time.Duration(b.backoff.Load()) }

func (b *breaker) lastFailure() time.Time {
	n := b.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
