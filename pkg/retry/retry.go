package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	errs "github.com/c360/cellmate/errors"
)

// NonRetryableError marks an error that ends the loop immediately
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string { return "non-retryable: " + e.Err.Error() }

func (e *NonRetryableError) Unwrap() error { return e.Err }

// NonRetryable wraps err so Do gives up on it. A nil err stays nil.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable reports whether err is marked NonRetryable or classified
// fatal or invalid
func IsNonRetryable(err error) bool {
	var marked *NonRetryableError
	return errors.As(err, &marked) || errs.IsFatal(err) || errs.IsInvalid(err)
}

// backoff yields the sleep before each retry
type backoff struct {
	next   time.Duration
	limit  time.Duration
	factor float64
	jitter bool
}

func (b *backoff) step() time.Duration {
	sleep := b.next
	if b.jitter && sleep >= 4 {
		sleep += time.Duration(rand.Int63n(int64(sleep / 4)))
	}
	b.next = min(time.Duration(float64(b.next)*b.factor), b.limit)
	return sleep
}

// Do calls fn until it succeeds, returns a non-retryable error, ctx ends or
// MaxAttempts is used up.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	b := backoff{next: cfg.InitialDelay, limit: cfg.MaxDelay, factor: cfg.Multiplier, jitter: cfg.AddJitter}

	var last error
	for attempt := 1; ; attempt++ {
		if last = fn(); last == nil {
			return nil
		}
		if IsNonRetryable(last) {
			return last
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt >= cfg.MaxAttempts {
			return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, last)
		}

		sleep := b.step()
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, last, sleep)
		}
		if err := wait(ctx, sleep); err != nil {
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, err)
		}
	}
}

func wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// DoWithResult is Do for functions that also return a value
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
