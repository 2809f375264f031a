// Package util provides shared utility functions for pngfs.
package util

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
)

// ImageRetryOptions returns retry options for reading and writing the
// backing image. Only transient I/O errors are retried.
func ImageRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(50 * time.Millisecond),
		retry.MaxDelay(200 * time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(IsTransientIO),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// UnmountRetryOptions returns retry options for detaching a mount that
// may still be busy with a process holding a file open.
func UnmountRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(5),
		retry.Delay(100 * time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// DefaultRetryOptions returns sensible defaults for retry operations.
func DefaultRetryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(100 * time.Millisecond),
		retry.MaxDelay(1 * time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
	}
}

// Retry executes fn with retry logic.
// Returns the last error if all attempts fail.
func Retry(ctx context.Context, fn func() error, opts ...retry.Option) error {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.Do(fn, opts...)
}

// RetryWithResult executes fn with retry logic and returns the result.
func RetryWithResult[T any](ctx context.Context, fn func() (T, error), opts ...retry.Option) (T, error) {
	if len(opts) == 0 {
		opts = DefaultRetryOptions(ctx)
	}
	return retry.DoWithData(fn, opts...)
}

// Common retry predicates

// IsTransientIO returns true for I/O errors that may succeed on a retry.
func IsTransientIO(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.EBUSY)
}
