// Package util provides shared utility functions for bamcache.
package util

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
)

// IndexRetryOptions returns retry options for the index read-merge-write
// cycle. Only errors matching target are retried; the pause between attempts
// is short and jittered so competing writers spread out.
func IndexRetryOptions(ctx context.Context, attempts uint, target error) []retry.Option {
	return []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(5 * time.Millisecond),
		retry.MaxDelay(100 * time.Millisecond),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.MaxJitter(10 * time.Millisecond),
		retry.RetryIf(func(err error) bool { return errors.Is(err, target) }),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	}
}

// Retry executes fn with the given retry options.
// Returns the last error if all attempts fail.
func Retry(fn func() error, opts ...retry.Option) error {
	return retry.Do(fn, opts...)
}
