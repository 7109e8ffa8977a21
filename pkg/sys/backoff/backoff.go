// Package backoff is the single retry policy for transient faults:
// exponential delay starting at 500ms, doubling per attempt, capped at 8s,
// at most 3 attempts. Callers share it so remote policy calls, blob I/O and
// the store writer all degrade the same way.
package backoff

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	"github.com/stratoform/cartograph/pkg/model"
)

const (
	baseDelay   = 500 * time.Millisecond
	maxDelay    = 8 * time.Second
	maxAttempts = 3
)

// Do runs fn, retrying only errors classified Transient. The last error is
// returned unwrapped of retry bookkeeping. Context cancellation stops the
// wait immediately.
func Do(ctx context.Context, fn func() error) error {
	return retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(maxAttempts),
		retry.Delay(baseDelay),
		retry.MaxDelay(maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(model.Retryable),
	)
}

// DoOnce retries a single time with no delay. Used by the store writer for
// Conflict errors, which either clear immediately or re-surface.
func DoOnce(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || !model.IsKind(err, model.KindConflict) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fn()
}
