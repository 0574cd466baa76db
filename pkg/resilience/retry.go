package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"foreman/pkg/protocol"
)

// RetryConfig bounds a retried operation.
type RetryConfig struct {
	MaxAttempts uint          // total attempts including the first (default 4)
	BaseDelay   time.Duration // initial backoff interval (default 100ms)
	MaxDelay    time.Duration // backoff cap (default 5s)
}

func (c *RetryConfig) withDefaults() RetryConfig {
	out := *c
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 4
	}
	if out.BaseDelay == 0 {
		out.BaseDelay = 100 * time.Millisecond
	}
	if out.MaxDelay == 0 {
		out.MaxDelay = 5 * time.Second
	}
	return out
}

// newBackoff builds a fresh exponential backoff; BackOff implementations
// are stateful, so never share one across calls.
func newBackoff(cfg RetryConfig) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BaseDelay
	bo.MaxInterval = cfg.MaxDelay
	bo.MaxElapsedTime = 0 // attempts bound the retry, not wall time
	return bo
}

// Retry runs op with exponential backoff until it succeeds, returns a
// permanent error, exhausts MaxAttempts, or ctx is cancelled. The last
// failure is returned after exhaustion. Validation-class errors (path
// violations, lock conflicts, stale preconditions) are never retried —
// retrying cannot fix them.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	resolved := cfg.withDefaults()
	bo := backoff.WithContext(backoff.WithMaxRetries(newBackoff(resolved), uint64(resolved.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if IsPermanent(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

// IsPermanent reports whether an error is validation-class and callers
// should not retry it.
func IsPermanent(err error) bool {
	var (
		pathErr  *protocol.PathViolationError
		lockErr  *protocol.LockHeldError
		staleErr *protocol.StalePreconditionError
		dupErr   *protocol.DuplicateContentError
	)
	return errors.As(err, &pathErr) || errors.As(err, &lockErr) ||
		errors.As(err, &staleErr) || errors.As(err, &dupErr)
}
