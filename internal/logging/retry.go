package logging

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds how an infrastructure call is retried.
type RetryPolicy struct {
	// Backend names the dependency in log lines, e.g. "redis" or "database".
	Backend        string
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Final reports errors that carry an answer rather than a failure, such as
	// a cache miss. They are returned as is, without retry or wrapping.
	Final func(error) bool
}

// DefaultRetryPolicy is three attempts starting at 50ms, capped at one second.
func DefaultRetryPolicy(backend string, final func(error) bool) RetryPolicy {
	return RetryPolicy{
		Backend:        backend,
		Attempts:       3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Final:          final,
	}
}

// Retry runs fn until it succeeds, fails with a non-transient error or runs out
// of attempts. Failures are wrapped in an OperationError for operation and
// subjectID.
func Retry(ctx context.Context, logger *zap.Logger, policy RetryPolicy, operation, subjectID string, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := policy.InitialBackoff
	opLogger := WithOperation(logger, operation, subjectID).With(zap.String("backend", policy.Backend))
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return NewOperationError(operation, subjectID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= policy.MaxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if policy.Final != nil && policy.Final(err) {
			return err
		}
		if !IsTransient(err) || attempt == attempts-1 {
			opLogger.Error("operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return NewOperationError(operation, subjectID, err)
		}
		opLogger.Warn("transient error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return NewOperationError(operation, subjectID, err)
}

// IsTransient reports whether err looks like a timeout or a temporary network
// condition worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	return errors.As(err, &temporary) && temporary.Temporary()
}
