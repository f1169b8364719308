package mailsync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrRecoverable marks transient storage contention. Wrap it to opt an
// error into a retry.
var ErrRecoverable = errors.New("recoverable storage contention")

// EmbedError wraps failures of the embedding provider. These are never
// retried within a cycle.
type EmbedError struct {
	Err error
}

func (e *EmbedError) Error() string {
	return "embed message: " + e.Err.Error()
}

func (e *EmbedError) Unwrap() error {
	return e.Err
}

var recoverableCodes = map[pq.ErrorCode]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"55P03": true, // lock_not_available
	"55006": true, // object_in_use
	"23505": true, // unique_violation from a concurrent upsert
}

var recoverableFragments = []string{
	"busy",
	"not found during",
	"temporarily",
	"locked",
}

// IsRecoverable reports whether err is transient storage contention.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}

	var embedErr *EmbedError
	if errors.As(err, &embedErr) {
		return false
	}

	if errors.Is(err, ErrRecoverable) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return recoverableCodes[pqErr.Code]
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range recoverableFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// RetryPolicy is how many times a per-message operation is attempted, how
// long to wait between attempts and which errors deserve another attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy retries recoverable errors exactly once.
func DefaultRetryPolicy(backoff time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 2,
		Backoff:     backoff,
		Retryable:   IsRecoverable,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, or the
// attempts are used up. It returns the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return attempt, nil
		}
		if attempt == maxAttempts || p.Retryable == nil || !p.Retryable(err) {
			return attempt, err
		}
		if waitErr := sleep(ctx, p.Backoff); waitErr != nil {
			return attempt, err
		}
	}
	return maxAttempts, err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
