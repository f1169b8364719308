package mailsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var ErrLeaseHeld = errors.New("sync already in progress for account")

// Leaser grants per-account mutual exclusion that expires on its own if
// the holder dies.
type Leaser interface {
	AcquireLease(ctx context.Context, accountID, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, accountID, owner string) error
}

// WithLease runs fn while holding the account's lease. It returns
// ErrLeaseHeld without calling fn when someone else holds it.
func WithLease(ctx context.Context, l Leaser, accountID string, ttl time.Duration, fn func(ctx context.Context) error) error {
	owner := uuid.New().String()
	if err := l.AcquireLease(ctx, accountID, owner, ttl); err != nil {
		return err
	}
	defer func() {
		// Release must happen even if ctx was canceled mid-cycle.
		if err := l.ReleaseLease(context.WithoutCancel(ctx), accountID, owner); err != nil {
			slog.WarnContext(ctx, "failed to release sync lease", "owner", owner, "error", err)
		}
	}()
	return fn(ctx)
}
