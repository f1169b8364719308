// Package scheduler periodically enqueues a sync trigger for every
// connected account.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/internal/config"
)

type AccountLister interface {
	ListIDs(ctx context.Context) ([]string, error)
}

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// StatusReader reports an account's current sync checkpoint.
type StatusReader interface {
	Status(ctx context.Context, accountID string) (mailsync.StatusSnapshot, error)
}

type Scheduler struct {
	accounts   AccountLister
	pub        EventPublisher
	status     StatusReader
	staleAfter time.Duration
	interval   time.Duration
}

type Option func(*Scheduler)

// WithStatus skips accounts whose checkpoint is running. A running
// checkpoint older than staleAfter is triggered again; zero never expires.
func WithStatus(r StatusReader, staleAfter time.Duration) Option {
	return func(s *Scheduler) {
		s.status = r
		s.staleAfter = staleAfter
	}
}

func New(accounts AccountLister, pub EventPublisher, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{accounts: accounts, pub: pub, interval: interval}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run triggers every account immediately and then once per interval until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("scheduler interval must be positive, got %s", s.interval)
	}

	slog.InfoContext(ctx, "sync scheduler started", "interval", s.interval)
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "sync scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	n, err := s.TriggerAll(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "scheduled sync incomplete", "triggered", n, "error", err)
		return
	}
	slog.InfoContext(ctx, "scheduled sync triggered", "triggered", n)
}

// TriggerAll publishes one trigger per idle account. A failed publish does not
// stop the others; all failures are returned together.
func (s *Scheduler) TriggerAll(ctx context.Context) (int, error) {
	ids, err := s.accounts.ListIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list accounts: %w", err)
	}

	var errs []error
	published := 0
	for _, id := range ids {
		if s.running(ctx, id) {
			slog.InfoContext(ctx, "sync still running, skipping trigger", "account_id", id)
			continue
		}
		body, _ := json.Marshal(mailsync.TriggerPayload{
			AccountID:     id,
			CorrelationID: uuid.New().String(),
		})
		if err := s.pub.Publish(config.TopicSyncTrigger, body); err != nil {
			errs = append(errs, fmt.Errorf("account %s: %w", id, err))
			continue
		}
		published++
	}
	return published, errors.Join(errs...)
}

// running reports whether the account's checkpoint says a job is in flight.
// An unreadable status does not block the trigger.
func (s *Scheduler) running(ctx context.Context, accountID string) bool {
	if s.status == nil {
		return false
	}
	snap, err := s.status.Status(ctx, accountID)
	if err != nil {
		slog.WarnContext(ctx, "sync status unavailable, triggering anyway", "account_id", accountID, "error", err)
		return false
	}
	if snap.Status != mailsync.StatusRunning {
		return false
	}
	if s.staleAfter > 0 && snap.StartedAt != nil && time.Since(*snap.StartedAt) > s.staleAfter {
		slog.WarnContext(ctx, "running sync looks stale, triggering again", "account_id", accountID, "started_at", *snap.StartedAt)
		return false
	}
	return true
}
