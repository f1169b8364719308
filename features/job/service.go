package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"helpdesk/apps/backend/internal/config"
)

const publishTimeout = 5 * time.Second

var (
	ErrInvalidPayload = errors.New("job payload is not a sync trigger")
	ErrPublishTimeout = errors.New("timeout waiting for NSQ publish")
)

// Handler names stored with ledger entries.
const (
	HandlerMessage = "mailsync.message"
	HandlerTrigger = "mailsync.trigger"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// Dispatcher starts a sync for an account inside this process. It is used
// instead of the publisher when no sync worker consumes triggers.
type Dispatcher interface {
	Start(ctx context.Context, accountID string, maxMessages int)
}

type Service struct {
	repo       Repository
	pub        EventPublisher
	dispatcher Dispatcher
	logger     *slog.Logger
}

type Option func(*Service)

func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) { s.dispatcher = d }
}

func NewService(repo Repository, pub EventPublisher, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{repo: repo, pub: pub, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) List(ctx context.Context, accountID string) ([]Job, error) {
	return s.repo.List(ctx, accountID)
}

func (s *Service) Count(ctx context.Context) (int, error) {
	return s.repo.Count(ctx)
}

func (s *Service) Save(ctx context.Context, j *Job) error {
	return s.repo.Save(ctx, j)
}

// Retry re-publishes the job's sync trigger and removes it from the ledger.
// The entry is kept when publishing fails.
func (s *Service) Retry(ctx context.Context, id string) error {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	var trigger struct {
		AccountID   string `json:"account_id"`
		MaxMessages int    `json:"max_messages"`
	}
	if err := json.Unmarshal(j.Payload, &trigger); err != nil || trigger.AccountID == "" {
		return fmt.Errorf("%w: job %s", ErrInvalidPayload, id)
	}

	if s.dispatcher != nil {
		s.dispatcher.Start(ctx, trigger.AccountID, trigger.MaxMessages)
	} else if err := s.publish(ctx, j.Payload); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "failed job re-queued", "job_id", id, "account_id", trigger.AccountID, "message_id", j.MessageID)
	return s.repo.Delete(ctx, id)
}

func (s *Service) publish(ctx context.Context, body []byte) error {
	done := make(chan error, 1)
	go func() {
		done <- s.pub.Publish(config.TopicSyncTrigger, body)
	}()

	timer := time.NewTimer(publishTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPublishTimeout
	}
}
