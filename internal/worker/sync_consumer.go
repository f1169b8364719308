// Package worker consumes sync triggers from NSQ.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nsqio/go-nsq"

	"helpdesk/apps/backend/features/job"
	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/internal/config"
	"helpdesk/apps/backend/internal/middleware"
)

type CycleRunner interface {
	RunCycle(ctx context.Context, accountID string, maxMessages int) (mailsync.CycleResult, error)
}

// DeferredPublisher is satisfied by *nsq.Producer.
type DeferredPublisher interface {
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

type JobSaver interface {
	Save(ctx context.Context, j *job.Job) error
}

type SyncConsumerConfig struct {
	ResumeDelay   time.Duration
	MaxIterations int
}

// SyncConsumer runs one sync cycle per trigger and re-enqueues a delayed
// trigger while the account still has work left.
type SyncConsumer struct {
	svc  CycleRunner
	pub  DeferredPublisher
	jobs JobSaver
	cfg  SyncConsumerConfig
}

func NewSyncConsumer(svc CycleRunner, pub DeferredPublisher, jobs JobSaver, cfg SyncConsumerConfig) *SyncConsumer {
	return &SyncConsumer{svc: svc, pub: pub, jobs: jobs, cfg: cfg}
}

func (h *SyncConsumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var payload mailsync.TriggerPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil {
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if payload.CorrelationID == "" {
		payload.CorrelationID = uuid.New().String()
	}

	ctx := middleware.WithCorrelationID(context.Background(), payload.CorrelationID)
	if payload.AccountID == "" {
		slog.ErrorContext(ctx, "missing account_id, dropping trigger")
		return nil
	}
	ctx = middleware.WithAccountID(ctx, payload.AccountID)

	res, err := h.svc.RunCycle(ctx, payload.AccountID, payload.MaxMessages)
	if err != nil {
		if errors.Is(err, mailsync.ErrLeaseHeld) {
			slog.InfoContext(ctx, "sync already running, dropping trigger")
			return nil
		}
		slog.ErrorContext(ctx, "sync cycle failed", "error", err, "attempts", m.Attempts)
		return err
	}

	slog.InfoContext(ctx, "sync cycle finished",
		"iteration", payload.Iteration,
		"processed", res.ProcessedThisBatch,
		"errors", res.ErrorsThisBatch,
		"remaining", res.Remaining,
	)

	if !res.ShouldContinue {
		return nil
	}

	next := payload
	next.Iteration++
	if h.cfg.MaxIterations > 0 && next.Iteration >= h.cfg.MaxIterations {
		slog.WarnContext(ctx, "auto-resume stopped", "error", mailsync.ErrResumeLimit, "iterations", next.Iteration)
		return nil
	}

	body, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal resume trigger: %w", err)
	}
	if err := h.pub.DeferredPublish(config.TopicSyncTrigger, h.cfg.ResumeDelay, body); err != nil {
		slog.ErrorContext(ctx, "failed to publish resume trigger", "error", err)
		return err
	}
	slog.InfoContext(ctx, "resume trigger enqueued", "iteration", next.Iteration, "delay", h.cfg.ResumeDelay)
	return nil
}

// LogFailedMessage records a trigger that exhausted its NSQ attempts in the
// failed ledger so it can be retried by hand.
func (h *SyncConsumer) LogFailedMessage(m *nsq.Message) {
	var payload mailsync.TriggerPayload
	if err := json.Unmarshal(m.Body, &payload); err != nil || payload.AccountID == "" {
		slog.Error("dropping undeliverable sync trigger", "body", string(m.Body))
		return
	}

	ctx := middleware.WithAccountID(context.Background(), payload.AccountID)
	failed := &job.Job{
		AccountID: payload.AccountID,
		Handler:   job.HandlerTrigger,
		Payload:   json.RawMessage(m.Body),
		Error:     fmt.Sprintf("sync trigger failed after %d attempts", m.Attempts),
	}
	if err := h.jobs.Save(ctx, failed); err != nil {
		slog.ErrorContext(ctx, "failed to save failed job", "error", err)
		return
	}
	slog.InfoContext(ctx, "saved failed sync trigger for retry", "job_id", failed.ID)
}
