package mailsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type CycleResult struct {
	ProcessedThisBatch int  `json:"processed_this_batch"`
	ErrorsThisBatch    int  `json:"errors_this_batch"`
	TotalProcessed     int  `json:"total_processed"`
	TotalErrors        int  `json:"total_errors"`
	Remaining          int  `json:"remaining"`
	ShouldContinue     bool `json:"should_continue"`
}

type CoordinatorOption func(*Coordinator)

func WithFailureRecorder(r FailureRecorder) CoordinatorOption {
	return func(c *Coordinator) { c.failures = r }
}

func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator drives one account's sync job, one bounded batch per call.
// Calls for the same account must not overlap; the caller serializes them
// with a lease.
type Coordinator struct {
	accountID string
	provider  MailProvider
	store     RecordStore
	batch     BatchRunner
	batchSize int
	failures  FailureRecorder
	now       func() time.Time
}

func NewCoordinator(accountID string, p MailProvider, s RecordStore, b BatchRunner, batchSize int, opts ...CoordinatorOption) *Coordinator {
	if batchSize <= 0 {
		batchSize = 1
	}
	c := &Coordinator{
		accountID: accountID,
		provider:  p,
		store:     s,
		batch:     b,
		batchSize: batchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunSyncCycle considers up to maxMessages sent messages and ingests one
// batch of the ones not yet stored.
func (c *Coordinator) RunSyncCycle(ctx context.Context, maxMessages int) (CycleResult, error) {
	cp, err := c.store.LoadCheckpoint(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("load checkpoint: %w", err)
	}
	continuing := cp.Running()

	candidates, err := c.provider.FetchSentMessages(ctx, maxMessages)
	if err != nil {
		return CycleResult{}, fmt.Errorf("%w: %w", ErrFetch, err)
	}

	ingested, err := c.store.ListIngestedIDs(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("list ingested ids: %w", err)
	}
	pending := FilterNew(candidates, ingested)

	slog.InfoContext(ctx, "sync cycle started",
		"candidates", len(candidates), "new", len(pending), "continuing", continuing)

	if len(pending) == 0 {
		if continuing {
			now := c.now()
			cp.Status = StatusIdle
			cp.FinishedAt = &now
			if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
				return CycleResult{}, fmt.Errorf("save checkpoint: %w", err)
			}
			slog.InfoContext(ctx, "sync job completed", "processed", cp.Processed, "errors", cp.Errors)
		}
		return CycleResult{TotalProcessed: cp.Processed, TotalErrors: cp.Errors}, nil
	}

	now := c.now()
	running := Checkpoint{
		Status:    StatusRunning,
		Queued:    len(pending),
		StartedAt: &now,
	}
	if continuing {
		running.Processed = cp.Processed
		running.Errors = cp.Errors
		running.StartedAt = cp.StartedAt
		// Failed messages come back as pending, so the queue is measured
		// against what is already accounted for.
		running.Queued = max(cp.Queued, cp.Processed+cp.Errors+len(pending))
		if running.StartedAt == nil {
			running.StartedAt = &now
		}
	}
	if err := c.store.SaveCheckpoint(ctx, running); err != nil {
		return CycleResult{}, fmt.Errorf("save checkpoint: %w", err)
	}

	batch := pending[:min(c.batchSize, len(pending))]
	res := c.batch.ProcessBatch(ctx, batch)

	if c.failures != nil {
		if len(res.Failures) > 0 {
			if err := c.failures.RecordFailures(ctx, c.accountID, res.Failures); err != nil {
				slog.WarnContext(ctx, "failed to record message failures", "count", len(res.Failures), "error", err)
			}
		}
		if len(res.Succeeded) > 0 {
			if err := c.failures.ClearFailures(ctx, c.accountID, res.Succeeded); err != nil {
				slog.WarnContext(ctx, "failed to clear resolved message failures", "count", len(res.Succeeded), "error", err)
			}
		}
	}

	current, err := c.store.LoadCheckpoint(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("reload checkpoint: %w", err)
	}

	remaining := max(0, len(pending)-len(batch))
	final := Checkpoint{
		Status:    StatusRunning,
		Queued:    running.Queued,
		Processed: current.Processed + res.Processed,
		Errors:    current.Errors + res.Errors,
		StartedAt: running.StartedAt,
	}
	if remaining == 0 {
		finished := c.now()
		final.Status = StatusIdle
		final.FinishedAt = &finished
	}
	if err := c.store.SaveCheckpoint(ctx, final); err != nil {
		return CycleResult{}, fmt.Errorf("save checkpoint: %w", err)
	}

	slog.InfoContext(ctx, "sync cycle finished",
		"processed", res.Processed, "errors", res.Errors,
		"total_processed", final.Processed, "remaining", remaining)

	return CycleResult{
		ProcessedThisBatch: res.Processed,
		ErrorsThisBatch:    res.Errors,
		TotalProcessed:     final.Processed,
		TotalErrors:        final.Errors,
		Remaining:          remaining,
		ShouldContinue:     remaining > 0,
	}, nil
}

// FilterNew returns the candidates whose id is not in ingested, keeping the
// provider's order and the first copy of duplicated ids.
func FilterNew(candidates []Message, ingested map[string]struct{}) []Message {
	seen := make(map[string]struct{}, len(candidates))
	var out []Message
	for _, m := range candidates {
		if _, ok := ingested[m.ID]; ok {
			continue
		}
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}
