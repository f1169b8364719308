package mailsync

import (
	"context"
	"fmt"
	"time"
)

type StatusSnapshot struct {
	Status            Status     `json:"status"`
	Queued            int        `json:"queued"`
	Processed         int        `json:"processed"`
	Errors            int        `json:"errors"`
	StartedAt         *time.Time `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at"`
	TotalIngested     int        `json:"total_ingested"`
	WithEmbedding     int        `json:"with_embedding"`
	PendingEstimate   int        `json:"pending_estimate"`
	LastSyncTimestamp *time.Time `json:"last_sync_timestamp"`
}

// StatusReporter is a read-only view over the checkpoint and store counts.
type StatusReporter struct {
	store RecordStore
}

func NewStatusReporter(s RecordStore) *StatusReporter {
	return &StatusReporter{store: s}
}

func (r *StatusReporter) GetSyncStatus(ctx context.Context) (StatusSnapshot, error) {
	cp, err := r.store.LoadCheckpoint(ctx)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("load checkpoint: %w", err)
	}
	counts, err := r.store.AggregateCounts(ctx)
	if err != nil {
		return StatusSnapshot{}, fmt.Errorf("aggregate counts: %w", err)
	}

	pending := 0
	if cp.Running() {
		pending = max(0, cp.Queued-cp.Processed)
	}

	return StatusSnapshot{
		Status:            cp.Status,
		Queued:            cp.Queued,
		Processed:         cp.Processed,
		Errors:            cp.Errors,
		StartedAt:         cp.StartedAt,
		FinishedAt:        cp.FinishedAt,
		TotalIngested:     counts.Total,
		WithEmbedding:     counts.WithEmbedding,
		PendingEstimate:   pending,
		LastSyncTimestamp: counts.LatestDate,
	}, nil
}
