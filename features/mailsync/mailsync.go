// Package mailsync ingests an account's historical sent mail in bounded,
// resumable cycles and embeds every message for tone-matched drafting.
//
// A cycle reads the account checkpoint, fetches candidate messages from the
// mail provider, drops the ones already stored, and embeds-and-stores one
// fixed-size batch. Progress is written to the checkpoint before and after
// the batch, so an invocation killed mid-batch leaves a checkpoint the next
// invocation can resume from.
package mailsync

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusIdle    Status = "idle"
	StatusRunning Status = "running"
)

// ErrFetch marks failures of the mail provider. They abort the cycle
// without touching the checkpoint.
var ErrFetch = errors.New("fetch sent messages")

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Subject        string    `json:"subject"`
	From           string    `json:"from"`
	To             []string  `json:"to"`
	Date           time.Time `json:"date"`
	Body           string    `json:"body"`
	Labels         []string  `json:"labels"`
}

// Record is an ingested message. An empty Embedding is a stored message
// without a usable vector.
type Record struct {
	Message
	Embedding []float32 `json:"-"`
}

// Checkpoint is the per-account progress of the current sync job.
type Checkpoint struct {
	Status     Status     `json:"status"`
	Queued     int        `json:"queued"`
	Processed  int        `json:"processed"`
	Errors     int        `json:"errors"`
	StartedAt  *time.Time `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
}

func (c Checkpoint) Running() bool {
	return c.Status == StatusRunning
}

type Counts struct {
	Total         int
	WithEmbedding int
	LatestDate    *time.Time
}

// Totals aggregates sync progress across every account.
type Totals struct {
	StoredMessages    int
	MissingEmbeddings int
	RunningSyncs      int
	LastCheckpointAt  *time.Time
}

// EmbedPolicy is the pacing an embedder needs from the batch processor.
// Concurrency <= 0 means the whole batch runs as one group.
type EmbedPolicy struct {
	Concurrency     int           `json:"concurrency"`
	InterBatchDelay time.Duration `json:"inter_batch_delay"`
}

type MailProvider interface {
	FetchSentMessages(ctx context.Context, limit int) ([]Message, error)
}

// RecordStore is scoped to a single account.
type RecordStore interface {
	ListIngestedIDs(ctx context.Context) (map[string]struct{}, error)
	UpsertMessage(ctx context.Context, rec Record) error
	LoadCheckpoint(ctx context.Context) (Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	AggregateCounts(ctx context.Context) (Counts, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Policy() EmbedPolicy
}

// ToneIndex mirrors message vectors into the similarity index. Indexing is
// keyed by message id and must be idempotent.
type ToneIndex interface {
	Index(ctx context.Context, rec Record) error
}

// FailureRecorder receives the messages that failed terminally in a batch,
// and the ids that were ingested so earlier failures of them can be cleared.
type FailureRecorder interface {
	RecordFailures(ctx context.Context, accountID string, failures []Failure) error
	ClearFailures(ctx context.Context, accountID string, messageIDs []string) error
}
