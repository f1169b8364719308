package mailsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
)

const maxEmbedRunes = 8000

type Failure struct {
	MessageID string
	Err       error
	Attempts  int
}

type BatchResult struct {
	Processed int
	Errors    int
	Failures  []Failure
	Succeeded []string
}

// BatchRunner is the slice of the batch processor the coordinator needs.
type BatchRunner interface {
	ProcessBatch(ctx context.Context, messages []Message) BatchResult
}

type BatchOption func(*BatchProcessor)

// WithPolicy overrides the pacing reported by the embedder.
func WithPolicy(p EmbedPolicy) BatchOption {
	return func(b *BatchProcessor) { b.policy = p }
}

// WithToneIndex mirrors every stored message that has an embedding into idx.
// Index failures are logged and do not fail the message.
func WithToneIndex(idx ToneIndex) BatchOption {
	return func(b *BatchProcessor) { b.index = idx }
}

// BatchProcessor embeds and stores messages with bounded concurrency. It
// knows nothing about checkpoints.
type BatchProcessor struct {
	embedder Embedder
	store    RecordStore
	index    ToneIndex
	retry    RetryPolicy
	policy   EmbedPolicy
}

func NewBatchProcessor(e Embedder, s RecordStore, retry RetryPolicy, opts ...BatchOption) *BatchProcessor {
	b := &BatchProcessor{
		embedder: e,
		store:    s,
		retry:    retry,
		policy:   e.Policy(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

type outcome struct {
	attempts int
	err      error
	done     bool
}

func (b *BatchProcessor) ProcessBatch(ctx context.Context, messages []Message) BatchResult {
	var res BatchResult
	if len(messages) == 0 {
		return res
	}

	groupSize := b.policy.Concurrency
	if groupSize <= 0 || groupSize > len(messages) {
		groupSize = len(messages)
	}

	outcomes := make([]outcome, len(messages))
	for start := 0; start < len(messages); start += groupSize {
		if start > 0 && b.policy.InterBatchDelay > 0 {
			if err := sleep(ctx, b.policy.InterBatchDelay); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			slog.WarnContext(ctx, "batch interrupted", "remaining", len(messages)-start, "error", ctx.Err())
			break
		}

		end := min(start+groupSize, len(messages))
		var g errgroup.Group
		g.SetLimit(groupSize)
		for i := start; i < end; i++ {
			g.Go(func() error {
				attempts, err := b.ingest(ctx, messages[i])
				outcomes[i] = outcome{attempts: attempts, err: err, done: true}
				// Message failures stay in outcomes; only cancellation stops the batch.
				return ctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			slog.WarnContext(ctx, "batch interrupted", "remaining", len(messages)-end, "error", err)
			break
		}
	}

	for i, o := range outcomes {
		if !o.done {
			continue
		}
		if o.err == nil {
			res.Processed++
			res.Succeeded = append(res.Succeeded, messages[i].ID)
			continue
		}
		res.Errors++
		res.Failures = append(res.Failures, Failure{MessageID: messages[i].ID, Err: o.err, Attempts: o.attempts})
		slog.WarnContext(ctx, "message ingestion failed", "message_id", messages[i].ID, "attempts", o.attempts, "error", o.err)
	}
	return res
}

// ingest embeds and stores msg, then mirrors it into the tone index. The
// record store is the source of truth for dedup, so an unavailable index
// leaves the message ingested but missing from tone lookups.
func (b *BatchProcessor) ingest(ctx context.Context, msg Message) (int, error) {
	rec, attempts, err := b.embedAndStoreWithRetry(ctx, msg)
	if err != nil {
		return attempts, err
	}
	if b.index != nil && len(rec.Embedding) > 0 {
		if err := b.index.Index(ctx, rec); err != nil {
			slog.WarnContext(ctx, "tone index write failed, message stored without index entry",
				"message_id", msg.ID, "error", err)
		}
	}
	return attempts, nil
}

func (b *BatchProcessor) embedAndStoreWithRetry(ctx context.Context, msg Message) (Record, int, error) {
	// The vector survives a retry so a storage hiccup does not cost another
	// embedding call.
	var (
		vector   []float32
		embedded bool
	)
	attempts, err := b.retry.Do(ctx, func(ctx context.Context) error {
		if !embedded {
			text := EmbeddingText(msg)
			if text != "" {
				v, err := b.embedder.Embed(ctx, text)
				if err != nil {
					return &EmbedError{Err: err}
				}
				vector = v
			}
			embedded = true
		}

		if err := b.store.UpsertMessage(ctx, Record{Message: msg, Embedding: vector}); err != nil {
			return fmt.Errorf("upsert message %s: %w", msg.ID, err)
		}
		return nil
	})
	return Record{Message: msg, Embedding: vector}, attempts, err
}

// EmbeddingText is the text whose embedding represents a message's tone.
// It is empty when the message has neither subject nor body.
func EmbeddingText(msg Message) string {
	body := strings.TrimSpace(msg.Body)
	subject := strings.TrimSpace(msg.Subject)
	if body == "" && subject == "" {
		return ""
	}

	text := fmt.Sprintf("Subject: %s\n---\n%s", subject, body)
	if utf8.RuneCountInString(text) > maxEmbedRunes {
		runes := []rune(text)
		text = string(runes[:maxEmbedRunes])
	}
	return text
}
