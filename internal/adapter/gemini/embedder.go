// Package gemini embeds text with the Gemini embedding API.
package gemini

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"

	"helpdesk/apps/backend/features/mailsync"
)

const DefaultModel = "gemini-embedding-001"

var (
	ErrMissingKey     = errors.New("gemini api key not configured")
	ErrEmptyEmbedding = errors.New("empty embedding received")
)

// policy keeps three requests in flight with a one second pause between
// groups, which stays under the free-tier quota.
var policy = mailsync.EmbedPolicy{Concurrency: 3, InterBatchDelay: time.Second}

// newLimiter returns an unlimited limiter for rps <= 0.
func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

func embed(ctx context.Context, client *genai.Client, limiter *rate.Limiter, model, text string) ([]float32, error) {
	if err := limiter.Wait(ctx); err != nil {
		return nil, err
	}

	slog.DebugContext(ctx, "embedding content", "model", model, "length", len(text))
	res, err := client.EmbeddingModel(model).EmbedContent(ctx, genai.Text(text))
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "error", err)
		return nil, err
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return res.Embedding.Values, nil
}
