// Package tone finds previously sent messages whose style is closest to a
// draft, so replies can be written in the account's own voice.
package tone

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/internal/middleware"
	"helpdesk/apps/backend/internal/settings"
)

const (
	DefaultTopK = 5
	MaxTopK     = 50
)

var ErrEmptyDraft = errors.New("draft has no text")

type Example struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Subject        string    `json:"subject"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sent_at"`
	Distance       float32   `json:"distance"`
}

type Draft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Limit   int    `json:"limit"`
}

// Searcher returns the nearest indexed messages of one account.
type Searcher interface {
	Search(ctx context.Context, accountID string, vector []float32, limit int) ([]Example, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type SettingsService interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Service struct {
	embedder Embedder
	searcher Searcher
	settings SettingsService
	queryLog *QueryLogger
}

type Option func(*Service)

// WithQueryLog records every successful lookup.
func WithQueryLog(l *QueryLogger) Option {
	return func(s *Service) { s.queryLog = l }
}

func NewService(e Embedder, s Searcher, settings SettingsService, opts ...Option) *Service {
	svc := &Service{embedder: e, searcher: s, settings: settings}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// FindExamples embeds the draft the same way ingested messages are embedded
// and returns the closest sent messages, nearest first.
func (s *Service) FindExamples(ctx context.Context, accountID string, d Draft) ([]Example, error) {
	text := mailsync.EmbeddingText(mailsync.Message{Subject: d.Subject, Body: d.Body})
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyDraft
	}
	start := time.Now()

	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, &mailsync.EmbedError{Err: err}
	}

	limit := s.topK(ctx, d.Limit)
	examples, err := s.searcher.Search(ctx, accountID, vec, limit)
	if err != nil {
		return nil, fmt.Errorf("search tone index: %w", err)
	}

	slog.DebugContext(ctx, "tone examples found", "limit", limit, "count", len(examples))
	if s.queryLog != nil {
		s.queryLog.Log(LookupLogEntry{
			AccountID:     accountID,
			DraftChars:    len([]rune(text)),
			Limit:         limit,
			NumResults:    len(examples),
			Duration:      time.Since(start),
			CorrelationID: middleware.GetCorrelationID(ctx),
		})
	}
	return examples, nil
}

func (s *Service) topK(ctx context.Context, requested int) int {
	k := requested
	if k <= 0 && s.settings != nil {
		if set, err := s.settings.Get(ctx); err == nil && set != nil {
			k = set.ToneTopK
		} else if err != nil {
			slog.WarnContext(ctx, "failed to read settings, using default tone example count", "error", err)
		}
	}
	if k <= 0 {
		k = DefaultTopK
	}
	return min(k, MaxTopK)
}
