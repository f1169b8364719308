// Package openai embeds text through an OpenAI-compatible embeddings API.
// The same adapter serves hosted OpenAI and a local Ollama /v1 endpoint.
package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/internal/settings"
)

const (
	DefaultModel      = "text-embedding-3-small"
	DefaultLocalModel = "nomic-embed-text"
	DefaultLocalURL   = "http://localhost:11434/v1"

	requestTimeout = 30 * time.Second
)

var (
	ErrMissingKey     = errors.New("openai api key not configured")
	ErrEmptyEmbedding = errors.New("no embeddings returned from API")
)

type SettingsSource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	// Local marks a self-hosted endpoint: no key needed and no pacing.
	Local bool
	// BatchSize is the local concurrency, one request per batch slot.
	BatchSize int
}

type Embedder struct {
	settings SettingsSource
	cfg      Config

	mu         sync.Mutex
	client     *openai.Client
	currentKey string
}

// NewEmbedder returns an embedder. src may be nil; when set, a key stored
// in settings takes precedence over cfg.APIKey.
func NewEmbedder(src SettingsSource, cfg Config) *Embedder {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
		if cfg.Local {
			cfg.Model = DefaultLocalModel
		}
	}
	if cfg.Local && cfg.BaseURL == "" {
		cfg.BaseURL = DefaultLocalURL
	}
	return &Embedder{settings: src, cfg: cfg}
}

func (e *Embedder) Policy() mailsync.EmbedPolicy {
	if e.cfg.Local {
		return mailsync.EmbedPolicy{Concurrency: e.cfg.BatchSize}
	}
	return mailsync.EmbedPolicy{Concurrency: 5, InterBatchDelay: 500 * time.Millisecond}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := e.getClient(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(e.cfg.Model),
	})
	if err != nil {
		slog.ErrorContext(ctx, "embedding failed", "model", e.cfg.Model, "error", err)
		return nil, fmt.Errorf("failed to create embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return resp.Data[0].Embedding, nil
}

func (e *Embedder) apiKey(ctx context.Context) (string, error) {
	if e.settings != nil {
		s, err := e.settings.Get(ctx)
		if err != nil {
			return "", fmt.Errorf("failed to get settings: %w", err)
		}
		if s != nil && s.OpenAIAPIKey != "" {
			return s.OpenAIAPIKey, nil
		}
	}
	if e.cfg.APIKey == "" && !e.cfg.Local {
		return "", ErrMissingKey
	}
	return e.cfg.APIKey, nil
}

func (e *Embedder) getClient(ctx context.Context) (*openai.Client, error) {
	key, err := e.apiKey(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil && e.currentKey == key {
		return e.client, nil
	}

	conf := openai.DefaultConfig(key)
	if e.cfg.BaseURL != "" {
		conf.BaseURL = e.cfg.BaseURL
	}
	e.client = openai.NewClientWithConfig(conf)
	e.currentKey = key
	return e.client, nil
}
