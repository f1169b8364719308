package gemini

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/internal/settings"
)

type SettingsSource interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type Config struct {
	// FallbackKey is used while the settings row carries no key.
	FallbackKey string
	Model       string
	RPS         int
}

// DynamicEmbedder reads the API key from settings on every call and swaps
// its client when the key changes.
type DynamicEmbedder struct {
	settings    SettingsSource
	fallbackKey string
	model       string
	limiter     *rate.Limiter

	mu         sync.RWMutex
	client     *genai.Client
	currentKey string
	clientOpts []option.ClientOption
}

func NewDynamicEmbedder(src SettingsSource, cfg Config, opts ...option.ClientOption) *DynamicEmbedder {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &DynamicEmbedder{
		settings:    src,
		fallbackKey: cfg.FallbackKey,
		model:       model,
		limiter:     newLimiter(cfg.RPS),
		clientOpts:  opts,
	}
}

func (e *DynamicEmbedder) Policy() mailsync.EmbedPolicy {
	return policy
}

func (e *DynamicEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key, err := e.apiKey(ctx)
	if err != nil {
		return nil, err
	}

	client, err := e.getClient(ctx, key)
	if err != nil {
		return nil, err
	}
	return embed(ctx, client, e.limiter, e.model, text)
}

func (e *DynamicEmbedder) apiKey(ctx context.Context) (string, error) {
	s, err := e.settings.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get settings: %w", err)
	}
	if s != nil && s.GeminiAPIKey != "" {
		return s.GeminiAPIKey, nil
	}
	if e.fallbackKey != "" {
		return e.fallbackKey, nil
	}
	return "", ErrMissingKey
}

func (e *DynamicEmbedder) getClient(ctx context.Context, key string) (*genai.Client, error) {
	e.mu.RLock()
	if e.client != nil && e.currentKey == key {
		defer e.mu.RUnlock()
		return e.client, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.client != nil && e.currentKey == key {
		return e.client, nil
	}

	if e.client != nil {
		if err := e.client.Close(); err != nil {
			slog.Warn("failed to close previous genai client", "error", err)
		}
	}

	opts := append(append([]option.ClientOption{}, e.clientOpts...), option.WithAPIKey(key))
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	e.client = client
	e.currentKey = key
	return client, nil
}

// Close releases the current client, if any.
func (e *DynamicEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return nil
	}
	err := e.client.Close()
	e.client = nil
	e.currentKey = ""
	return err
}
