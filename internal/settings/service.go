package settings

import (
	"context"
	"errors"
)

var ErrInvalidSettings = errors.New("invalid settings")

type Settings struct {
	ID              int    `json:"-"`
	GeminiAPIKey    string `json:"gemini_api_key"`
	OpenAIAPIKey    string `json:"openai_api_key"`
	SyncMaxMessages int    `json:"sync_max_messages"`
	ToneTopK        int    `json:"tone_top_k"`
}

type Repository interface {
	Get(ctx context.Context) (*Settings, error)
	Update(ctx context.Context, s *Settings) error
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

func (s *Service) Get(ctx context.Context) (*Settings, error) {
	return s.repo.Get(ctx)
}

// Update stores set. Zero limits mean "use the configured default".
func (s *Service) Update(ctx context.Context, set *Settings) error {
	if set.SyncMaxMessages < 0 || set.ToneTopK < 0 {
		return ErrInvalidSettings
	}
	return s.repo.Update(ctx, set)
}
