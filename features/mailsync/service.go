package mailsync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"helpdesk/apps/backend/internal/middleware"
	"helpdesk/apps/backend/internal/settings"
)

type Repository interface {
	Leaser
	Records(accountID string) RecordStore
}

// ProviderSource builds an authenticated mail provider for an account.
type ProviderSource interface {
	Provider(ctx context.Context, accountID string) (MailProvider, error)
}

type IndexSource interface {
	ForAccount(accountID string) ToneIndex
}

type SettingsService interface {
	Get(ctx context.Context) (*settings.Settings, error)
}

type ServiceConfig struct {
	BatchSize    int
	MaxMessages  int
	RetryBackoff time.Duration
	LeaseTTL     time.Duration
}

type ServiceOption func(*Service)

func WithIndexSource(src IndexSource) ServiceOption {
	return func(s *Service) { s.indexes = src }
}

func WithFailures(r FailureRecorder) ServiceOption {
	return func(s *Service) { s.failures = r }
}

func WithSettings(svc SettingsService) ServiceOption {
	return func(s *Service) { s.settings = svc }
}

// Service runs sync cycles for any account, one at a time per account.
type Service struct {
	repo      Repository
	providers ProviderSource
	embedder  Embedder
	indexes   IndexSource
	failures  FailureRecorder
	settings  SettingsService
	cfg       ServiceConfig
}

func NewService(repo Repository, providers ProviderSource, embedder Embedder, cfg ServiceConfig, opts ...ServiceOption) *Service {
	s := &Service{
		repo:      repo,
		providers: providers,
		embedder:  embedder,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunCycle runs one sync cycle for the account under its lease. A
// maxMessages <= 0 falls back to the stored setting, then to configuration.
func (s *Service) RunCycle(ctx context.Context, accountID string, maxMessages int) (CycleResult, error) {
	ctx = middleware.WithAccountID(ctx, accountID)
	limit := s.resolveMaxMessages(ctx, maxMessages)

	var res CycleResult
	err := WithLease(ctx, s.repo, accountID, s.cfg.LeaseTTL, func(ctx context.Context) error {
		coord, err := s.coordinator(ctx, accountID)
		if err != nil {
			return err
		}
		res, err = coord.RunSyncCycle(ctx, limit)
		return err
	})
	return res, err
}

// RunUntilDone repeats RunCycle until the account has nothing left to
// ingest. The lease is taken per cycle.
func (s *Service) RunUntilDone(ctx context.Context, accountID string, opts ResumeOptions) (CycleResult, int, error) {
	runner := cycleFunc(func(ctx context.Context, maxMessages int) (CycleResult, error) {
		return s.RunCycle(ctx, accountID, maxMessages)
	})
	return RunUntilDone(ctx, runner, opts)
}

func (s *Service) Status(ctx context.Context, accountID string) (StatusSnapshot, error) {
	return NewStatusReporter(s.repo.Records(accountID)).GetSyncStatus(ctx)
}

func (s *Service) coordinator(ctx context.Context, accountID string) (*Coordinator, error) {
	provider, err := s.providers.Provider(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("mail provider for account %s: %w", accountID, err)
	}

	store := s.repo.Records(accountID)
	var batchOpts []BatchOption
	if s.indexes != nil {
		batchOpts = append(batchOpts, WithToneIndex(s.indexes.ForAccount(accountID)))
	}
	batch := NewBatchProcessor(s.embedder, store, DefaultRetryPolicy(s.cfg.RetryBackoff), batchOpts...)

	var coordOpts []CoordinatorOption
	if s.failures != nil {
		coordOpts = append(coordOpts, WithFailureRecorder(s.failures))
	}
	return NewCoordinator(accountID, provider, store, batch, s.cfg.BatchSize, coordOpts...), nil
}

func (s *Service) resolveMaxMessages(ctx context.Context, requested int) int {
	if requested > 0 {
		return requested
	}
	if s.settings != nil {
		set, err := s.settings.Get(ctx)
		if err != nil {
			slog.WarnContext(ctx, "failed to read settings, using configured max messages", "error", err)
		} else if set.SyncMaxMessages > 0 {
			return set.SyncMaxMessages
		}
	}
	return s.cfg.MaxMessages
}

type cycleFunc func(ctx context.Context, maxMessages int) (CycleResult, error)

func (f cycleFunc) RunSyncCycle(ctx context.Context, maxMessages int) (CycleResult, error) {
	return f(ctx, maxMessages)
}
