package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"

	"helpdesk/apps/backend/features/job"
	"helpdesk/apps/backend/features/mailsync"
	"helpdesk/apps/backend/features/mcp"
	"helpdesk/apps/backend/features/stats"
	"helpdesk/apps/backend/features/tone"
	"helpdesk/apps/backend/internal/account"
	"helpdesk/apps/backend/internal/adapter/gemini"
	"helpdesk/apps/backend/internal/adapter/gmail"
	"helpdesk/apps/backend/internal/adapter/openai"
	wstore "helpdesk/apps/backend/internal/adapter/weaviate"
	"helpdesk/apps/backend/internal/config"
	"helpdesk/apps/backend/internal/middleware"
	"helpdesk/apps/backend/internal/scheduler"
	"helpdesk/apps/backend/internal/settings"
	"helpdesk/apps/backend/internal/worker"
)

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
	DeferredPublish(topic string, delay time.Duration, body []byte) error
}

// Options overrides adapters that would otherwise reach external APIs.
type Options struct {
	Embedder  mailsync.Embedder
	Providers mailsync.ProviderSource
}

type App struct {
	Handler      http.Handler
	SyncService  *mailsync.Service
	SyncConsumer *worker.SyncConsumer
	Scheduler    *scheduler.Scheduler

	port     int
	embedder mailsync.Embedder
}

func New(
	cfg *config.Config,
	db *sql.DB,
	wClient *weaviate.Client,
	pub Publisher,
	logger *slog.Logger,
	opts ...*Options,
) (*App, error) {
	var o Options
	for _, opt := range opts {
		if opt != nil {
			o = *opt
		}
	}

	// Feature: Settings
	settingsRepo := settings.NewPostgresRepo(db)
	settingsService := settings.NewService(settingsRepo)
	settingsHandler := settings.NewHandler(settingsService)

	// Feature: Accounts
	accountRepo := account.NewPostgresRepo(db)

	jobRepo := job.NewPostgresRepo(db)

	// Adapters
	embedder := o.Embedder
	if embedder == nil {
		var err error
		if embedder, err = newEmbedder(cfg, settingsService); err != nil {
			return nil, err
		}
	}
	providers := o.Providers
	if providers == nil {
		providers = gmail.NewClient(gmail.NewOAuthConfig(cfg.GmailClientID, cfg.GmailClientSecret), accountRepo)
	}
	toneStore := wstore.NewStore(wClient)
	accountHandler := account.NewHandler(accountRepo, toneStore)

	// Feature: Mail sync
	syncRepo := mailsync.NewPostgresRepo(db)
	syncService := mailsync.NewService(syncRepo, providers, embedder, mailsync.ServiceConfig{
		BatchSize:    cfg.SyncBatchSize,
		MaxMessages:  cfg.SyncMaxMessages,
		RetryBackoff: cfg.RetryBackoff(),
		LeaseTTL:     cfg.LeaseTTL(),
	},
		mailsync.WithIndexSource(toneStore),
		mailsync.WithFailures(&failureLedger{jobs: jobRepo}),
		mailsync.WithSettings(settingsService),
	)
	var (
		syncHandlerOpts []mailsync.HandlerOption
		jobOpts         []job.Option
	)
	if !cfg.EnableSyncWorker {
		background := mailsync.NewBackgroundResumer(syncService, mailsync.ResumeOptions{
			MaxIterations: cfg.SyncResumeMaxIterations,
			Delay:         cfg.ResumeDelay(),
		})
		syncHandlerOpts = append(syncHandlerOpts, mailsync.WithInProcessResume(background))
		jobOpts = append(jobOpts, job.WithDispatcher(background))
	}
	syncHandler := mailsync.NewHandler(syncService, pub, syncHandlerOpts...)

	// Feature: Job
	jobService := job.NewService(jobRepo, pub, logger, jobOpts...)
	jobHandler := job.NewHandler(jobService)

	// Feature: Tone & MCP
	toneService := tone.NewService(embedder, toneStore, settingsService, tone.WithQueryLog(newQueryLogger(cfg.QueryLogPath, logger)))
	toneHandler := tone.NewHandler(toneService)
	mcpHandler := mcp.NewHandler(toneService, accountRepo, syncService)

	// Feature: Stats
	statsHandler := stats.NewHandler(accountRepo, jobRepo, toneStore, syncRepo)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("GET /accounts", middleware.CorrelationID(enableCORS(accountHandler.List)))
	mux.Handle("POST /accounts", middleware.CorrelationID(enableCORS(accountHandler.Connect)))
	mux.Handle("DELETE /accounts/{id}", middleware.CorrelationID(enableCORS(accountHandler.Disconnect)))

	mux.Handle("POST /accounts/{id}/sync", middleware.CorrelationID(enableCORS(syncHandler.Sync)))
	mux.Handle("POST /accounts/{id}/sync/resume", middleware.CorrelationID(enableCORS(syncHandler.Resume)))
	mux.Handle("GET /accounts/{id}/sync/status", middleware.CorrelationID(enableCORS(syncHandler.Status)))

	mux.Handle("POST /accounts/{id}/tone/examples", middleware.CorrelationID(enableCORS(toneHandler.Examples)))

	mux.Handle("GET /settings", middleware.CorrelationID(enableCORS(settingsHandler.GetSettings)))
	mux.Handle("PUT /settings", middleware.CorrelationID(enableCORS(settingsHandler.UpdateSettings)))

	mux.Handle("GET /jobs/failed", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("POST /jobs/{id}/retry", middleware.CorrelationID(enableCORS(jobHandler.Retry)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.Handle("/mcp", middleware.CorrelationID(mcpHandler))
	mux.Handle("GET /mcp/sse", middleware.CorrelationID(enableCORS(mcpHandler.HandleSSE)))
	mux.Handle("POST /mcp/messages", middleware.CorrelationID(enableCORS(mcpHandler.HandleMessage)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Worker
	syncConsumer := worker.NewSyncConsumer(syncService, pub, jobService, worker.SyncConsumerConfig{
		ResumeDelay:   cfg.ResumeDelay(),
		MaxIterations: cfg.SyncResumeMaxIterations,
	})

	return &App{
		Handler:      mux,
		SyncService:  syncService,
		SyncConsumer: syncConsumer,
		Scheduler:    scheduler.New(accountRepo, pub, cfg.ScheduleInterval(), scheduler.WithStatus(syncService, 2*cfg.ScheduleInterval())),
		port:         cfg.ServerPort,
		embedder:     embedder,
	}, nil
}

func newQueryLogger(path string, logger *slog.Logger) *tone.QueryLogger {
	if path == "" {
		return tone.NewQueryLogger(io.Discard)
	}
	ql, err := tone.NewFileQueryLogger(path)
	if err != nil {
		logger.Warn("failed to open tone query log, using stdout", "path", path, "error", err)
		return tone.NewQueryLogger(os.Stdout)
	}
	return ql
}

func newEmbedder(cfg *config.Config, src *settings.Service) (mailsync.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case config.ProviderOpenAI:
		return openai.NewEmbedder(src, openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.EmbeddingModel,
		}), nil
	case config.ProviderLocal:
		return openai.NewEmbedder(nil, openai.Config{
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.EmbeddingModel,
			Local:     true,
			BatchSize: cfg.SyncBatchSize,
		}), nil
	case config.ProviderGemini, "":
		return gemini.NewDynamicEmbedder(src, gemini.Config{
			FallbackKey: cfg.GeminiAPIKey,
			Model:       cfg.EmbeddingModel,
			RPS:         cfg.GeminiRPS,
		}), nil
	default:
		return nil, fmt.Errorf("%w: EMBEDDING_PROVIDER %q", config.ErrInvalidValue, cfg.EmbeddingProvider)
	}
}

func (a *App) Run(ctx context.Context) error {
	port := a.port
	if port == 0 {
		port = 8081
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           a.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown failed", "error", err)
		}
	}()

	slog.Info("server starting", "port", port)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close releases the embedding client when it holds one.
func (a *App) Close() error {
	if c, ok := a.embedder.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// failureLedger stores terminal per-message failures as retryable jobs and
// drops them once a later cycle ingests the message.
type failureLedger struct {
	jobs interface {
		Save(ctx context.Context, j *job.Job) error
		DeleteResolved(ctx context.Context, accountID, handler string, messageIDs []string) (int64, error)
	}
}

func (l *failureLedger) ClearFailures(ctx context.Context, accountID string, messageIDs []string) error {
	n, err := l.jobs.DeleteResolved(ctx, accountID, job.HandlerMessage, messageIDs)
	if err != nil {
		return fmt.Errorf("clear failures: %w", err)
	}
	if n > 0 {
		slog.InfoContext(ctx, "resolved failed messages", "count", n)
	}
	return nil
}

func (l *failureLedger) RecordFailures(ctx context.Context, accountID string, failures []mailsync.Failure) error {
	payload, err := json.Marshal(mailsync.TriggerPayload{
		AccountID:     accountID,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}

	var errs []error
	for _, f := range failures {
		j := &job.Job{
			AccountID: accountID,
			MessageID: f.MessageID,
			Handler:   job.HandlerMessage,
			Payload:   payload,
			Error:     fmt.Sprintf("failed after %d attempts: %v", f.Attempts, f.Err),
		}
		if err := l.jobs.Save(ctx, j); err != nil {
			errs = append(errs, fmt.Errorf("save failure for %s: %w", f.MessageID, err))
		}
	}
	return errors.Join(errs...)
}
