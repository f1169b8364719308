package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalidValue    = errors.New("invalid configuration value")
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderLocal  = "local"
)

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"helpdesk"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"helpdesk"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	EnableAPI        bool   `envconfig:"ENABLE_API" default:"true"`
	EnableSyncWorker bool   `envconfig:"ENABLE_SYNC_WORKER" default:"true"`
	EnableScheduler  bool   `envconfig:"ENABLE_SCHEDULER" default:"false"`
	MigrationPath    string `envconfig:"MIGRATION_PATH" default:"file://migrations"`

	// Embeddings
	EmbeddingProvider string `envconfig:"EMBEDDING_PROVIDER" default:"gemini"`
	EmbeddingModel    string `envconfig:"EMBEDDING_MODEL"`
	GeminiAPIKey      string `envconfig:"GEMINI_API_KEY"`
	GeminiRPS         int    `envconfig:"GEMINI_RPS" default:"5"`
	OpenAIAPIKey      string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL     string `envconfig:"OPENAI_BASE_URL"`

	// Mail provider
	GmailClientID     string `envconfig:"GMAIL_CLIENT_ID"`
	GmailClientSecret string `envconfig:"GMAIL_CLIENT_SECRET"`

	// Sync
	SyncMaxMessages             int `envconfig:"SYNC_MAX_MESSAGES" default:"100"`
	SyncBatchSize               int `envconfig:"SYNC_BATCH_SIZE" default:"15"`
	SyncRetryBackoffMS          int `envconfig:"SYNC_RETRY_BACKOFF_MS" default:"500"`
	SyncLeaseTTLSeconds         int `envconfig:"SYNC_LEASE_TTL_SECONDS" default:"300"`
	SyncResumeDelayMS           int `envconfig:"SYNC_RESUME_DELAY_MS" default:"2000"`
	SyncResumeMaxIterations     int `envconfig:"SYNC_RESUME_MAX_ITERATIONS" default:"50"`
	SyncScheduleIntervalMinutes int `envconfig:"SYNC_SCHEDULE_INTERVAL_MINUTES" default:"60"`

	// Server
	ServerPort   int    `envconfig:"SERVER_PORT" default:"8081"`
	QueryLogPath string `envconfig:"TONE_QUERY_LOG_PATH" default:"data/logs/tone_queries.log"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Ignore errors, as env vars might be set in the shell
	_ = godotenv.Load(".env")

	cwd, _ := os.Getwd()
	rootEnv := filepath.Join(cwd, "../../.env")
	_ = godotenv.Load(rootEnv)

	var cfg Config
	err := envconfig.Process("", &cfg)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("%w: SYNC_BATCH_SIZE must be positive", ErrInvalidValue)
	}
	if c.SyncMaxMessages <= 0 {
		return fmt.Errorf("%w: SYNC_MAX_MESSAGES must be positive", ErrInvalidValue)
	}
	switch c.EmbeddingProvider {
	case ProviderGemini, ProviderOpenAI, ProviderLocal:
	default:
		return fmt.Errorf("%w: EMBEDDING_PROVIDER %q", ErrInvalidValue, c.EmbeddingProvider)
	}
	return nil
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.SyncRetryBackoffMS) * time.Millisecond
}

func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.SyncLeaseTTLSeconds) * time.Second
}

func (c *Config) ResumeDelay() time.Duration {
	return time.Duration(c.SyncResumeDelayMS) * time.Millisecond
}

func (c *Config) ScheduleInterval() time.Duration {
	return time.Duration(c.SyncScheduleIntervalMinutes) * time.Minute
}
