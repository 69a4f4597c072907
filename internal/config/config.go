package config

import (
	"fmt"
	"log"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port  string `envconfig:"PORT" default:"8080"`
	Debug bool   `envconfig:"DEBUG" default:"false"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`

	// Provider selects the model backend: "ollama" or "openai".
	Provider string `envconfig:"PROVIDER" default:"ollama"`

	OllamaURL            string `envconfig:"OLLAMA_URL" default:"http://localhost:11434"`
	OllamaEmbeddingModel string `envconfig:"OLLAMA_EMBEDDING_MODEL" default:"bge-m3"`
	OllamaChatModel      string `envconfig:"OLLAMA_CHAT_MODEL" default:"gemma3:12b"`
	OllamaToken          string `envconfig:"OLLAMA_TOKEN"`

	OpenAIAPIKey         string `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL        string `envconfig:"OPENAI_BASE_URL"`
	OpenAIEmbeddingModel string `envconfig:"OPENAI_EMBEDDING_MODEL"`
	OpenAIChatModel      string `envconfig:"OPENAI_CHAT_MODEL"`
	OpenAIVisionModel    string `envconfig:"OPENAI_VISION_MODEL"`

	// EmbeddingDimensions must match the vector width of the chat_chunks
	// table and the configured embedding model.
	EmbeddingDimensions int `envconfig:"EMBEDDING_DIMENSIONS" default:"1024"`

	ChunkSize    int `envconfig:"CHUNK_SIZE" default:"500"`
	ChunkOverlap int `envconfig:"CHUNK_OVERLAP" default:"50"`
	TopK         int `envconfig:"TOP_K" default:"3"`

	EmbedTimeout      time.Duration `envconfig:"EMBED_TIMEOUT" default:"30s"`
	EmbedAttempts     uint64        `envconfig:"EMBED_ATTEMPTS" default:"3"`
	EmbedConcurrency  int           `envconfig:"EMBED_CONCURRENCY" default:"4"`
	StreamIdleTimeout time.Duration `envconfig:"STREAM_IDLE_TIMEOUT" default:"60s"`

	// IndexRebuildThreshold is the scope size above which the approximate
	// index kicks in; IndexRebuildInterval is how often stale scopes are
	// re-clustered.
	IndexRebuildThreshold int           `envconfig:"INDEX_REBUILD_THRESHOLD" default:"256"`
	IndexRebuildInterval  time.Duration `envconfig:"INDEX_REBUILD_INTERVAL" default:"1m"`
	IndexProbes           int           `envconfig:"INDEX_PROBES" default:"3"`

	JobPollInterval time.Duration `envconfig:"JOB_POLL_INTERVAL" default:"5s"`
	JobMaxRetries   int32         `envconfig:"JOB_MAX_RETRIES" default:"3"`

	// DataDir is where uploaded documents land when S3 is not configured.
	DataDir string `envconfig:"DATA_DIR" default:"./data"`

	S3Endpoint  string `envconfig:"S3_ENDPOINT"`
	S3AccessKey string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
	S3Bucket    string `envconfig:"S3_BUCKET" default:"docagent-uploads"`
	S3Region    string `envconfig:"S3_REGION" default:"us-east-1"`

	SentryDSN string `envconfig:"SENTRY_DSN"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("DOCAGENT", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

func (c *Config) validate() error {
	switch c.Provider {
	case "ollama":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("DOCAGENT_OPENAI_API_KEY is required when provider is openai")
		}
	default:
		return fmt.Errorf("unknown provider %q (want ollama or openai)", c.Provider)
	}

	if c.EmbeddingDimensions <= 0 {
		return fmt.Errorf("embedding dimensions must be positive")
	}
	if c.ChunkSize <= 0 || c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("invalid chunking config: size %d overlap %d", c.ChunkSize, c.ChunkOverlap)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("top k must be positive")
	}
	return nil
}

func (c *Config) HasS3() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != ""
}
