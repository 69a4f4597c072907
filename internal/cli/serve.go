package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docagent-io/docagent/internal/api/handlers"
	"github.com/docagent-io/docagent/internal/config"
	"github.com/docagent-io/docagent/internal/database"
	"github.com/docagent-io/docagent/internal/jobs"
	"github.com/docagent-io/docagent/internal/ollama"
	"github.com/docagent-io/docagent/internal/openai"
	"github.com/docagent-io/docagent/internal/repository"
	"github.com/docagent-io/docagent/internal/server"
	"github.com/docagent-io/docagent/internal/service"
	"github.com/docagent-io/docagent/internal/storage"
	"github.com/docagent-io/docagent/internal/telemetry"
	"github.com/docagent-io/docagent/internal/vectorstore"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
)

// ServeCmd returns the serve command
func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		Long:  "Start the docagent API server and its ingestion worker",
		RunE:  runServe,
	}

	cmd.Flags().StringP("port", "p", "8080", "Port to listen on")
	cmd.Flags().Bool("no-migrate", false, "Skip automatic database migrations on startup")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize Sentry with tracing if a DSN is configured
	if cfg.SentryDSN != "" {
		environment := os.Getenv("ENVIRONMENT")
		if environment == "" {
			environment = "development"
		}

		// Default to 10% sampling in production, 100% in development
		sampleRate := 0.1
		if environment == "development" {
			sampleRate = 1.0
		}

		shutdownTelemetry, err := telemetry.Init(telemetry.Config{
			DSN:              cfg.SentryDSN,
			Environment:      environment,
			TracesSampleRate: sampleRate,
		})
		if err != nil {
			log.Printf("telemetry init failed (continuing without tracing): %v", err)
		} else {
			defer shutdownTelemetry()
		}
	}

	portFlag, _ := cmd.Flags().GetString("port")
	if portFlag != "" && portFlag != "8080" {
		cfg.Port = portFlag
	}

	pool, err := database.NewPool(ctx, database.Config{URL: cfg.DatabaseURL})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()
	log.Println("connected to database")

	// Run migrations unless --no-migrate flag is set
	noMigrate, _ := cmd.Flags().GetBool("no-migrate")
	if !noMigrate {
		if err := runMigrations(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
	}

	chatRepo := repository.NewChatRepository(pool)
	messageRepo := repository.NewMessageRepository(pool)
	chunkRepo := repository.NewChatChunkRepository(pool)
	jobRepo := repository.NewIngestionJobRepository(pool)

	var objects storage.ObjectStore
	if cfg.HasS3() {
		s3Client, err := storage.NewS3Client(ctx, storage.S3ClientConfig{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			UsePathStyle:    true,
		})
		if err != nil {
			return fmt.Errorf("failed to create S3 client: %w", err)
		}
		if err := s3Client.EnsureBucket(ctx); err != nil {
			return fmt.Errorf("failed to ensure S3 bucket: %w", err)
		}
		log.Printf("S3 bucket '%s' ready", cfg.S3Bucket)
		objects = s3Client
	} else {
		localStore, err := storage.NewLocalStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("failed to create local document store: %w", err)
		}
		log.Printf("storing documents locally under %s", cfg.DataDir)
		objects = localStore
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}
	log.Printf("model provider: %s", cfg.Provider)

	store, err := vectorstore.New(vectorstore.Config{
		Dimension:        cfg.EmbeddingDimensions,
		RebuildThreshold: cfg.IndexRebuildThreshold,
		Probes:           cfg.IndexProbes,
	})
	if err != nil {
		return fmt.Errorf("failed to create vector store: %w", err)
	}

	embedder, err := service.NewEmbeddingGateway(provider, service.EmbeddingConfig{
		Dimension:   cfg.EmbeddingDimensions,
		Timeout:     cfg.EmbedTimeout,
		MaxAttempts: cfg.EmbedAttempts,
	})
	if err != nil {
		return fmt.Errorf("failed to create embedding gateway: %w", err)
	}

	retriever, err := service.NewRetriever(embedder, store, service.RetrieverConfig{TopK: cfg.TopK})
	if err != nil {
		return fmt.Errorf("failed to create retriever: %w", err)
	}

	generator, err := service.NewGenerationOrchestrator(provider, service.GenerationConfig{
		IdleTimeout: cfg.StreamIdleTimeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create generation orchestrator: %w", err)
	}

	ingestionSvc, err := service.NewIngestionService(provider, embedder, chunkRepo, store, service.IngestionConfig{
		Chunking: service.ChunkConfig{
			MaxChars: cfg.ChunkSize,
			Overlap:  cfg.ChunkOverlap,
		},
		EmbedConcurrency: cfg.EmbedConcurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create ingestion service: %w", err)
	}

	loaded, err := ingestionSvc.WarmIndex(ctx, chunkRepo)
	if err != nil {
		return fmt.Errorf("failed to warm vector index: %w", err)
	}
	log.Printf("warmed vector index with %d chunks", loaded)

	chatSvc := service.NewChatService(chatRepo, messageRepo, jobRepo, chunkRepo, store)
	askSvc := service.NewAskService(chatSvc, retriever, generator, chatSvc)

	ingestionProcessor := jobs.NewIngestionWorker(jobRepo, chatRepo, objects, ingestionSvc, cfg.JobMaxRetries)
	ingestionWorker := jobs.NewWorker(ingestionProcessor, cfg.JobPollInterval)
	go ingestionWorker.Start(ctx)
	log.Println("ingestion worker started")

	maintenanceWorker := jobs.NewWorker(jobs.NewIndexMaintenance(store), cfg.IndexRebuildInterval)
	go maintenanceWorker.Start(ctx)
	log.Println("index maintenance worker started")

	router := server.NewRouter(server.RouterConfig{
		ChatHandler: handlers.NewChatHandler(chatSvc, objects),
		AskHandler:  handlers.NewAskHandler(askSvc),
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Printf("starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down...")

	ingestionWorker.Stop()
	maintenanceWorker.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Println("server exited")
	return nil
}

// buildProvider selects the model backend from configuration.
func buildProvider(cfg *config.Config) (service.ModelProvider, error) {
	switch cfg.Provider {
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:         cfg.OpenAIAPIKey,
			BaseURL:        cfg.OpenAIBaseURL,
			EmbeddingModel: cfg.OpenAIEmbeddingModel,
			ChatModel:      cfg.OpenAIChatModel,
			VisionModel:    cfg.OpenAIVisionModel,
			Dimensions:     cfg.EmbeddingDimensions,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create openai provider: %w", err)
		}
		return client, nil
	case "ollama":
		client, err := ollama.NewClient(ollama.Config{
			BaseURL:        cfg.OllamaURL,
			EmbeddingModel: cfg.OllamaEmbeddingModel,
			ChatModel:      cfg.OllamaChatModel,
			Token:          cfg.OllamaToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama provider: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func runMigrations(databaseURL string) error {
	// Create a sql.DB connection for golang-migrate
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(
		"file://migrations",
		"postgres",
		driver,
	)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	err = m.Up()
	if err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && err != migrate.ErrNilVersion {
		return fmt.Errorf("failed to get migration version: %w", err)
	}

	if err == migrate.ErrNilVersion {
		log.Println("migrations: database is empty (no migrations applied)")
	} else if dirty {
		return fmt.Errorf("migration version %d is dirty - manual intervention required", version)
	} else {
		log.Printf("migrations: schema is at version %d", version)
	}

	return nil
}
