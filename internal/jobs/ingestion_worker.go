package jobs

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/service"
	"github.com/docagent-io/docagent/internal/telemetry"
)

// DefaultMaxRetries is how many times a job is re-queued before it is marked
// failed for good.
const DefaultMaxRetries = 3

// JobStore is the persistence surface the worker needs for document jobs.
type JobStore interface {
	ClaimPending(ctx context.Context, limit int) ([]*domain.IngestionJob, error)
	MarkCompleted(ctx context.Context, id string, chunksCreated int) error
	MarkFailed(ctx context.Context, id string, stage domain.IngestionStage, errMsg string) error
	Requeue(ctx context.Context, id string) error
}

// ChatStore resolves the chat a job belongs to.
type ChatStore interface {
	GetByID(ctx context.Context, id string) (*domain.Chat, error)
}

// DocumentStore reads uploaded document bytes back for extraction.
type DocumentStore interface {
	GetObject(ctx context.Context, key string) ([]byte, error)
}

// Ingestor runs the extract/chunk/embed/store pipeline for one document.
// Text documents skip extraction and go straight to chunking.
type Ingestor interface {
	ProcessDocument(ctx context.Context, chatID, imageB64 string) (*service.IngestionOutcome, error)
	ProcessText(ctx context.Context, chatID, text string) (*service.IngestionOutcome, error)
}

// IngestionWorker claims pending document jobs and runs them through the
// ingestion pipeline, re-queueing transient failures up to maxRetries.
type IngestionWorker struct {
	jobs       JobStore
	chats      ChatStore
	documents  DocumentStore
	ingestor   Ingestor
	claimLimit int
	maxRetries int32
}

// NewIngestionWorker creates an IngestionWorker.
func NewIngestionWorker(jobs JobStore, chats ChatStore, documents DocumentStore, ingestor Ingestor, maxRetries int32) *IngestionWorker {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &IngestionWorker{
		jobs:       jobs,
		chats:      chats,
		documents:  documents,
		ingestor:   ingestor,
		claimLimit: 10,
		maxRetries: maxRetries,
	}
}

// ProcessJobs implements the JobProcessor interface
func (w *IngestionWorker) ProcessJobs(ctx context.Context) error {
	jobs, err := w.jobs.ClaimPending(ctx, w.claimLimit)
	if err != nil {
		return fmt.Errorf("failed to claim pending jobs: %w", err)
	}

	if len(jobs) == 0 {
		return nil
	}

	log.Printf("processing %d pending document jobs", len(jobs))

	for _, job := range jobs {
		if err := w.processJob(ctx, job); err != nil {
			log.Printf("error processing job %s: %v", job.ID, err)
		}
	}

	return nil
}

func (w *IngestionWorker) processJob(ctx context.Context, job *domain.IngestionJob) error {
	ctx, span := telemetry.StartSpan(ctx, "jobs.ingest_document", telemetry.SpanAttributes{
		ChatID:    job.ChatID,
		JobID:     job.ID,
		Operation: "ingest_document",
	})
	defer span.End()

	log.Printf("processing job %s for chat %s", job.ID, job.ChatID)

	outcome, err := w.runPipeline(ctx, job)
	if err != nil {
		span.SetError(err)
		return w.handleJobFailure(ctx, job, err)
	}

	if err := w.jobs.MarkCompleted(ctx, job.ID, outcome.ChunksCreated); err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}

	log.Printf("job %s completed: %d chunks indexed", job.ID, outcome.ChunksCreated)
	return nil
}

func (w *IngestionWorker) runPipeline(ctx context.Context, job *domain.IngestionJob) (*service.IngestionOutcome, error) {
	chat, err := w.chats.GetByID(ctx, job.ChatID)
	if err != nil {
		return nil, &service.StageError{Stage: domain.StageExtraction,
			Err: fmt.Errorf("failed to load chat: %w", err)}
	}
	if chat.StorageKey == "" {
		return nil, &service.StageError{Stage: domain.StageExtraction,
			Err: errors.New("chat has no stored document")}
	}

	raw, err := w.documents.GetObject(ctx, chat.StorageKey)
	if err != nil {
		return nil, &service.StageError{Stage: domain.StageExtraction,
			Err: fmt.Errorf("failed to read document: %w", err)}
	}

	if strings.EqualFold(path.Ext(chat.DocumentFilename), ".txt") {
		return w.ingestor.ProcessText(ctx, job.ChatID, string(raw))
	}

	imageB64 := base64.StdEncoding.EncodeToString(raw)
	return w.ingestor.ProcessDocument(ctx, job.ChatID, imageB64)
}

// handleJobFailure records the failed stage. Transient failures go back to
// pending until the retry budget runs out; rejections fail immediately since
// retrying an invalid document never helps.
func (w *IngestionWorker) handleJobFailure(ctx context.Context, job *domain.IngestionJob, jobErr error) error {
	log.Printf("job %s failed: %v", job.ID, jobErr)

	stage := domain.StageExtraction
	var stageErr *service.StageError
	if errors.As(jobErr, &stageErr) {
		stage = stageErr.Stage
	}

	retryable := !errors.Is(jobErr, domain.ErrProviderRejected) &&
		!errors.Is(jobErr, domain.ErrInvalidConfiguration)

	if retryable && job.Retries+1 < w.maxRetries {
		log.Printf("job %s will be retried (attempt %d/%d)", job.ID, job.Retries+1, w.maxRetries)
		if err := w.jobs.Requeue(ctx, job.ID); err != nil {
			return fmt.Errorf("failed to requeue job: %w", err)
		}
		return nil
	}

	if err := w.jobs.MarkFailed(ctx, job.ID, stage, jobErr.Error()); err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return nil
}
