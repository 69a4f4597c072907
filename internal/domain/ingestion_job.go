package domain

import (
	"fmt"
	"time"
)

// IngestionJobStatus represents the status of a document ingestion job
type IngestionJobStatus string

const (
	IngestionJobStatusPending    IngestionJobStatus = "pending"
	IngestionJobStatusProcessing IngestionJobStatus = "processing"
	IngestionJobStatusCompleted  IngestionJobStatus = "completed"
	IngestionJobStatusFailed     IngestionJobStatus = "failed"
)

// IngestionStage names the pipeline stage a job failed in, so a caller knows
// what to fix before re-submitting the document.
type IngestionStage string

const (
	StageExtraction IngestionStage = "extraction"
	StageChunking   IngestionStage = "chunking"
	StageEmbedding  IngestionStage = "embedding"
	StageStorage    IngestionStage = "storage"
)

// IngestionJob represents an async document processing job: extract text,
// chunk it, embed the chunks, and index the vectors under the chat's scope.
type IngestionJob struct {
	ID            string
	ChatID        string
	Status        IngestionJobStatus
	FailedStage   IngestionStage
	Error         string
	ChunksCreated int
	Retries       int32
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// ValidateIngestionJob validates an IngestionJob instance
func ValidateIngestionJob(job *IngestionJob) error {
	if job.ID == "" {
		return NewDomainErrorWithCause(ErrCodeValidation, "ingestion job id is required", ErrMissingRequiredField)
	}
	if job.ChatID == "" {
		return NewDomainErrorWithCause(ErrCodeValidation, "ingestion job chat id is required", ErrMissingRequiredField)
	}
	switch job.Status {
	case IngestionJobStatusPending, IngestionJobStatusProcessing,
		IngestionJobStatusCompleted, IngestionJobStatusFailed:
	default:
		return NewDomainError(ErrCodeValidation, fmt.Sprintf("invalid ingestion job status: %s", job.Status))
	}
	return nil
}
