package repository

import (
	"context"
	"errors"
	"time"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// IngestionJobRepository handles persistence of document ingestion jobs.
type IngestionJobRepository struct {
	db dbtx
}

func NewIngestionJobRepository(pool *pgxpool.Pool) *IngestionJobRepository {
	return &IngestionJobRepository{db: pool}
}

func NewIngestionJobRepositoryWithTx(tx pgx.Tx) *IngestionJobRepository {
	return &IngestionJobRepository{db: tx}
}

const ingestionJobColumns = `id, chat_id, status, failed_stage, error, chunks_created, retries, created_at, processed_at`

func (r *IngestionJobRepository) Create(ctx context.Context, job *domain.IngestionJob) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO document_jobs (id, chat_id, status, failed_stage, error, chunks_created, retries, created_at, processed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.ChatID, job.Status, nullableString(string(job.FailedStage)),
		nullableString(job.Error), job.ChunksCreated, job.Retries, job.CreatedAt, job.ProcessedAt,
	)
	return err
}

func (r *IngestionJobRepository) GetByID(ctx context.Context, id string) (*domain.IngestionJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ingestionJobColumns+` FROM document_jobs WHERE id = $1`, id)
	job, err := scanIngestionJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// LatestByChat returns the chat's most recent ingestion job, or nil when the
// chat never had one.
func (r *IngestionJobRepository) LatestByChat(ctx context.Context, chatID string) (*domain.IngestionJob, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+ingestionJobColumns+`
		 FROM document_jobs
		 WHERE chat_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		chatID)
	job, err := scanIngestionJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

// ClaimPending atomically moves up to limit pending jobs to processing and
// returns them. SKIP LOCKED keeps concurrent workers from claiming the same
// job twice.
func (r *IngestionJobRepository) ClaimPending(ctx context.Context, limit int) ([]*domain.IngestionJob, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := r.db.Query(ctx,
		`WITH cte AS (
			 SELECT id
			 FROM document_jobs
			 WHERE status = $1
			 ORDER BY created_at ASC
			 FOR UPDATE SKIP LOCKED
			 LIMIT $2
		 )
		 UPDATE document_jobs
		 SET status = $3,
		     failed_stage = NULL,
		     error = NULL,
		     processed_at = NULL
		 FROM cte
		 WHERE document_jobs.id = cte.id
		 RETURNING document_jobs.id, document_jobs.chat_id, document_jobs.status,
		           document_jobs.failed_stage, document_jobs.error, document_jobs.chunks_created,
		           document_jobs.retries, document_jobs.created_at, document_jobs.processed_at`,
		domain.IngestionJobStatusPending, limit, domain.IngestionJobStatusProcessing,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.IngestionJob
	for rows.Next() {
		job, err := scanIngestionJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkCompleted records a successful run and how many chunks it produced.
func (r *IngestionJobRepository) MarkCompleted(ctx context.Context, id string, chunksCreated int) error {
	now := time.Now().UTC()
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE document_jobs
		 SET status = $1, failed_stage = NULL, error = NULL, chunks_created = $2, processed_at = $3
		 WHERE id = $4`,
		domain.IngestionJobStatusCompleted, chunksCreated, now, id,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// MarkFailed records the stage the pipeline failed in together with the
// error message.
func (r *IngestionJobRepository) MarkFailed(ctx context.Context, id string, stage domain.IngestionStage, errMsg string) error {
	now := time.Now().UTC()
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE document_jobs
		 SET status = $1, failed_stage = $2, error = $3, processed_at = $4
		 WHERE id = $5`,
		domain.IngestionJobStatusFailed, nullableString(string(stage)), nullableString(errMsg), now, id,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// Requeue puts a failed attempt back to pending and bumps the retry counter.
func (r *IngestionJobRepository) Requeue(ctx context.Context, id string) error {
	cmdTag, err := r.db.Exec(ctx,
		`UPDATE document_jobs
		 SET status = $1, retries = retries + 1, processed_at = NULL
		 WHERE id = $2`,
		domain.IngestionJobStatusPending, id,
	)
	if err != nil {
		return err
	}
	if cmdTag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

func scanIngestionJob(row pgx.Row) (*domain.IngestionJob, error) {
	var job domain.IngestionJob
	var failedStage, errMsg pgtype.Text
	err := row.Scan(&job.ID, &job.ChatID, &job.Status, &failedStage, &errMsg,
		&job.ChunksCreated, &job.Retries, &job.CreatedAt, &job.ProcessedAt)
	if err != nil {
		return nil, err
	}
	if failedStage.Valid {
		job.FailedStage = domain.IngestionStage(failedStage.String)
	}
	if errMsg.Valid {
		job.Error = errMsg.String
	}
	return &job, nil
}
