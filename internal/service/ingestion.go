package service

import (
	"context"
	"fmt"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// StageError wraps a pipeline failure with the stage it happened in, so job
// status can report what to fix before the document is re-submitted.
type StageError struct {
	Stage domain.IngestionStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("ingestion failed at %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// DocumentExtractor extracts all textual information from a document image.
type DocumentExtractor interface {
	ExtractDocument(ctx context.Context, imageB64 string) (string, error)
}

// ChunkWriter persists the durable copy of a scope's chunks. Replacement is
// all-or-nothing within the scope.
type ChunkWriter interface {
	ReplaceChunks(ctx context.Context, chatID string, chunks []domain.Chunk) error
}

// ChunkIndex is the in-memory index the pipeline feeds.
type ChunkIndex interface {
	Insert(scopeID string, sequenceIndex int, text string, vector []float32) (string, error)
	DeleteScope(scopeID string)
}

// IngestionConfig controls chunking and embedding concurrency.
type IngestionConfig struct {
	Chunking ChunkConfig
	// EmbedConcurrency bounds how many embedding calls run at once for a
	// single document job.
	EmbedConcurrency int
}

// DefaultIngestionConfig provides the pipeline defaults.
func DefaultIngestionConfig() IngestionConfig {
	return IngestionConfig{
		Chunking:         DefaultChunkConfig(),
		EmbedConcurrency: 4,
	}
}

// IngestionOutcome reports a completed pipeline run.
type IngestionOutcome struct {
	ChunksCreated int
	ExtractedText string
}

// IngestionService runs the document pipeline: extract, chunk, embed, store.
// A failure at any stage aborts the whole job for the scope; no subset of
// chunks is ever stored.
type IngestionService struct {
	extractor DocumentExtractor
	embedder  QueryEmbedder
	chunks    ChunkWriter
	index     ChunkIndex
	cfg       IngestionConfig
}

// NewIngestionService creates the pipeline. The chunk configuration is
// validated up front so misconfiguration fails at startup, not per job.
func NewIngestionService(
	extractor DocumentExtractor,
	embedder QueryEmbedder,
	chunks ChunkWriter,
	index ChunkIndex,
	cfg IngestionConfig,
) (*IngestionService, error) {
	if _, err := ChunkText("", cfg.Chunking); err != nil {
		return nil, err
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = DefaultIngestionConfig().EmbedConcurrency
	}
	return &IngestionService{
		extractor: extractor,
		embedder:  embedder,
		chunks:    chunks,
		index:     index,
		cfg:       cfg,
	}, nil
}

// ProcessDocument extracts text from the image and ingests it for the chat.
func (s *IngestionService) ProcessDocument(ctx context.Context, chatID, imageB64 string) (*IngestionOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "IngestionService.ProcessDocument", telemetry.SpanAttributes{
		ChatID:    chatID,
		Operation: "ingest_document",
	})
	defer span.End()

	text, err := s.extractor.ExtractDocument(ctx, imageB64)
	if err != nil {
		return nil, &StageError{Stage: domain.StageExtraction, Err: err}
	}
	outcome, err := s.ProcessText(ctx, chatID, text)
	if err != nil {
		return nil, err
	}
	outcome.ExtractedText = text
	return outcome, nil
}

// ProcessText chunks and embeds already-extracted text, then stores the
// chunks under the chat's scope. Embeddings run concurrently up to the
// configured limit; their results are reassembled in sequence order before
// anything is written.
func (s *IngestionService) ProcessText(ctx context.Context, chatID, text string) (*IngestionOutcome, error) {
	ctx, span := telemetry.StartSpan(ctx, "IngestionService.ProcessText", telemetry.SpanAttributes{
		ChatID:    chatID,
		Operation: "ingest_text",
	})
	defer span.End()

	pieces, err := ChunkText(text, s.cfg.Chunking)
	if err != nil {
		return nil, &StageError{Stage: domain.StageChunking, Err: err}
	}
	if len(pieces) == 0 {
		return nil, &StageError{Stage: domain.StageChunking,
			Err: domain.NewDomainError(domain.ErrCodeValidation, "document produced no text to index")}
	}

	vectors := make([][]float32, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.EmbedConcurrency)
	for i, piece := range pieces {
		g.Go(func() error {
			vec, err := s.embedder.Embed(gctx, piece)
			if err != nil {
				return fmt.Errorf("chunk %d: %w", i, err)
			}
			vectors[i] = vec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &StageError{Stage: domain.StageEmbedding, Err: err}
	}

	chunks := make([]domain.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = domain.Chunk{
			ScopeID:       chatID,
			SequenceIndex: i,
			Text:          piece,
			Vector:        vectors[i],
		}
	}

	if err := s.chunks.ReplaceChunks(ctx, chatID, chunks); err != nil {
		return nil, &StageError{Stage: domain.StageStorage, Err: err}
	}

	// Re-submission replaces the scope, so clear any previous index state
	// before inserting the new sequence.
	s.index.DeleteScope(chatID)
	for _, c := range chunks {
		if _, err := s.index.Insert(c.ScopeID, c.SequenceIndex, c.Text, c.Vector); err != nil {
			s.index.DeleteScope(chatID)
			return nil, &StageError{Stage: domain.StageStorage, Err: err}
		}
	}

	return &IngestionOutcome{ChunksCreated: len(chunks)}, nil
}

// ChunkSource streams the durable chunk rows, used to warm the index.
type ChunkSource interface {
	ForEachChunk(ctx context.Context, fn func(domain.Chunk) error) error
}

// WarmIndex reloads every stored chunk into the in-memory index. Called once
// at startup before the server accepts traffic.
func (s *IngestionService) WarmIndex(ctx context.Context, source ChunkSource) (int, error) {
	loaded := 0
	err := source.ForEachChunk(ctx, func(c domain.Chunk) error {
		if _, err := s.index.Insert(c.ScopeID, c.SequenceIndex, c.Text, c.Vector); err != nil {
			return fmt.Errorf("chunk %s/%d: %w", c.ScopeID, c.SequenceIndex, err)
		}
		loaded++
		return nil
	})
	if err != nil {
		return loaded, err
	}
	return loaded, nil
}
