package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/docagent-io/docagent/internal/domain"
	"github.com/docagent-io/docagent/internal/telemetry"
)

// QueryEmbedder embeds question text for retrieval.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchIndex is the scoped similarity search the retriever reads from.
type SearchIndex interface {
	Search(scopeID string, queryVector []float32, topK int) ([]domain.SearchResult, error)
}

// RetrievedContext is the assembled context for one question. Empty is set
// when the scope holds no chunks, so callers can distinguish "no document
// indexed yet" from a formatted-but-blank context.
type RetrievedContext struct {
	ScopeID string
	Text    string
	Results []domain.SearchResult
	Empty   bool
}

// RetrieverConfig controls how many chunks a query pulls in.
type RetrieverConfig struct {
	TopK int
}

// DefaultRetrieverConfig provides the retriever defaults.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{TopK: 3}
}

// Retriever embeds a question, searches its chat's scope, and formats the
// ranked chunks into a context string for generation.
type Retriever struct {
	embedder QueryEmbedder
	index    SearchIndex
	cfg      RetrieverConfig
}

// NewRetriever creates a Retriever.
func NewRetriever(embedder QueryEmbedder, index SearchIndex, cfg RetrieverConfig) (*Retriever, error) {
	if cfg.TopK <= 0 {
		return nil, domain.NewDomainErrorWithCause(domain.ErrCodeValidation,
			"retriever top-k must be positive", domain.ErrInvalidConfiguration)
	}
	return &Retriever{embedder: embedder, index: index, cfg: cfg}, nil
}

// Retrieve returns the formatted context for the question within the scope.
// Prompt-size budgeting belongs to the caller; the context is not truncated.
func (r *Retriever) Retrieve(ctx context.Context, scopeID, queryText string) (*RetrievedContext, error) {
	ctx, span := telemetry.StartSpan(ctx, "Retriever.Retrieve", telemetry.SpanAttributes{
		ChatID:    scopeID,
		Operation: "retrieve",
	})
	defer span.End()

	queryVec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	results, err := r.index.Search(scopeID, queryVec, r.cfg.TopK)
	if err != nil {
		return nil, fmt.Errorf("failed to search scope: %w", err)
	}

	if len(results) == 0 {
		return &RetrievedContext{ScopeID: scopeID, Empty: true}, nil
	}

	return &RetrievedContext{
		ScopeID: scopeID,
		Text:    FormatContext(results),
		Results: results,
	}, nil
}

// FormatContext renders ranked results as relevance-scored blocks separated
// by blank lines, preserving result order.
func FormatContext(results []domain.SearchResult) string {
	blocks := make([]string, 0, len(results))
	for _, res := range results {
		blocks = append(blocks, fmt.Sprintf("[Relevance: %.2f]\n%s", res.Score, res.Chunk.Text))
	}
	return strings.Join(blocks, "\n\n")
}
